package api

import (
	"context"
	"io"

	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// Envelope is the response wrapper every boundary call returns through, so
// a front-end can render one success/error branch regardless of the
// payload shape underneath.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Ok wraps a successful result.
func Ok[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: &data}
}

// Err wraps a failure; Data is left nil.
func Err[T any](message string) Envelope[T] {
	return Envelope[T]{Success: false, Message: message}
}

// LogOptions controls how ContainerService.Logs renders a container's
// output.
type LogOptions struct {
	Tail       int
	Timestamps bool
	Follow     bool
}

// PullRequest is ImageService.Pull's input.
type PullRequest struct {
	Image    string
	Platform string
}

// ContainerService is the boundary a front-end drives container lifecycle
// operations through. pkg/daemon implements it with an adapter type that
// Daemon.Containers returns.
type ContainerService interface {
	List(ctx context.Context, projectID string, all bool) ([]types.ContainerState, error)
	Get(ctx context.Context, id types.ContainerId) (*types.ContainerState, error)
	Create(ctx context.Context, spec types.ContainerSpec, projectID string) (*types.ContainerState, error)
	Start(ctx context.Context, id types.ContainerId) (*types.ContainerState, error)
	Stop(ctx context.Context, id types.ContainerId) error
	Restart(ctx context.Context, id types.ContainerId) (*types.ContainerState, error)
	Remove(ctx context.Context, id types.ContainerId, force bool) error
	Checkpoint(ctx context.Context, id types.ContainerId) (types.CheckpointRecord, error)
	Restore(ctx context.Context, id types.ContainerId) (*types.ContainerState, error)
	Logs(ctx context.Context, id types.ContainerId, opts LogOptions) (io.ReadCloser, error)
	Stats(ctx context.Context, id types.ContainerId) (runtime.Stats, error)
}

// ImageService is the boundary for local image cache operations.
type ImageService interface {
	List(ctx context.Context) ([]types.ImageRecord, error)
	Pull(ctx context.Context, req PullRequest) (*types.ImageRecord, error)
	Delete(ctx context.Context, digest string) error
}

// ProjectService is the boundary for grouping containers into projects.
type ProjectService interface {
	List(ctx context.Context) ([]types.Project, error)
	Create(ctx context.Context, name string) (*types.Project, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Close(ctx context.Context, id string) error
}

// MetricsService is the boundary for point-in-time metrics snapshots.
type MetricsService interface {
	Snapshot(ctx context.Context) (types.Metrics, error)
}
