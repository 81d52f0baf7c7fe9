// Package runtime defines the container runtime capability set the daemon
// drives, and a containerd-backed implementation of it.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

// ExecOptions describes a one-off process to run inside a running
// container's namespaces.
type ExecOptions struct {
	Command []string
	Env     map[string]string
	TTY     bool
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// Stats is a point-in-time resource usage snapshot for a running container.
type Stats struct {
	CPUUsageNanos uint64
	MemoryBytes   uint64
	PidsCurrent   uint64
}

// ProcessInfo is one row of a container's process table, as reported by Top.
type ProcessInfo struct {
	PID     int
	Command string
}

// CheckpointOptions controls where and how a checkpoint image is written.
type CheckpointOptions struct {
	ImagePath string
}

// RestoreOptions controls how a container is recreated from a checkpoint.
type RestoreOptions struct {
	ImagePath string
}

// ExitStatus is delivered on the channel returned by Wait.
type ExitStatus struct {
	Code  int
	Err   error
	Since time.Time
}

// Backend is the full capability set a container runtime implementation
// exposes to the lifecycle coordinator. Every component driving containers
// (the lifecycle coordinator, the checkpoint manager) depends on this
// interface rather than on a concrete runtime, so a second
// backend (e.g. a future runc-direct path) can be registered without
// touching callers.
type Backend interface {
	// Name identifies the backend for logging and Registry lookup.
	Name() string
	// Available reports whether the backend's dependencies (socket,
	// binary, kernel feature) are reachable right now.
	Available(ctx context.Context) bool

	PullImage(ctx context.Context, imageRef string) error
	ImageExists(ctx context.Context, imageRef string) (bool, error)
	ListImages(ctx context.Context) ([]string, error)

	CreateContainer(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string) error
	StartContainer(ctx context.Context, id types.ContainerId) (pid int, err error)
	StopContainer(ctx context.Context, id types.ContainerId, timeout time.Duration) error
	KillContainer(ctx context.Context, id types.ContainerId, signal int) error
	PauseContainer(ctx context.Context, id types.ContainerId) error
	ResumeContainer(ctx context.Context, id types.ContainerId) error
	RemoveContainer(ctx context.Context, id types.ContainerId) error
	UpdateContainer(ctx context.Context, id types.ContainerId, resources types.ResourceLimits) error

	ContainerState(ctx context.Context, id types.ContainerId) (types.Lifecycle, error)
	ListContainers(ctx context.Context) ([]types.ContainerId, error)
	Stats(ctx context.Context, id types.ContainerId) (Stats, error)
	Top(ctx context.Context, id types.ContainerId) ([]ProcessInfo, error)
	Logs(ctx context.Context, id types.ContainerId) (io.ReadCloser, error)
	Exec(ctx context.Context, id types.ContainerId, opts ExecOptions) (int, error)
	Attach(ctx context.Context, id types.ContainerId, stdin io.Reader, stdout, stderr io.Writer) error
	Wait(ctx context.Context, id types.ContainerId) (<-chan ExitStatus, error)

	Checkpoint(ctx context.Context, id types.ContainerId, opts CheckpointOptions) error
	Restore(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string, opts RestoreOptions) (pid int, err error)
}
