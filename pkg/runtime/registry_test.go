package runtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

type stubBackend struct{ name string }

func (s *stubBackend) Name() string                              { return s.name }
func (s *stubBackend) Available(ctx context.Context) bool         { return true }
func (s *stubBackend) PullImage(ctx context.Context, ref string) error { return nil }
func (s *stubBackend) ImageExists(ctx context.Context, ref string) (bool, error) {
	return false, nil
}
func (s *stubBackend) ListImages(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubBackend) CreateContainer(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string) error {
	return nil
}
func (s *stubBackend) StartContainer(ctx context.Context, id types.ContainerId) (int, error) {
	return 0, nil
}
func (s *stubBackend) StopContainer(ctx context.Context, id types.ContainerId, timeout time.Duration) error {
	return nil
}
func (s *stubBackend) KillContainer(ctx context.Context, id types.ContainerId, signal int) error {
	return nil
}
func (s *stubBackend) PauseContainer(ctx context.Context, id types.ContainerId) error  { return nil }
func (s *stubBackend) ResumeContainer(ctx context.Context, id types.ContainerId) error { return nil }
func (s *stubBackend) RemoveContainer(ctx context.Context, id types.ContainerId) error { return nil }
func (s *stubBackend) UpdateContainer(ctx context.Context, id types.ContainerId, resources types.ResourceLimits) error {
	return nil
}
func (s *stubBackend) ContainerState(ctx context.Context, id types.ContainerId) (types.Lifecycle, error) {
	return types.Running, nil
}
func (s *stubBackend) ListContainers(ctx context.Context) ([]types.ContainerId, error) {
	return nil, nil
}
func (s *stubBackend) Stats(ctx context.Context, id types.ContainerId) (Stats, error) {
	return Stats{}, nil
}
func (s *stubBackend) Top(ctx context.Context, id types.ContainerId) ([]ProcessInfo, error) {
	return nil, nil
}
func (s *stubBackend) Logs(ctx context.Context, id types.ContainerId) (io.ReadCloser, error) {
	return nil, nil
}
func (s *stubBackend) Exec(ctx context.Context, id types.ContainerId, opts ExecOptions) (int, error) {
	return 0, nil
}
func (s *stubBackend) Attach(ctx context.Context, id types.ContainerId, stdin io.Reader, stdout, stderr io.Writer) error {
	return nil
}
func (s *stubBackend) Wait(ctx context.Context, id types.ContainerId) (<-chan ExitStatus, error) {
	return nil, nil
}
func (s *stubBackend) Checkpoint(ctx context.Context, id types.ContainerId, opts CheckpointOptions) error {
	return nil
}
func (s *stubBackend) Restore(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string, opts RestoreOptions) (int, error) {
	return 0, nil
}

var _ Backend = (*stubBackend)(nil)

func TestRegistryFirstRegisteredIsDefault(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubBackend{name: "alpha"})
	reg.Register(&stubBackend{name: "beta"})

	def, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "alpha", def.Name())
}

func TestRegistryGetUnknownName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubBackend{name: "alpha"})

	_, err := reg.Get("missing")
	assert.Error(t, err)
}

func TestRegistryGetByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubBackend{name: "alpha"})
	reg.Register(&stubBackend{name: "beta"})

	b, err := reg.Get("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", b.Name())
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubBackend{name: "alpha"})
	reg.Register(&stubBackend{name: "beta"})

	names := reg.Names()
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestRegistryDefaultWithNoneRegistered(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Default()
	assert.Error(t, err)
}
