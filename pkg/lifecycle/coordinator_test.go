package lifecycle

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/prewarm"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// memStore is an in-memory Store fake, mirroring pkg/checkpoint's test
// double for the same persistence boundary.
type memStore struct {
	mu         sync.Mutex
	containers map[types.ContainerId]*types.ContainerState
	images     map[string]*types.ImageRecord
	layers     map[string]*types.LayerInfo
}

func newMemStore() *memStore {
	return &memStore{
		containers: make(map[types.ContainerId]*types.ContainerState),
		images:     make(map[string]*types.ImageRecord),
		layers:     make(map[string]*types.LayerInfo),
	}
}

func (s *memStore) SaveContainer(st *types.ContainerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.containers[st.Id] = &cp
	return nil
}

func (s *memStore) GetContainer(id types.ContainerId) (*types.ContainerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.containers[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) DeleteContainer(id types.ContainerId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
	return nil
}

func (s *memStore) SaveImage(r *types.ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.images[r.Digest] = &cp
	return nil
}

func (s *memStore) GetImage(digest string) (*types.ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.images[digest]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) SaveLayer(l *types.LayerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.layers[l.Digest] = &cp
	return nil
}

func (s *memStore) GetLayer(digest string) (*types.LayerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.layers[digest]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) DeleteLayer(digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers, digest)
	return nil
}

var _ Store = (*memStore)(nil)

// fakeBackend is a no-op runtime.Backend, just enough to exercise
// Coordinator without a real containerd socket.
type fakeBackend struct {
	stopErr error
}

func (f *fakeBackend) Name() string                      { return "fake" }
func (f *fakeBackend) Available(ctx context.Context) bool { return true }
func (f *fakeBackend) PullImage(ctx context.Context, imageRef string) error { return nil }
func (f *fakeBackend) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	return false, nil
}
func (f *fakeBackend) ListImages(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) CreateContainer(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string) error {
	return nil
}
func (f *fakeBackend) StartContainer(ctx context.Context, id types.ContainerId) (int, error) {
	return 4242, nil
}
func (f *fakeBackend) StopContainer(ctx context.Context, id types.ContainerId, timeout time.Duration) error {
	return f.stopErr
}
func (f *fakeBackend) KillContainer(ctx context.Context, id types.ContainerId, signal int) error {
	return nil
}
func (f *fakeBackend) PauseContainer(ctx context.Context, id types.ContainerId) error  { return nil }
func (f *fakeBackend) ResumeContainer(ctx context.Context, id types.ContainerId) error { return nil }
func (f *fakeBackend) RemoveContainer(ctx context.Context, id types.ContainerId) error { return nil }
func (f *fakeBackend) UpdateContainer(ctx context.Context, id types.ContainerId, resources types.ResourceLimits) error {
	return nil
}
func (f *fakeBackend) ContainerState(ctx context.Context, id types.ContainerId) (types.Lifecycle, error) {
	return types.Running, nil
}
func (f *fakeBackend) ListContainers(ctx context.Context) ([]types.ContainerId, error) {
	return nil, nil
}
func (f *fakeBackend) Stats(ctx context.Context, id types.ContainerId) (runtime.Stats, error) {
	return runtime.Stats{}, nil
}
func (f *fakeBackend) Top(ctx context.Context, id types.ContainerId) ([]runtime.ProcessInfo, error) {
	return nil, nil
}
func (f *fakeBackend) Logs(ctx context.Context, id types.ContainerId) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeBackend) Exec(ctx context.Context, id types.ContainerId, opts runtime.ExecOptions) (int, error) {
	return 0, nil
}
func (f *fakeBackend) Attach(ctx context.Context, id types.ContainerId, stdin io.Reader, stdout, stderr io.Writer) error {
	return nil
}
func (f *fakeBackend) Wait(ctx context.Context, id types.ContainerId) (<-chan runtime.ExitStatus, error) {
	return nil, nil
}
func (f *fakeBackend) Checkpoint(ctx context.Context, id types.ContainerId, opts runtime.CheckpointOptions) error {
	return nil
}
func (f *fakeBackend) Restore(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string, opts runtime.RestoreOptions) (int, error) {
	return 0, nil
}

var _ runtime.Backend = (*fakeBackend)(nil)

func testCoordinator(t *testing.T, store Store, backend runtime.Backend) *Coordinator {
	t.Helper()
	var events []types.Event
	var mu sync.Mutex
	return New(Config{
		Store:   store,
		Backend: backend,
		Layout:  storage.NewLayout(t.TempDir()),
		Events: func(ev types.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
}

func TestIpOnlyStripsPrefixLength(t *testing.T) {
	assert.Equal(t, "10.88.0.2", ipOnly("10.88.0.2/16"))
	assert.Equal(t, "10.88.0.2", ipOnly("10.88.0.2"))
}

func TestStopIsNoopWhenNotRunning(t *testing.T) {
	store := newMemStore()
	id := types.ContainerId("c1")
	require.NoError(t, store.SaveContainer(&types.ContainerState{Id: id, Lifecycle: types.Stopped}))

	c := testCoordinator(t, store, &fakeBackend{})
	require.NoError(t, c.Stop(context.Background(), id))

	st, err := store.GetContainer(id)
	require.NoError(t, err)
	assert.Equal(t, types.Stopped, st.Lifecycle)
}

func TestStopTransitionsRunningToStopped(t *testing.T) {
	store := newMemStore()
	id := types.ContainerId("c1")
	require.NoError(t, store.SaveContainer(&types.ContainerState{Id: id, Lifecycle: types.Running, PID: 99}))

	c := testCoordinator(t, store, &fakeBackend{})
	require.NoError(t, c.Stop(context.Background(), id))

	st, err := store.GetContainer(id)
	require.NoError(t, err)
	assert.Equal(t, types.Stopped, st.Lifecycle)
}

func TestStopReturnsWrappedErrorAndLeavesStateStopping(t *testing.T) {
	store := newMemStore()
	id := types.ContainerId("c1")
	require.NoError(t, store.SaveContainer(&types.ContainerState{Id: id, Lifecycle: types.Running}))

	c := testCoordinator(t, store, &fakeBackend{stopErr: assert.AnError})
	err := c.Stop(context.Background(), id)
	require.Error(t, err)

	st, gerr := store.GetContainer(id)
	require.NoError(t, gerr)
	assert.Equal(t, types.Stopping, st.Lifecycle)
}

func TestAdoptPrewarmedRelabelsStateForNewId(t *testing.T) {
	store := newMemStore()
	c := testCoordinator(t, store, &fakeBackend{})

	prewarmed := &types.ContainerState{
		Id:        types.ContainerId("throwaway"),
		Lifecycle: types.Running,
		PID:       123,
		RootfsPath: "/var/lib/hyperbox/merged/throwaway",
	}
	inst := &prewarm.Instance{ContainerId: prewarmed.Id, Fingerprint: "fp-1", State: prewarmed}

	spec := types.ContainerSpec{Image: "web:latest"}
	st, err := c.adoptPrewarmed(context.Background(), types.ContainerId("real-id"), spec, "proj-a", inst)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerId("real-id"), st.Id)
	assert.Equal(t, types.Running, st.Lifecycle)
	assert.True(t, st.IsPrewarmed)
	assert.Equal(t, "proj-a", st.ProjectID)
	assert.Equal(t, spec, st.Spec)

	persisted, err := store.GetContainer(types.ContainerId("real-id"))
	require.NoError(t, err)
	assert.Equal(t, 123, persisted.PID)
}

func TestAdoptPrewarmedRejectsMissingState(t *testing.T) {
	store := newMemStore()
	c := testCoordinator(t, store, &fakeBackend{})

	inst := &prewarm.Instance{ContainerId: types.ContainerId("x"), Fingerprint: "fp-1"}
	_, err := c.adoptPrewarmed(context.Background(), types.ContainerId("real-id"), types.ContainerSpec{}, "", inst)
	assert.Error(t, err)
}

func TestIncrementRefcounts(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveLayer(&types.LayerInfo{Digest: "sha256:aaa", Refcount: 0}))
	c := testCoordinator(t, store, &fakeBackend{})

	c.incrementRefcounts([]string{"sha256:aaa"})

	l, err := store.GetLayer("sha256:aaa")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Refcount)
}

func TestDecrementRefcountsDeletesAtZeroAndReclaims(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	require.NoError(t, store.SaveLayer(&types.LayerInfo{Digest: "sha256:bbb", Refcount: 1}))
	c := testCoordinator(t, store, &fakeBackend{})
	c.layout = storage.NewLayout(dir)

	c.decrementRefcounts([]string{"sha256:bbb"})

	l, err := store.GetLayer("sha256:bbb")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestDecrementRefcountsKeepsLayerAboveZero(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.SaveLayer(&types.LayerInfo{Digest: "sha256:ccc", Refcount: 2}))
	c := testCoordinator(t, store, &fakeBackend{})

	c.decrementRefcounts([]string{"sha256:ccc"})

	l, err := store.GetLayer("sha256:ccc")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Refcount)
}
