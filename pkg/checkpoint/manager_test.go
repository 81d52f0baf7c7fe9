package checkpoint

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]types.CheckpointRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]types.CheckpointRecord)}
}

func (s *memStore) SaveCheckpoint(r *types.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = *r
	return nil
}

func (s *memStore) DeleteCheckpoint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) ListCheckpoints() ([]*types.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.CheckpointRecord, 0, len(s.records))
	for _, r := range s.records {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

// fakeBackend is a no-op runtime.Backend that always succeeds, just enough
// to exercise Manager without a real containerd socket.
type fakeBackend struct{}

func (f *fakeBackend) Name() string                       { return "fake" }
func (f *fakeBackend) Available(ctx context.Context) bool  { return true }
func (f *fakeBackend) PullImage(ctx context.Context, imageRef string) error { return nil }
func (f *fakeBackend) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	return false, nil
}
func (f *fakeBackend) ListImages(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeBackend) CreateContainer(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, rootfs string) error {
	return nil
}
func (f *fakeBackend) StartContainer(ctx context.Context, id types.ContainerId) (int, error) {
	return 0, nil
}
func (f *fakeBackend) StopContainer(ctx context.Context, id types.ContainerId, timeout time.Duration) error {
	return nil
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

func TestManagerCheckpointThenLookup(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	backend := &fakeBackend{}
	m, err := NewManager(dir, store, backend)
	require.NoError(t, err)

	now := time.Now()
	rec, err := m.Checkpoint(context.Background(), types.ContainerId("c1"), "fp-1", "6.1.0", time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", rec.Fingerprint)

	got, ok := m.Lookup("fp-1", now)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
}

func TestManagerCheckpointSupersedesOlder(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	backend := &fakeBackend{}
	m, err := NewManager(dir, store, backend)
	require.NoError(t, err)

	now := time.Now()
	first, err := m.Checkpoint(context.Background(), types.ContainerId("c1"), "fp-1", "6.1.0", time.Hour, now)
	require.NoError(t, err)

	later := now.Add(time.Second)
	second, err := m.Checkpoint(context.Background(), types.ContainerId("c1"), "fp-1", "6.1.0", time.Hour, later)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, ok := m.Lookup("fp-1", later)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestManagerSweepRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	backend := &fakeBackend{}
	m, err := NewManager(dir, store, backend)
	require.NoError(t, err)

	now := time.Now()
	_, err = m.Checkpoint(context.Background(), types.ContainerId("c1"), "fp-1", "6.1.0", time.Nanosecond, now)
	require.NoError(t, err)

	m.sweep(now.Add(time.Second))

	_, ok := m.Lookup("fp-1", now.Add(time.Second))
	assert.False(t, ok)

	recs, err := store.ListCheckpoints()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestManagerInvalidateDropsRecord(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	backend := &fakeBackend{}
	m, err := NewManager(dir, store, backend)
	require.NoError(t, err)

	now := time.Now()
	_, err = m.Checkpoint(context.Background(), types.ContainerId("c1"), "fp-1", "6.1.0", time.Hour, now)
	require.NoError(t, err)

	m.Invalidate("fp-1")
	time.Sleep(10 * time.Millisecond)

	_, ok := m.Lookup("fp-1", now)
	assert.False(t, ok)
}

func TestNewManagerLoadsMostRecentPerFingerprint(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	older := types.CheckpointRecord{ID: "fp-1-1", Fingerprint: "fp-1", CreatedAt: time.Now(), TTL: time.Hour}
	newer := types.CheckpointRecord{ID: "fp-1-2", Fingerprint: "fp-1", CreatedAt: older.CreatedAt.Add(time.Minute), TTL: time.Hour}
	require.NoError(t, store.SaveCheckpoint(&older))
	require.NoError(t, store.SaveCheckpoint(&newer))

	m, err := NewManager(dir, store, &fakeBackend{})
	require.NoError(t, err)

	got, ok := m.Lookup("fp-1", newer.CreatedAt)
	require.True(t, ok)
	assert.Equal(t, "fp-1-2", got.ID)
}
