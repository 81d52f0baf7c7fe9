package prewarm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/predictor"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

func testPool(t *testing.T, maxSize int) (*Pool, *int32, *int32) {
	t.Helper()
	var created, destroyed int32
	create := func(ctx context.Context, fingerprint, image string) (*Instance, error) {
		atomic.AddInt32(&created, 1)
		return &Instance{ContainerId: types.ContainerId("c"), Fingerprint: fingerprint, Image: image, CreatedAt: time.Now()}, nil
	}
	destroy := func(ctx context.Context, inst *Instance) error {
		atomic.AddInt32(&destroyed, 1)
		return nil
	}
	return NewPool(maxSize, create, destroy), &created, &destroyed
}

func TestClaimOnEmptyPoolMisses(t *testing.T) {
	p, _, _ := testPool(t, 4)
	_, ok := p.Claim("fp-1")
	assert.False(t, ok)
}

func TestCreateThenClaimRoundTrips(t *testing.T) {
	p, created, _ := testPool(t, 4)
	ok, err := p.Create(context.Background(), "fp-1", "web:latest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(created))

	inst, ok := p.Claim("fp-1")
	require.True(t, ok)
	assert.Equal(t, "fp-1", inst.Fingerprint)
	assert.Equal(t, 0, p.Size())
}

func TestCreateRespectsGlobalCap(t *testing.T) {
	p, _, _ := testPool(t, 1)
	ok1, err := p.Create(context.Background(), "fp-1", "web:latest")
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := p.Create(context.Background(), "fp-2", "db:latest")
	require.NoError(t, err)
	assert.False(t, ok2, "pool is already at its global cap")
}

func TestReleaseReturnsInstanceForReuse(t *testing.T) {
	p, _, _ := testPool(t, 4)
	inst := &Instance{ContainerId: types.ContainerId("c"), Fingerprint: "fp-1", CreatedAt: time.Now()}
	p.Release(inst)
	assert.Equal(t, 1, p.Size())

	got, ok := p.Claim("fp-1")
	require.True(t, ok)
	assert.Equal(t, inst, got)
}

func TestShutdownDestroysEveryPooledInstance(t *testing.T) {
	p, _, destroyed := testPool(t, 4)
	p.Release(&Instance{Fingerprint: "fp-1", CreatedAt: time.Now()})
	p.Release(&Instance{Fingerprint: "fp-2", CreatedAt: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(destroyed))

	_, err := p.Create(context.Background(), "fp-1", "web:latest")
	assert.ErrorIs(t, err, ErrPoolClosing)
}

func TestCleanerEvictsExpiredInstances(t *testing.T) {
	p, _, destroyed := testPool(t, 4)
	p.Release(&Instance{Fingerprint: "fp-1", CreatedAt: time.Now().Add(-time.Hour)})

	pred := predictor.New(16)
	cleaner := NewCleaner(p, pred, func() map[string]string { return map[string]string{} }, time.Minute, time.Minute, 0.7)

	cleaner.evictExpired(context.Background(), time.Now())
	assert.Equal(t, int32(1), atomic.LoadInt32(destroyed))
	assert.Equal(t, 0, p.Size())
}

func TestCleanerTopsUpLikelyImage(t *testing.T) {
	p, created, _ := testPool(t, 4)
	pred := predictor.New(16)
	now := time.Now()
	for i := 0; i < 20; i++ {
		pred.Record(types.UsageEvent{Image: "hot:latest", Timestamp: now})
	}

	images := func() map[string]string { return map[string]string{"fp-hot": "hot:latest"} }
	cleaner := NewCleaner(p, pred, images, time.Minute, 5*time.Minute, 0.01)

	cleaner.tick(context.Background(), now)
	assert.Equal(t, int32(1), atomic.LoadInt32(created))
}
