package memory

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperbox/hyperboxd/pkg/types"
)

func writeCgroupFixture(t *testing.T, dir string, current int64, anon, activeFile, slabReclaimable, swap int64) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.current"), []byte(strconv.FormatInt(current, 10)), 0644))
	stat := "anon " + strconv.FormatInt(anon, 10) + "\n" +
		"active_file " + strconv.FormatInt(activeFile, 10) + "\n" +
		"slab_reclaimable " + strconv.FormatInt(slabReclaimable, 10) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.stat"), []byte(stat), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.swap.current"), []byte(strconv.FormatInt(swap, 10)), 0644))
}

func TestBalloonExpandsWhenAnonDominantNearLimit(t *testing.T) {
	dir := t.TempDir()
	limit := int64(1000)
	writeCgroupFixture(t, dir, 950, 900, 10, 10, 0)

	b := NewBalloonManager(func(types.ContainerId) string { return dir }, true)
	require.NoError(t, b.Poll(types.ContainerId("c1"), limit))

	data, err := os.ReadFile(filepath.Join(dir, "memory.high"))
	require.NoError(t, err)
	target, err := strconv.ParseInt(string(data), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, limit, target) // capped at limit since target+step > limit
}

func TestBalloonShrinksAfterThreeIdlePolls(t *testing.T) {
	dir := t.TempDir()
	limit := int64(1000)
	writeCgroupFixture(t, dir, 100, 50, 40, 10, 0)

	b := NewBalloonManager(func(types.ContainerId) string { return dir }, true)
	id := types.ContainerId("c1")

	require.NoError(t, b.Poll(id, limit))
	require.NoError(t, b.Poll(id, limit))
	require.NoError(t, b.Poll(id, limit))

	data, err := os.ReadFile(filepath.Join(dir, "memory.high"))
	require.NoError(t, err)
	target, err := strconv.ParseInt(string(data), 10, 64)
	require.NoError(t, err)
	assert.Less(t, target, limit)
}

func TestBalloonNotSupportedWhenCgroupMissing(t *testing.T) {
	b := NewBalloonManager(func(types.ContainerId) string { return "/nonexistent" }, true)
	err := b.Poll(types.ContainerId("c1"), 1000)
	assert.NoError(t, err)
}

func TestBalloonRespectsOscillationWindow(t *testing.T) {
	dir := t.TempDir()
	limit := int64(1000)
	writeCgroupFixture(t, dir, 950, 900, 10, 10, 0)

	b := NewBalloonManager(func(types.ContainerId) string { return dir }, true)
	id := types.ContainerId("c1")
	require.NoError(t, b.Poll(id, limit))

	b.mu.Lock()
	st := b.states[id]
	st.lastAdjusted = time.Now()
	b.mu.Unlock()

	require.NoError(t, os.Remove(filepath.Join(dir, "memory.high")))
	require.NoError(t, b.Poll(id, limit))

	_, err := os.Stat(filepath.Join(dir, "memory.high"))
	assert.True(t, os.IsNotExist(err), "second expansion within oscillation window should be suppressed")
}
