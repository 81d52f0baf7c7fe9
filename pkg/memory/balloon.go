package memory

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	// DefaultLowWatermarkPct is the idle-path threshold: below this share
	// of the limit for 3 consecutive polls, the balloon shrinks a step.
	DefaultLowWatermarkPct = 0.50
	// expansionThresholdPct is the working-set share of the limit that
	// triggers the expansion path.
	expansionThresholdPct = 0.90
	// stepPct is one balloon adjustment step, as a fraction of the limit.
	stepPct = 0.10
	// oscillationWindow blocks a new adjustment within this long of the
	// last one, in either direction.
	oscillationWindow = 30 * time.Second
	// idlePollsRequired is how many consecutive idle polls the idle path
	// needs before it shrinks the balloon.
	idlePollsRequired = 3
)

// cgroupStats is a per-container snapshot of the memory.current/
// memory.stat/memory.swap.current fields the balloon decision needs.
type cgroupStats struct {
	Current          int64
	Anon             int64
	ActiveFile       int64
	SlabReclaimable  int64
	Swap             int64
}

type balloonState struct {
	target        int64
	lastAdjusted  time.Time
	idlePolls     int
}

// BalloonManager runs the per-container memory balloon: it nudges each
// container's memory.high target up when the working set is pinned near
// its limit and dominated by anonymous memory, and down when the
// container has been idle for several consecutive polls.
type BalloonManager struct {
	mu         sync.Mutex
	cgroupRoot func(types.ContainerId) string
	privileged bool
	states     map[types.ContainerId]*balloonState
	logger     zerolog.Logger
}

// NewBalloonManager wires the manager to cgroupPath, the function that
// resolves a container's cgroup directory (normally
// (*isolation.CgroupManager).Path).
func NewBalloonManager(cgroupPath func(types.ContainerId) string, privileged bool) *BalloonManager {
	return &BalloonManager{
		cgroupRoot: cgroupPath,
		privileged: privileged,
		states:     make(map[types.ContainerId]*balloonState),
		logger:     log.WithComponent("memory"),
	}
}

// Forget drops a container's balloon state, called on removal.
func (b *BalloonManager) Forget(id types.ContainerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, id)
}

// Poll samples id's cgroup and applies the expansion/idle decision
// against limit (its memory.max in bytes). It returns nil without acting
// when limit is not positive or the cgroup's memory.current file can't be
// read, e.g. the container has already exited.
func (b *BalloonManager) Poll(id types.ContainerId, limit int64) error {
	if limit <= 0 {
		return nil
	}
	path := b.cgroupRoot(id)
	stats, ok := readCgroupStats(path)
	if !ok {
		return nil
	}

	b.mu.Lock()
	st, ok := b.states[id]
	if !ok {
		st = &balloonState{target: limit}
		b.states[id] = st
	}
	b.mu.Unlock()

	workingSet := stats.Current
	workingSetPct := float64(workingSet) / float64(limit)
	anonDominant := stats.Anon > stats.ActiveFile+stats.SlabReclaimable

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	withinOscillationWindow := now.Sub(st.lastAdjusted) < oscillationWindow

	switch {
	case workingSetPct >= expansionThresholdPct && anonDominant && !withinOscillationWindow:
		st.target = minInt64(limit, st.target+int64(float64(limit)*stepPct))
		st.lastAdjusted = now
		st.idlePolls = 0
		b.apply(id, st.target, "expand")
	case workingSetPct < DefaultLowWatermarkPct:
		st.idlePolls++
		if st.idlePolls >= idlePollsRequired && !withinOscillationWindow {
			floor := int64(float64(limit) * DefaultLowWatermarkPct)
			st.target = maxInt64(floor, st.target-int64(float64(limit)*stepPct))
			st.lastAdjusted = now
			st.idlePolls = 0
			b.apply(id, st.target, "shrink")
		}
	default:
		st.idlePolls = 0
	}
	return nil
}

// apply writes the new balloon target to memory.high when privileged;
// otherwise it only records the decision. Callers hold b.mu.
func (b *BalloonManager) apply(id types.ContainerId, target int64, direction string) {
	metrics.BalloonAdjustmentsTotal.WithLabelValues(direction).Inc()
	if !b.privileged {
		return
	}
	path := filepath.Join(b.cgroupRoot(id), "memory.high")
	if err := os.WriteFile(path, []byte(strconv.FormatInt(target, 10)), 0644); err != nil {
		b.logger.Warn().Err(err).Str("container_id", id.String()).Msg("balloon write failed, degrading to report-only")
	}
}

func readCgroupStats(path string) (cgroupStats, bool) {
	current, ok := readInt64File(filepath.Join(path, "memory.current"))
	if !ok {
		return cgroupStats{}, false
	}
	kv := readKeyValueFile(filepath.Join(path, "memory.stat"))
	swap, _ := readInt64File(filepath.Join(path, "memory.swap.current"))

	return cgroupStats{
		Current:         current,
		Anon:            kv["anon"],
		ActiveFile:      kv["active_file"],
		SlabReclaimable: kv["slab_reclaimable"],
		Swap:            swap,
	}, true
}

func readInt64File(path string) (int64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func readKeyValueFile(path string) map[string]int64 {
	out := make(map[string]int64)
	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = n
	}
	return out
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
