// Package checkpoint tracks CRIU checkpoint images by the fingerprint of
// the ContainerSpec they were taken from, and sweeps expired ones.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// DefaultTTL is how long a checkpoint is served before the sweeper reclaims
// it.
const DefaultTTL = 24 * time.Hour

// Store persists CheckpointRecords; satisfied by *daemon.Store.
type Store interface {
	SaveCheckpoint(*types.CheckpointRecord) error
	DeleteCheckpoint(id string) error
	ListCheckpoints() ([]*types.CheckpointRecord, error)
}

// Manager holds the fingerprint -> CheckpointRecord index, serialises
// checkpoint creation per fingerprint, and sweeps TTL-expired records.
type Manager struct {
	root    string
	store   Store
	backend runtime.Backend
	logger  zerolog.Logger

	mu      sync.RWMutex
	byFP    map[string]types.CheckpointRecord
	locks   map[string]*sync.Mutex

	stopCh chan struct{}
}

// NewManager loads any persisted records from store and returns a Manager
// rooted at root (checkpoint image directories live under root/<fp>-<ts>/).
func NewManager(root string, store Store, backend runtime.Backend) (*Manager, error) {
	m := &Manager{
		root:    root,
		store:   store,
		backend: backend,
		logger:  log.WithComponent("checkpoint"),
		byFP:    make(map[string]types.CheckpointRecord),
		locks:   make(map[string]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}

	records, err := store.ListCheckpoints()
	if err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "load persisted checkpoints")
	}
	for _, r := range records {
		if existing, ok := m.byFP[r.Fingerprint]; !ok || r.CreatedAt.After(existing.CreatedAt) {
			m.byFP[r.Fingerprint] = *r
		}
	}
	return m, nil
}

func (m *Manager) lockFor(fingerprint string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		m.locks[fingerprint] = l
	}
	return l
}

// Checkpoint asks the runtime backend to dump id's state to
// <root>/<fingerprint>-<unixnano>/ and records the resulting metadata,
// superseding any older record for the same fingerprint. Calls for the
// same fingerprint are serialised; readers such as Lookup take only the
// map's read lock.
func (m *Manager) Checkpoint(ctx context.Context, id types.ContainerId, fingerprint, kernelVersion string, ttl time.Duration, now time.Time) (types.CheckpointRecord, error) {
	lock := m.lockFor(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	dir := filepath.Join(m.root, fmt.Sprintf("%s-%d", fingerprint, now.UnixNano()))
	imagePath := filepath.Join(dir, "checkpoint.img")

	timer := metrics.NewTimer()
	err := m.backend.Checkpoint(ctx, id, runtime.CheckpointOptions{ImagePath: imagePath})
	timer.ObserveDuration(metrics.CheckpointDuration)
	if err != nil {
		return types.CheckpointRecord{}, hberrors.Wrap(hberrors.CheckpointFailed, err, "runtime checkpoint")
	}

	record := types.CheckpointRecord{
		ID:            fmt.Sprintf("%s-%d", fingerprint, now.UnixNano()),
		Fingerprint:   fingerprint,
		Path:          imagePath,
		CreatedAt:     now,
		TTL:           ttl,
		KernelVersion: kernelVersion,
	}

	if err := m.store.SaveCheckpoint(&record); err != nil {
		return types.CheckpointRecord{}, hberrors.Wrap(hberrors.Internal, err, "persist checkpoint record")
	}

	m.mu.Lock()
	if old, ok := m.byFP[fingerprint]; ok {
		go m.evict(old)
	}
	m.byFP[fingerprint] = record
	m.mu.Unlock()

	metrics.CheckpointsCreatedTotal.Inc()
	return record, nil
}

// Lookup returns the live, unexpired checkpoint for fingerprint, if any.
func (m *Manager) Lookup(fingerprint string, now time.Time) (types.CheckpointRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byFP[fingerprint]
	if !ok || r.Expired(now) {
		return types.CheckpointRecord{}, false
	}
	return r, true
}

// Invalidate drops fingerprint's current record, e.g. after a failed
// restore, so the lifecycle coordinator falls back to cold start and
// doesn't try the same broken checkpoint again.
func (m *Manager) Invalidate(fingerprint string) {
	m.mu.Lock()
	r, ok := m.byFP[fingerprint]
	delete(m.byFP, fingerprint)
	m.mu.Unlock()
	if ok {
		go m.evict(r)
	}
}

func (m *Manager) evict(r types.CheckpointRecord) {
	if err := os.RemoveAll(filepath.Dir(r.Path)); err != nil {
		m.logger.Warn().Err(err).Str("checkpoint_id", r.ID).Msg("failed to remove superseded checkpoint directory")
	}
	if err := m.store.DeleteCheckpoint(r.ID); err != nil {
		m.logger.Warn().Err(err).Str("checkpoint_id", r.ID).Msg("failed to delete superseded checkpoint record")
	}
}

// StartSweeper runs a background loop that reclaims expired checkpoints
// every interval until Stop is called.
func (m *Manager) StartSweeper(interval time.Duration) {
	go m.sweepLoop(interval)
}

func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// sweep removes every record whose TTL has elapsed, each exactly once.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []types.CheckpointRecord
	for fp, r := range m.byFP {
		if r.Expired(now) {
			expired = append(expired, r)
			delete(m.byFP, fp)
		}
	}
	m.mu.Unlock()

	for _, r := range expired {
		if err := os.RemoveAll(filepath.Dir(r.Path)); err != nil {
			m.logger.Warn().Err(err).Str("checkpoint_id", r.ID).Msg("sweep failed to remove checkpoint directory")
			continue
		}
		if err := m.store.DeleteCheckpoint(r.ID); err != nil {
			m.logger.Warn().Err(err).Str("checkpoint_id", r.ID).Msg("sweep failed to delete checkpoint record")
			continue
		}
		metrics.CheckpointsExpiredTotal.Inc()
	}
}
