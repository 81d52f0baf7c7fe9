// Package daemon assembles every other daemon-core package into one running
// process: the container/image/project registries, the event broadcaster,
// metrics aggregation, and the startup/shutdown sequencing that wires
// pkg/lifecycle, pkg/checkpoint, pkg/prewarm and pkg/memory together. It is
// the direct generalization of cuemby-warren's pkg/manager.Manager struct
// composition and pkg/events.Broker to this daemon's own component set.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/hyperboxd/pkg/checkpoint"
	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/isolation"
	"github.com/hyperbox/hyperboxd/pkg/lifecycle"
	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/memory"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/network"
	"github.com/hyperbox/hyperboxd/pkg/predictor"
	"github.com/hyperbox/hyperboxd/pkg/prewarm"
	"github.com/hyperbox/hyperboxd/pkg/registry"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// Config holds every tunable needed to assemble a Daemon. Fields left at
// their zero value take the default each underlying component defines.
type Config struct {
	DataDir           string
	ContainerdSocket  string
	CgroupSlice       string
	NetworkCIDR       string
	HostNetwork       bool
	Privileged        bool
	MaxPrewarmed      int
	PredictorRingSize int
	MemoryWarningPct  float64
	MemoryCriticalPct float64
	StopTimeout       time.Duration
	CheckpointTTL     time.Duration
	PrewarmTTL        time.Duration
	PrewarmLookahead  time.Duration
	PrewarmThreshold  float64
}

// Daemon holds the container/image/project maps, the wired lifecycle
// coordinator and its satellite components (checkpoint manager, pre-warm
// pool, predictor, memory controller), the event broadcaster and metrics
// aggregation, and owns the sequencing that brings all of it up and down.
type Daemon struct {
	cfg Config

	store      *Store
	layout     storage.Layout
	blobs      *storage.BlobStore
	regClient  *registry.Client
	backends   *runtime.Registry
	backend    runtime.Backend
	cgroups    *isolation.CgroupManager
	namespaces *isolation.NamespaceManager
	ports      *network.PortAllocator
	ipam       *network.IPAM
	forwarder  *network.PortForwarder

	checkpoints *checkpoint.Manager
	predictor   *predictor.Predictor
	pool        *prewarm.Pool
	cleaner     *prewarm.Cleaner
	memCtl      *memory.Controller
	coord       *lifecycle.Coordinator

	broker    *Broker
	collector *metrics.Collector

	logger    zerolog.Logger
	startedAt time.Time

	mu          sync.RWMutex
	containers  map[types.ContainerId]*types.ContainerState
	images      map[string]*types.ImageRecord
	projects    map[string]*types.Project
	fingerprint map[string]string // fingerprint -> image, every spec ever launched
}

// Version is reported on /health and in the cobra version subcommand.
const Version = "0.1.0"

// checkpointSweepInterval is how often the checkpoint manager scans for
// TTL-expired records; distinct from Config.CheckpointTTL, which is how
// long any one checkpoint is kept before it becomes eligible for reclaim.
const checkpointSweepInterval = 10 * time.Minute

// dataSubdirs is the directory tree New creates under DataDir, matching
// the on-disk layout this daemon persists across restarts.
var dataSubdirs = []string{
	"images", "checkpoints", "prewarm", "models", "projects",
}

// New builds every daemon-core component and wires them into a Coordinator,
// but does not yet start any background loop; call Start for that.
func New(cfg Config) (*Daemon, error) {
	if cfg.DataDir == "" {
		return nil, hberrors.New(hberrors.InvalidSpec, "data dir is required")
	}
	if cfg.CgroupSlice == "" {
		cfg.CgroupSlice = "hyperbox.slice"
	}
	if cfg.NetworkCIDR == "" {
		cfg.NetworkCIDR = "10.88.0.0/16"
	}
	if cfg.PredictorRingSize <= 0 {
		cfg.PredictorRingSize = 256
	}

	for _, sub := range dataSubdirs {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0755); err != nil {
			return nil, hberrors.Wrap(hberrors.Io, err, fmt.Sprintf("create %s dir", sub))
		}
	}

	store, err := OpenStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	layout := storage.NewLayout(filepath.Join(cfg.DataDir, "images"))
	blobs, err := storage.NewBlobStore(filepath.Join(cfg.DataDir, "images"))
	if err != nil {
		return nil, err
	}
	regClient := registry.NewClient(blobs)

	containerdBackend, err := runtime.NewContainerdBackend(cfg.ContainerdSocket)
	if err != nil {
		return nil, err
	}
	backends := runtime.NewRegistry()
	backends.Register(containerdBackend)
	backend, err := backends.Default()
	if err != nil {
		return nil, err
	}

	cgroups, err := isolation.NewCgroupManager(cfg.CgroupSlice)
	if err != nil {
		return nil, err
	}
	namespaces := isolation.NewNamespaceManager()

	ports := network.NewPortAllocator()
	var ipam *network.IPAM
	if !cfg.HostNetwork {
		if err := network.EnsureBridge(); err != nil {
			return nil, err
		}
		ipam, err = network.NewIPAM(cfg.NetworkCIDR)
		if err != nil {
			return nil, err
		}
	}
	forwarder := network.NewPortForwarder()

	checkpoints, err := checkpoint.NewManager(filepath.Join(cfg.DataDir, "checkpoints"), store, backend)
	if err != nil {
		return nil, err
	}

	pred := predictor.New(cfg.PredictorRingSize)
	if err := pred.LoadFrom(store); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("predictor state load failed, starting cold")
	}

	memCtl := memory.NewController(cfg.Privileged, cfg.MemoryWarningPct, cfg.MemoryCriticalPct)

	d := &Daemon{
		cfg:         cfg,
		store:       store,
		layout:      layout,
		blobs:       blobs,
		regClient:   regClient,
		backends:    backends,
		backend:     backend,
		cgroups:     cgroups,
		namespaces:  namespaces,
		ports:       ports,
		ipam:        ipam,
		forwarder:   forwarder,
		checkpoints: checkpoints,
		predictor:   pred,
		memCtl:      memCtl,
		broker:      NewBroker(),
		logger:      log.WithComponent("daemon"),
		containers:  make(map[types.ContainerId]*types.ContainerState),
		images:      make(map[string]*types.ImageRecord),
		projects:    make(map[string]*types.Project),
		fingerprint: make(map[string]string),
	}

	// The pool's Creator/Destroyer are the Coordinator's own coldStart/Remove
	// methods, so the Coordinator must exist before the Pool can be built;
	// SetPrewarmPool closes that loop after the fact rather than requiring
	// a second Coordinator just to obtain method values.
	d.coord = lifecycle.New(lifecycle.Config{
		Store:       store,
		Backend:     backend,
		Registry:    regClient,
		Layout:      layout,
		Blobs:       blobs,
		Cgroups:     cgroups,
		Namespaces:  namespaces,
		Ports:       ports,
		IPAM:        ipam,
		Forwarder:   forwarder,
		Checkpoints: checkpoints,
		Predictor:   pred,
		Events:      d.publish,
		HostNetwork: cfg.HostNetwork,
		StopTimeout: cfg.StopTimeout,
	})
	d.pool = d.coord.NewPrewarmPool(cfg.MaxPrewarmed)
	d.coord.SetPrewarmPool(d.pool)

	d.cleaner = prewarm.NewCleaner(d.pool, pred, d.fingerprintImages, cfg.PrewarmTTL, cfg.PrewarmLookahead, cfg.PrewarmThreshold)
	d.collector = metrics.NewCollector(d)

	if err := d.loadState(); err != nil {
		return nil, err
	}

	return d, nil
}

// loadState repopulates the in-memory container/image/project caches from
// the persisted store after a restart. PIDs and namespace handles in any
// container left Running are stale (the process that owned them is gone
// unless this really is the same daemon resuming); they are marked Dead so
// an operator can reconcile explicitly rather than the daemon silently
// assuming a container survived its own restart.
func (d *Daemon) loadState() error {
	containers, err := d.store.ListContainers()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, st := range containers {
		if st.Lifecycle == types.Running || st.Lifecycle == types.Paused {
			st.Lifecycle = types.Dead
			_ = d.store.SaveContainer(st)
		}
		d.containers[st.Id] = st
		if fp, ferr := st.Spec.Fingerprint(); ferr == nil {
			d.fingerprint[fp] = st.Spec.Image
		}
	}
	d.mu.Unlock()

	images, err := d.store.ListImages()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, img := range images {
		d.images[img.Digest] = img
	}
	d.mu.Unlock()

	projects, err := d.store.ListProjects()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, p := range projects {
		d.projects[p.ID] = p
	}
	d.mu.Unlock()

	return nil
}

// fingerprintImages snapshots the fingerprint->image map the pre-warm
// cleaner consults for top-up candidates.
func (d *Daemon) fingerprintImages() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.fingerprint))
	for fp, image := range d.fingerprint {
		out[fp] = image
	}
	return out
}

// publish is the lifecycle coordinator's EventFunc: it keeps the in-memory
// container cache in sync with whatever the coordinator just persisted,
// then forwards the event to every broker subscriber.
func (d *Daemon) publish(ev types.Event) {
	if st, err := d.store.GetContainer(ev.ContainerId); err == nil && st != nil {
		d.mu.Lock()
		d.containers[ev.ContainerId] = st
		d.mu.Unlock()
	} else if ev.Kind == types.EventContainerRemoved {
		d.mu.Lock()
		delete(d.containers, ev.ContainerId)
		d.mu.Unlock()
	}
	d.broker.Publish(ev)
}

// Start begins every background loop: the checkpoint sweeper, the
// pre-warm cleaner, the memory controller's PSI poll, and the metrics
// collector. It registers component health so /ready reports accurately.
func (d *Daemon) Start(ctx context.Context) {
	d.startedAt = time.Now()
	d.checkpoints.StartSweeper(checkpointSweepInterval)
	d.cleaner.Start(0)
	d.memCtl.Start()
	d.collector.Start()
	d.broker.Start()

	metrics.RegisterComponent("containerd", d.backend.Available(ctx), "")
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("network", true, "")
	metrics.SetVersion(Version)
}

// Shutdown persists predictor rings and tears every background loop down
// in reverse dependency order, then gracefully stops every still-running
// container before closing the store. Sub-step failures are logged, not
// returned, since shutdown must make forward progress regardless.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.cleaner.Stop()
	d.memCtl.Stop()
	d.collector.Stop()
	d.checkpoints.Stop()

	if err := d.predictor.SaveTo(d.store); err != nil {
		d.logger.Warn().Err(err).Msg("predictor state save failed")
	}

	if err := d.pool.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("prewarm pool shutdown failed")
	}

	d.mu.RLock()
	running := make([]types.ContainerId, 0)
	for id, st := range d.containers {
		if st.Lifecycle == types.Running || st.Lifecycle == types.Paused {
			running = append(running, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range running {
		if err := d.coord.Stop(ctx, id); err != nil {
			d.logger.Warn().Err(err).Str("container_id", id.String()).Msg("graceful stop on shutdown failed")
		}
	}

	d.broker.Stop()

	if closer, ok := d.backend.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("runtime backend close failed")
		}
	}

	if err := d.store.Close(); err != nil {
		return hberrors.Wrap(hberrors.StorageOp, err, "close store")
	}
	return nil
}

// Subscribe returns a channel receiving every event published from this
// point forward. Callers must Unsubscribe when done.
func (d *Daemon) Subscribe() Subscriber { return d.broker.Subscribe() }

// Unsubscribe detaches sub from the broker.
func (d *Daemon) Unsubscribe(sub Subscriber) { d.broker.Unsubscribe(sub) }

// ContainersByLifecycle implements metrics.Snapshotter.
func (d *Daemon) ContainersByLifecycle() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int)
	for _, st := range d.containers {
		out[string(st.Lifecycle)]++
	}
	return out
}

// ImageCount implements metrics.Snapshotter.
func (d *Daemon) ImageCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.images)
}

// PrewarmPoolSizes implements metrics.Snapshotter. The pool already sets
// its own per-fingerprint gauge directly on every claim/release/create
// (see prewarm.Pool.reportSizeLocked), so there is nothing left for the
// periodic collector to contribute here without racing that more
// up-to-date direct write.
func (d *Daemon) PrewarmPoolSizes() map[string]int { return nil }
