package lifecycle

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperbox/hyperboxd/pkg/checkpoint"
	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/isolation"
	"github.com/hyperbox/hyperboxd/pkg/log"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/network"
	"github.com/hyperbox/hyperboxd/pkg/predictor"
	"github.com/hyperbox/hyperboxd/pkg/prewarm"
	"github.com/hyperbox/hyperboxd/pkg/registry"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/storage"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// DefaultStopTimeout is how long Stop waits for graceful exit before the
// runtime backend escalates to SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Store persists ContainerState, ImageRecord and LayerInfo records;
// satisfied by *daemon.Store.
type Store interface {
	SaveContainer(*types.ContainerState) error
	GetContainer(types.ContainerId) (*types.ContainerState, error)
	DeleteContainer(types.ContainerId) error

	SaveImage(*types.ImageRecord) error
	GetImage(digest string) (*types.ImageRecord, error)

	SaveLayer(*types.LayerInfo) error
	GetLayer(digest string) (*types.LayerInfo, error)
	DeleteLayer(digest string) error
}

// EventFunc publishes one occurrence on the daemon's broadcast channel.
// Implementations must not block; a full subscriber buffer drops.
type EventFunc func(types.Event)

// Config wires a Coordinator to the rest of the daemon core.
type Config struct {
	Store       Store
	Backend     runtime.Backend
	Registry    *registry.Client
	Layout      storage.Layout
	Blobs       *storage.BlobStore
	Cgroups     *isolation.CgroupManager
	Namespaces  *isolation.NamespaceManager
	Ports       *network.PortAllocator
	IPAM        *network.IPAM
	Forwarder   *network.PortForwarder
	Checkpoints *checkpoint.Manager
	Predictor   *predictor.Predictor
	Prewarm     *prewarm.Pool
	Events      EventFunc
	HostNetwork bool
	StopTimeout time.Duration
}

// Coordinator drives a single container through resolve-image, allocate,
// stage-rootfs, create, start and, later, stop/checkpoint/remove. It is
// the one component that reaches into every other daemon-core package, so
// none of those packages needs to know about any other.
type Coordinator struct {
	store       Store
	backend     runtime.Backend
	reg         *registry.Client
	layout      storage.Layout
	blobs       *storage.BlobStore
	cgroups     *isolation.CgroupManager
	namespaces  *isolation.NamespaceManager
	ports       *network.PortAllocator
	ipam        *network.IPAM
	forwarder   *network.PortForwarder
	checkpoints *checkpoint.Manager
	pred        *predictor.Predictor
	pool        *prewarm.Pool
	publish     EventFunc
	hostNetwork bool
	stopTimeout time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	locks map[types.ContainerId]*sync.Mutex

	cfsMu     sync.Mutex
	cfsMounts map[string]*cfsMount
}

// cfsMount tracks a refcounted, lazily built composefs mount standing in
// for one layer's plain diff directory in an overlay lowerdir stack.
type cfsMount struct {
	mountpoint string
	refcount   int
}

// New returns a Coordinator ready to drive containers. cfg.Events may be
// nil, in which case events are dropped.
func New(cfg Config) *Coordinator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Events == nil {
		cfg.Events = func(types.Event) {}
	}
	return &Coordinator{
		store:       cfg.Store,
		backend:     cfg.Backend,
		reg:         cfg.Registry,
		layout:      cfg.Layout,
		blobs:       cfg.Blobs,
		cgroups:     cfg.Cgroups,
		namespaces:  cfg.Namespaces,
		ports:       cfg.Ports,
		ipam:        cfg.IPAM,
		forwarder:   cfg.Forwarder,
		checkpoints: cfg.Checkpoints,
		pred:        cfg.Predictor,
		pool:        cfg.Prewarm,
		publish:     cfg.Events,
		hostNetwork: cfg.HostNetwork,
		stopTimeout: cfg.StopTimeout,
		logger:      log.WithComponent("lifecycle"),
		locks:       make(map[types.ContainerId]*sync.Mutex),
		cfsMounts:   make(map[string]*cfsMount),
	}
}

// SetPrewarmPool attaches a pool built from this Coordinator's own
// NewPrewarmPool after construction, breaking the otherwise-circular
// dependency between a Coordinator and the Pool whose Creator/Destroyer
// are its own methods.
func (c *Coordinator) SetPrewarmPool(pool *prewarm.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = pool
}

func (c *Coordinator) lockFor(id types.ContainerId) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Coordinator) emit(id types.ContainerId, kind types.EventKind, detail map[string]any) {
	c.publish(types.Event{ContainerId: id, Kind: kind, At: time.Now(), Detail: detail})
}

// Start brings up id, trying in order: a pre-warm pool claim, a checkpoint
// restore, and finally a cold start. projectID scopes port allocation.
func (c *Coordinator) Start(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, projectID string) (*types.ContainerState, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	fingerprint, err := spec.Fingerprint()
	if err != nil {
		return nil, hberrors.Wrap(hberrors.InvalidSpec, err, "fingerprint spec")
	}

	if c.pool != nil {
		if inst, ok := c.pool.Claim(fingerprint); ok {
			return c.adoptPrewarmed(ctx, id, spec, projectID, inst)
		}
	}

	if c.checkpoints != nil {
		if record, ok := c.checkpoints.Lookup(fingerprint, time.Now()); ok {
			st, err := c.warmStart(ctx, id, spec, projectID, record)
			if err == nil {
				return st, nil
			}
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("checkpoint restore failed, falling back to cold start")
		}
	}

	return c.coldStart(ctx, id, spec, projectID)
}

// resolveImage ensures the image is present in both the runtime backend's
// own store (required for CreateContainer) and the daemon's content
// addressed layer cache (required for the manually staged rootfs), and
// returns the layer digests bottom-up.
func (c *Coordinator) resolveImage(ctx context.Context, imageRef string) (types.ImageRecord, []types.LayerInfo, error) {
	ref, err := types.ParseImageRef(imageRef)
	if err != nil {
		return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.InvalidSpec, err, "parse image ref")
	}

	if existing, err := c.store.GetImage(ref.Digest); err == nil && existing != nil {
		layers := make([]types.LayerInfo, 0, len(existing.Layers))
		for _, d := range existing.Layers {
			if l, err := c.store.GetLayer(d); err == nil && l != nil {
				layers = append(layers, *l)
			}
		}
		if len(layers) == len(existing.Layers) {
			if err := c.backend.PullImage(ctx, imageRef); err != nil {
				return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "pull image into runtime store")
			}
			return *existing, layers, nil
		}
	}

	if err := c.backend.PullImage(ctx, imageRef); err != nil {
		return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "pull image into runtime store")
	}

	record, layers, err := registry.EnsureImage(ctx, c.reg, c.layout, c.blobs, ref)
	if err != nil {
		return types.ImageRecord{}, nil, err
	}

	if err := c.store.SaveImage(&record); err != nil {
		return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.Internal, err, "persist image record")
	}
	for i := range layers {
		if err := c.store.SaveLayer(&layers[i]); err != nil {
			return types.ImageRecord{}, nil, hberrors.Wrap(hberrors.Internal, err, "persist layer info")
		}
	}
	return record, layers, nil
}

// reserveResources allocates every daemon-core resource a container needs
// before the runtime backend ever sees it: ports, cgroup, network
// namespace, address, port forwarding and a staged rootfs. Every step
// pushes its own undo onto rollbacks; the caller runs them in reverse
// order on any later failure.
func (c *Coordinator) reserveResources(id types.ContainerId, spec types.ContainerSpec, projectID string, layers []types.LayerInfo, rollbacks *[]func()) (*types.ContainerState, error) {
	state := &types.ContainerState{
		Id:        id,
		Spec:      spec,
		Lifecycle: types.Creating,
		CreatedAt: time.Now(),
		ProjectID: projectID,
	}

	ports := make([]types.PortMapping, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		hostPort, err := c.ports.Allocate(projectID, p.HostPort, p.Protocol)
		if err != nil {
			return nil, hberrors.Wrap(hberrors.PortAllocFail, err, "allocate port")
		}
		bound := p
		bound.HostPort = hostPort
		ports = append(ports, bound)
		*rollbacks = append(*rollbacks, func() { c.ports.Release(bound.HostPort) })
	}
	state.AllocatedPorts = ports

	if err := c.cgroups.Create(id, spec.Resources); err != nil {
		return nil, err
	}
	state.CgroupPath = c.cgroups.Path(id)
	*rollbacks = append(*rollbacks, func() {
		if err := c.cgroups.Remove(id); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("rollback: cgroup removal failed")
		}
	})

	nsSet, err := c.namespaces.Create(id, false, c.hostNetwork)
	if err != nil {
		return nil, err
	}
	state.NetnsPath = nsSet.NetnsPath
	state.VethHostName = nsSet.Veth.HostName
	*rollbacks = append(*rollbacks, func() {
		if err := c.namespaces.Destroy(id, nsSet); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("rollback: namespace teardown failed")
		}
	})

	if !c.hostNetwork && nsSet.NetnsPath != "" {
		addr, err := c.ipam.Allocate()
		if err != nil {
			return nil, hberrors.Wrap(hberrors.NetworkOp, err, "allocate container address")
		}
		*rollbacks = append(*rollbacks, func() { c.ipam.Release(ipOnly(addr)) })

		if err := network.AssignAddress(nsSet.NetnsPath, "eth0", addr); err != nil {
			return nil, hberrors.Wrap(hberrors.NetworkOp, err, "assign container address")
		}
		state.AssignedIP = ipOnly(addr)

		if len(ports) > 0 {
			if err := c.forwarder.Forward(id, state.AssignedIP, ports); err != nil {
				return nil, hberrors.Wrap(hberrors.NetworkOp, err, "install port forwarding")
			}
			*rollbacks = append(*rollbacks, func() { c.forwarder.Unforward(id, state.AssignedIP) })
		}
	}

	rootfs, rollback, err := c.stageRootfs(id, layers)
	if err != nil {
		return nil, err
	}
	state.RootfsPath = rootfs
	*rollbacks = append(*rollbacks, rollback)

	return state, nil
}

// coldStart pulls the image, reserves every resource the container needs
// and drives the runtime backend through create and start. Any failure
// unwinds whatever was already reserved, in reverse order.
func (c *Coordinator) coldStart(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, projectID string) (st *types.ContainerState, err error) {
	timer := metrics.NewTimer()
	var rollbacks []func()
	ok := false
	defer func() {
		if !ok {
			for i := len(rollbacks) - 1; i >= 0; i-- {
				rollbacks[i]()
			}
		}
	}()

	image, layers, err := c.resolveImage(ctx, spec.Image)
	if err != nil {
		return nil, err
	}

	state, err := c.reserveResources(id, spec, projectID, layers, &rollbacks)
	if err != nil {
		return nil, err
	}
	state.LayerDigests = image.Layers

	if err := c.backend.CreateContainer(ctx, id, spec, state.RootfsPath); err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "create container")
	}
	rollbacks = append(rollbacks, func() {
		if rerr := c.backend.RemoveContainer(context.Background(), id); rerr != nil {
			c.logger.Warn().Err(rerr).Str("container_id", id.String()).Msg("rollback: container removal failed")
		}
	})

	pid, err := c.backend.StartContainer(ctx, id)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "start container")
	}
	state.PID = pid
	state.StartedAt = time.Now()
	state.Lifecycle = types.Running

	if err := c.cgroups.AddPID(id, pid); err != nil {
		return nil, err
	}

	c.incrementRefcounts(image.Layers)

	if err := c.store.SaveContainer(state); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist container state")
	}

	ok = true
	timer.ObserveDuration(metrics.ColdStartDuration)
	metrics.ColdStartsTotal.Inc()
	if c.pred != nil {
		c.pred.Record(types.UsageEvent{Image: spec.Image, Timestamp: state.StartedAt, GroupKey: projectID})
	}
	c.emit(id, types.EventContainerStarted, map[string]any{"path": "cold", "pid": pid})
	return state, nil
}

func ipOnly(cidr string) string {
	for i, r := range cidr {
		if r == '/' {
			return cidr[:i]
		}
	}
	return cidr
}

// incrementRefcounts bumps the persisted Refcount for every layer digest a
// newly started container now references.
func (c *Coordinator) incrementRefcounts(digests []string) {
	for _, d := range digests {
		l, err := c.store.GetLayer(d)
		if err != nil || l == nil {
			continue
		}
		l.Refcount++
		if err := c.store.SaveLayer(l); err != nil {
			c.logger.Warn().Err(err).Str("digest", d).Msg("failed to persist incremented layer refcount")
		}
	}
}

// decrementRefcounts drops the persisted Refcount for every digest a
// removed container referenced, opportunistically reclaiming any layer
// whose refcount has dropped to zero.
func (c *Coordinator) decrementRefcounts(digests []string) {
	var toReclaim []string
	for _, d := range digests {
		l, err := c.store.GetLayer(d)
		if err != nil || l == nil {
			continue
		}
		if l.Refcount > 0 {
			l.Refcount--
		}
		if l.Refcount == 0 {
			toReclaim = append(toReclaim, d)
			if err := c.store.DeleteLayer(d); err != nil {
				c.logger.Warn().Err(err).Str("digest", d).Msg("failed to delete unreferenced layer record")
			}
			continue
		}
		if err := c.store.SaveLayer(l); err != nil {
			c.logger.Warn().Err(err).Str("digest", d).Msg("failed to persist decremented layer refcount")
		}
	}
	c.maybeGC(toReclaim)
}

// maybeGC reclaims the on-disk diff and blob content for layers whose
// refcount has just reached zero. Best-effort: failures are logged, never
// surfaced, since the container has already been torn down by this point.
func (c *Coordinator) maybeGC(unreferenced []string) {
	if len(unreferenced) == 0 {
		return
	}
	if err := storage.Reclaim(c.layout, unreferenced); err != nil {
		c.logger.Warn().Err(err).Msg("layer reclamation failed")
	}
}

// Stop asks the runtime backend to stop id, which already drives the
// SIGTERM/timeout/SIGKILL escalation itself, then transitions state.
// Stop does not remove any resources; call Remove for that.
func (c *Coordinator) Stop(ctx context.Context, id types.ContainerId) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := c.store.GetContainer(id)
	if err != nil {
		return err
	}
	if st.Lifecycle != types.Running && st.Lifecycle != types.Paused {
		return nil
	}

	st.Lifecycle = types.Stopping
	_ = c.store.SaveContainer(st)

	timer := metrics.NewTimer()
	err = c.backend.StopContainer(ctx, id, c.stopTimeout)
	timer.ObserveDuration(metrics.ContainerStopDuration)
	if err != nil {
		return hberrors.Wrap(hberrors.RuntimeExecFailed, err, "stop container")
	}

	st.Lifecycle = types.Stopped
	if err := c.store.SaveContainer(st); err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "persist stopped state")
	}
	c.emit(id, types.EventContainerStopped, map[string]any{"exit_code": st.LastExitCode})
	return nil
}

// Remove tears down every daemon-core resource a container held: the
// runtime's own container+snapshot, the overlay/composefs rootfs, ports,
// the assigned address, the network namespace and veth, the cgroup, and
// the layer refcounts it took out. force removes a still-running
// container by killing it first.
func (c *Coordinator) Remove(ctx context.Context, id types.ContainerId, force bool) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	st, err := c.store.GetContainer(id)
	if err != nil {
		return err
	}

	if st.Lifecycle == types.Running || st.Lifecycle == types.Paused {
		if !force {
			return hberrors.New(hberrors.InvalidSpec, "container is running; stop it first or remove with force")
		}
		if kerr := c.backend.KillContainer(ctx, id, int(syscall.SIGKILL)); kerr != nil {
			c.logger.Warn().Err(kerr).Str("container_id", id.String()).Msg("force-kill before removal failed")
		}
	}

	st.Lifecycle = types.Removing
	_ = c.store.SaveContainer(st)

	if err := c.backend.RemoveContainer(ctx, id); err != nil {
		c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("runtime container removal failed, continuing teardown")
	}

	if st.RootfsPath != "" {
		if err := storage.OverlayUnmount(st.RootfsPath); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("overlay unmount failed")
		}
		c.releaseComposefsLayers(st.LayerDigests)
		if err := storage.ReclaimContainer(c.layout, id.String()); err != nil {
			c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("reclaim container scratch dirs failed")
		}
	}

	for _, p := range st.AllocatedPorts {
		c.ports.Release(p.HostPort)
	}
	if st.AssignedIP != "" {
		if len(st.AllocatedPorts) > 0 {
			c.forwarder.Unforward(id, st.AssignedIP)
		}
		c.ipam.Release(st.AssignedIP)
	}

	nsSet := isolation.NamespaceSet{NetnsPath: st.NetnsPath, Veth: network.VethPair{HostName: st.VethHostName}}
	if err := c.namespaces.Destroy(id, nsSet); err != nil {
		c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("namespace teardown failed")
	}

	if err := c.cgroups.Remove(id); err != nil {
		c.logger.Warn().Err(err).Str("container_id", id.String()).Msg("cgroup removal failed")
	}

	c.decrementRefcounts(st.LayerDigests)

	if err := c.store.DeleteContainer(id); err != nil {
		return hberrors.Wrap(hberrors.Internal, err, "delete persisted container state")
	}

	c.mu.Lock()
	delete(c.locks, id)
	c.mu.Unlock()

	c.emit(id, types.EventContainerRemoved, nil)
	return nil
}
