package daemon

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/uuid"

	"github.com/hyperbox/hyperboxd/pkg/api"
	"github.com/hyperbox/hyperboxd/pkg/checkpoint"
	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/registry"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// Containers, Images, Projects and MetricsAPI below hand out the boundary
// interfaces pkg/api defines. They are thin adapters over the *Daemon
// itself: ContainerService and ProjectService both need a method named
// Start, Stop and so on with different signatures, which only one
// Go type implementing both interfaces at once could never satisfy, so
// each interface gets its own small wrapper type instead.

type containerService struct{ d *Daemon }
type imageService struct{ d *Daemon }
type projectService struct{ d *Daemon }
type metricsService struct{ d *Daemon }

var (
	_ api.ContainerService = containerService{}
	_ api.ImageService     = imageService{}
	_ api.ProjectService   = projectService{}
	_ api.MetricsService   = metricsService{}
)

// Containers returns the boundary surface for container lifecycle
// operations.
func (d *Daemon) Containers() api.ContainerService { return containerService{d} }

// Images returns the boundary surface for local image cache operations.
func (d *Daemon) Images() api.ImageService { return imageService{d} }

// Projects returns the boundary surface for project grouping operations.
func (d *Daemon) Projects() api.ProjectService { return projectService{d} }

// MetricsAPI returns the boundary surface for point-in-time metrics reads.
func (d *Daemon) MetricsAPI() api.MetricsService { return metricsService{d} }

func (s containerService) List(ctx context.Context, projectID string, all bool) ([]types.ContainerState, error) {
	d := s.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ContainerState, 0, len(d.containers))
	for _, st := range d.containers {
		if projectID != "" && st.ProjectID != projectID {
			continue
		}
		if !all && (st.Lifecycle == types.Exited || st.Lifecycle == types.Dead) {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

func (s containerService) Get(ctx context.Context, id types.ContainerId) (*types.ContainerState, error) {
	d := s.d
	d.mu.RLock()
	st, ok := d.containers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, hberrors.New(hberrors.NotFound, fmt.Sprintf("container %s not found", id))
	}
	cp := *st
	return &cp, nil
}

// Create registers spec under a freshly minted id without starting it; call
// Start to actually run it, matching spec.md's Created lifecycle state.
func (s containerService) Create(ctx context.Context, spec types.ContainerSpec, projectID string) (*types.ContainerState, error) {
	d := s.d
	id := types.NewContainerId()
	st := &types.ContainerState{
		Id:        id,
		Spec:      spec,
		Lifecycle: types.Created,
		CreatedAt: time.Now(),
		ProjectID: projectID,
	}
	if err := d.store.SaveContainer(st); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist created container")
	}

	d.mu.Lock()
	d.containers[id] = st
	if fp, ferr := spec.Fingerprint(); ferr == nil {
		d.fingerprint[fp] = spec.Image
	}
	d.mu.Unlock()

	if projectID != "" {
		d.mu.Lock()
		if p, ok := d.projects[projectID]; ok {
			p.Containers = append(p.Containers, id)
			_ = d.store.SaveProject(p)
		}
		d.mu.Unlock()
	}

	cp := *st
	return &cp, nil
}

// Start drives id through the coordinator's pre-warm-claim / checkpoint-
// restore / cold-start chain.
func (s containerService) Start(ctx context.Context, id types.ContainerId) (*types.ContainerState, error) {
	d := s.d
	d.mu.RLock()
	st, ok := d.containers[id]
	d.mu.RUnlock()
	if !ok {
		return nil, hberrors.New(hberrors.NotFound, fmt.Sprintf("container %s not found", id))
	}

	result, err := d.coord.Start(ctx, id, st.Spec, st.ProjectID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.containers[id] = result
	d.mu.Unlock()

	cp := *result
	return &cp, nil
}

func (s containerService) Stop(ctx context.Context, id types.ContainerId) error {
	return s.d.coord.Stop(ctx, id)
}

// Restart stops then starts id; the runtime backend itself exposes no
// combined primitive.
func (s containerService) Restart(ctx context.Context, id types.ContainerId) (*types.ContainerState, error) {
	if err := s.d.coord.Stop(ctx, id); err != nil {
		return nil, err
	}
	return s.Start(ctx, id)
}

func (s containerService) Remove(ctx context.Context, id types.ContainerId, force bool) error {
	d := s.d
	if err := d.coord.Remove(ctx, id, force); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.containers, id)
	d.mu.Unlock()
	return nil
}

// Checkpoint freezes id's process tree via CRIU and indexes the resulting
// image by the container's spec fingerprint.
func (s containerService) Checkpoint(ctx context.Context, id types.ContainerId) (types.CheckpointRecord, error) {
	d := s.d
	d.mu.RLock()
	st, ok := d.containers[id]
	d.mu.RUnlock()
	if !ok {
		return types.CheckpointRecord{}, hberrors.New(hberrors.NotFound, fmt.Sprintf("container %s not found", id))
	}

	fingerprint, err := st.Spec.Fingerprint()
	if err != nil {
		return types.CheckpointRecord{}, hberrors.Wrap(hberrors.InvalidSpec, err, "fingerprint spec")
	}

	ttl := d.cfg.CheckpointTTL
	if ttl <= 0 {
		ttl = checkpoint.DefaultTTL
	}

	record, err := d.checkpoints.Checkpoint(ctx, id, fingerprint, kernelVersion(), ttl, time.Now())
	if err != nil {
		return types.CheckpointRecord{}, err
	}

	d.mu.Lock()
	st.HasCheckpoint = true
	d.mu.Unlock()
	_ = d.store.SaveContainer(st)

	return record, nil
}

// Restore brings id back up from its checkpoint through the same Start
// path a fresh launch takes, so a checkpoint restore and a pre-warm claim
// both produce a normally-tracked running container.
func (s containerService) Restore(ctx context.Context, id types.ContainerId) (*types.ContainerState, error) {
	return s.Start(ctx, id)
}

// Logs streams id's output. opts.Follow/Tail/Timestamps are a front-end
// concern applied to the returned stream, not enforced by the runtime
// backend's own Logs call.
func (s containerService) Logs(ctx context.Context, id types.ContainerId, opts api.LogOptions) (io.ReadCloser, error) {
	return s.d.backend.Logs(ctx, id)
}

func (s containerService) Stats(ctx context.Context, id types.ContainerId) (runtime.Stats, error) {
	return s.d.backend.Stats(ctx, id)
}

func (s imageService) List(ctx context.Context) ([]types.ImageRecord, error) {
	d := s.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ImageRecord, 0, len(d.images))
	for _, img := range d.images {
		out = append(out, *img)
	}
	return out, nil
}

// Pull resolves req.Image against the registry, stages its layers in the
// content-addressed blob store, and makes it available to the runtime
// backend.
func (s imageService) Pull(ctx context.Context, req api.PullRequest) (*types.ImageRecord, error) {
	d := s.d
	ref, err := types.ParseImageRef(req.Image)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.InvalidSpec, err, "parse image ref")
	}

	if err := d.backend.PullImage(ctx, req.Image); err != nil {
		return nil, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "pull image into runtime store")
	}

	record, layers, err := registry.EnsureImage(ctx, d.regClient, d.layout, d.blobs, ref)
	if err != nil {
		return nil, err
	}
	if err := d.store.SaveImage(&record); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist image record")
	}
	for i := range layers {
		if err := d.store.SaveLayer(&layers[i]); err != nil {
			return nil, hberrors.Wrap(hberrors.Internal, err, "persist layer info")
		}
	}

	d.mu.Lock()
	d.images[record.Digest] = &record
	d.mu.Unlock()

	return &record, nil
}

// Delete removes an image from the local cache. It refuses to remove an
// image any tracked container still references.
func (s imageService) Delete(ctx context.Context, digest string) error {
	d := s.d
	d.mu.RLock()
	img := d.images[digest]
	for _, st := range d.containers {
		if img == nil || len(img.Layers) == 0 || len(st.LayerDigests) != len(img.Layers) {
			continue
		}
		same := true
		for i, l := range st.LayerDigests {
			same = same && l == img.Layers[i]
		}
		if same {
			d.mu.RUnlock()
			return hberrors.New(hberrors.InvalidSpec, "image is in use by a container")
		}
	}
	d.mu.RUnlock()

	if err := d.store.DeleteImage(digest); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.images, digest)
	d.mu.Unlock()
	return nil
}

func (s projectService) List(ctx context.Context) ([]types.Project, error) {
	d := s.d
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Project, 0, len(d.projects))
	for _, p := range d.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (s projectService) Create(ctx context.Context, name string) (*types.Project, error) {
	d := s.d
	p := &types.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    types.ProjectRunning,
		CreatedAt: time.Now(),
	}
	if err := d.store.SaveProject(p); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist project")
	}
	d.mu.Lock()
	d.projects[p.ID] = p
	d.mu.Unlock()
	cp := *p
	return &cp, nil
}

// Start starts every container belonging to id.
func (s projectService) Start(ctx context.Context, id string) error {
	d := s.d
	containers := s.d.Containers()
	for _, cid := range d.projectContainerIds(id) {
		if _, err := containers.Start(ctx, cid); err != nil {
			return err
		}
	}
	return d.setProjectStatus(id, types.ProjectRunning)
}

// Stop stops every container belonging to id without removing them.
func (s projectService) Stop(ctx context.Context, id string) error {
	d := s.d
	for _, cid := range d.projectContainerIds(id) {
		if err := d.coord.Stop(ctx, cid); err != nil {
			return err
		}
	}
	return d.setProjectStatus(id, types.ProjectStopped)
}

// Close removes every container belonging to id and marks it closed. Port
// reservations are released project-wide, covering any port a container
// that died before persisting its own allocation would otherwise leak.
func (s projectService) Close(ctx context.Context, id string) error {
	d := s.d
	for _, cid := range d.projectContainerIds(id) {
		if err := d.coord.Remove(ctx, cid, true); err != nil {
			return err
		}
		d.mu.Lock()
		delete(d.containers, cid)
		d.mu.Unlock()
	}
	d.ports.ReleaseProject(id)

	d.mu.Lock()
	p, ok := d.projects[id]
	if ok {
		p.Status = types.ProjectClosed
		p.ClosedAt = time.Now()
		p.Containers = nil
	}
	d.mu.Unlock()
	if !ok {
		return hberrors.New(hberrors.NotFound, fmt.Sprintf("project %s not found", id))
	}
	return d.store.SaveProject(p)
}

func (d *Daemon) projectContainerIds(projectID string) []types.ContainerId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ContainerId, 0)
	for id, st := range d.containers {
		if st.ProjectID == projectID {
			out = append(out, id)
		}
	}
	return out
}

func (d *Daemon) setProjectStatus(id string, status types.ProjectStatus) error {
	d.mu.Lock()
	p, ok := d.projects[id]
	if ok {
		p.Status = status
	}
	d.mu.Unlock()
	if !ok {
		return hberrors.New(hberrors.NotFound, fmt.Sprintf("project %s not found", id))
	}
	return d.store.SaveProject(p)
}

// Snapshot returns a point-in-time read of every cumulative metric.
func (s metricsService) Snapshot(ctx context.Context) (types.Metrics, error) {
	return metrics.Snapshot(), nil
}

// kernelVersion reports the running kernel's release string, recorded on
// every checkpoint so a later restore attempt on a different kernel can be
// flagged rather than silently failing inside CRIU.
func kernelVersion() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(uts.Release[:]), "\x00")
}
