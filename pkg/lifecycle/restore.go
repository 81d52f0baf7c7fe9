package lifecycle

import (
	"context"
	"time"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/metrics"
	"github.com/hyperbox/hyperboxd/pkg/prewarm"
	"github.com/hyperbox/hyperboxd/pkg/runtime"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// warmStart reserves the same daemon-core resources a cold start would,
// then asks the runtime backend to recreate the process from a checkpoint
// image instead of running the entrypoint fresh. Any failure unwinds the
// reservation exactly as coldStart's does; the caller falls back to a
// cold start on error.
func (c *Coordinator) warmStart(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, projectID string, record types.CheckpointRecord) (st *types.ContainerState, err error) {
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

	pid, err := c.backend.Restore(ctx, id, spec, state.RootfsPath, runtime.RestoreOptions{ImagePath: record.Path})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.RestoreFailed, err, "restore container from checkpoint")
	}
	rollbacks = append(rollbacks, func() {
		if rerr := c.backend.RemoveContainer(context.Background(), id); rerr != nil {
			c.logger.Warn().Err(rerr).Str("container_id", id.String()).Msg("rollback: container removal failed")
		}
	})

	state.PID = pid
	state.StartedAt = time.Now()
	state.Lifecycle = types.Running
	state.HasCheckpoint = true

	if err := c.cgroups.AddPID(id, pid); err != nil {
		return nil, err
	}

	c.incrementRefcounts(image.Layers)

	if err := c.store.SaveContainer(state); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist container state")
	}

	ok = true
	timer.ObserveDuration(metrics.WarmStartDuration)
	metrics.WarmStartsTotal.Inc()
	if c.pred != nil {
		c.pred.Record(types.UsageEvent{Image: spec.Image, Timestamp: state.StartedAt, GroupKey: projectID})
	}
	c.emit(id, types.EventContainerRestored, map[string]any{"checkpoint_id": record.ID, "pid": pid})
	return state, nil
}

// adoptPrewarmed relabels a pool instance's already-live ContainerState as
// id's, persists it and reports it as a warm start. The pool builds each
// state under a synthetic ContainerId, so the instance's own Id is replaced
// here to match the caller's request.
func (c *Coordinator) adoptPrewarmed(ctx context.Context, id types.ContainerId, spec types.ContainerSpec, projectID string, inst *prewarm.Instance) (*types.ContainerState, error) {
	timer := metrics.NewTimer()

	if inst.State == nil {
		return nil, hberrors.New(hberrors.Internal, "prewarm instance missing container state")
	}

	state := inst.State
	state.Id = id
	state.Spec = spec
	state.ProjectID = projectID
	state.Lifecycle = types.Running
	state.StartedAt = time.Now()
	state.IsPrewarmed = true

	if err := c.store.SaveContainer(state); err != nil {
		return nil, hberrors.Wrap(hberrors.Internal, err, "persist adopted container state")
	}

	timer.ObserveDuration(metrics.WarmStartDuration)
	metrics.WarmStartsTotal.Inc()
	if c.pred != nil {
		c.pred.Record(types.UsageEvent{Image: spec.Image, Timestamp: state.StartedAt, GroupKey: projectID})
	}
	c.emit(id, types.EventContainerStarted, map[string]any{"path": "prewarm", "pid": state.PID})
	return state, nil
}

// prewarmCreator builds one pool instance for fingerprint/image: a cold
// start against a synthetic ContainerId, held at Running so a later Claim
// only needs to relabel it. It is registered as the Pool's Creator.
func (c *Coordinator) prewarmCreator(ctx context.Context, fingerprint, image string) (*prewarm.Instance, error) {
	id := types.NewContainerId()
	spec := types.ContainerSpec{Image: image}

	state, err := c.coldStart(ctx, id, spec, "")
	if err != nil {
		return nil, err
	}

	return &prewarm.Instance{
		ContainerId: id,
		Fingerprint: fingerprint,
		Image:       image,
		CreatedAt:   time.Now(),
		State:       state,
	}, nil
}

// prewarmDestroyer tears down an unclaimed pool instance. It is
// registered as the Pool's Destroyer.
func (c *Coordinator) prewarmDestroyer(ctx context.Context, inst *prewarm.Instance) error {
	if err := c.store.SaveContainer(inst.State); err != nil {
		return err
	}
	return c.Remove(ctx, inst.ContainerId, true)
}

// NewPrewarmPool returns a Pool whose Creator and Destroyer are this
// Coordinator's own cold-start and removal paths, so prewarming reuses
// every resource-reservation rule a regular Start would apply.
func (c *Coordinator) NewPrewarmPool(maxPrewarmed int) *prewarm.Pool {
	return prewarm.NewPool(maxPrewarmed, c.prewarmCreator, c.prewarmDestroyer)
}
