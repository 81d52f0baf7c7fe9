/*
Package lifecycle drives a single container through its full life: resolve
image, allocate resources, stage rootfs, create and start it in the
runtime, then later stop, checkpoint and remove it. It is the one
component that calls into every other piece of the daemon core — storage,
registry, isolation, network, the runtime backend, the checkpoint manager,
the pre-warm pool and the predictor — so none of those packages needs to
know about any other.

# Start paths

Start tries, in order: a pre-warm pool claim (pkg/prewarm), a checkpoint
restore (pkg/checkpoint) if one exists for the spec's fingerprint, and
finally a cold start that pulls the image, allocates ports/IP/cgroup/
network namespace, stages an overlay (or composefs-accelerated) rootfs,
and drives the runtime backend through create and start.

Every path funnels into the same ContainerState transition and the same
rollback helper: a failure partway through cold start unwinds whatever
resources were already reserved, in reverse order, exactly as an aborted
request would per the concurrency model's cancellation rule.

# Serialization

Coordinator keeps a lazily created sync.Mutex per ContainerId (the
map-of-mutexes idiom pkg/checkpoint uses per fingerprint) so at most one
mutating operation — start, stop, checkpoint, remove — runs against a
given container at a time, while reads are never blocked by it. A single
mutex, cfsMu, guards the refcount map of composefs mounts shared across
containers that happen to reference the same layer.
*/
package lifecycle
