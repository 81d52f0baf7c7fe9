/*
Package runtime defines the container runtime capability set the rest of
the daemon drives (Backend), a lookup table of named implementations
(Registry), and a containerd-backed implementation of it.

# Backend

Backend covers the full surface the lifecycle coordinator and checkpoint
manager need: image pull/list/exists, the container
lifecycle (create/start/stop/kill/pause/resume/remove/update), inspection
(state/list/stats/top/logs), interactive access (exec/attach/wait), and
CRIU-backed checkpoint/restore. Callers depend on Backend, not on
ContainerdBackend directly, so a second implementation can be registered
without touching them.

# ContainerdBackend

ContainerdBackend drives a containerd socket (DefaultSocketPath unless
overridden) in the "hyperbox" namespace. It translates a ContainerSpec into
containerd's OCI SpecOpts the same way for every creation path: command and
args, working directory, hostname, user, env, CPU millicores into shares
plus a CFS quota/period pair, memory into a hard limit, and bind mounts
into OCI mount entries.

Checkpoint and Restore move a CRIU checkpoint image in and out of
containerd's content store as a portable archive file, so a checkpoint
survives past the container it was taken from and is governed by the
checkpoint manager's own TTL policy instead of containerd's.

# Registry

Registry holds the set of backends available to the daemon, keyed by
Name(). The first backend registered becomes Default(). Today the daemon
wires up exactly one (containerd); Registry exists so a second backend
never requires changes at any call site.
*/
package runtime
