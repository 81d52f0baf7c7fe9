/*
Package isolation builds the sandbox around each container: a cgroup v2
resource slice, Linux namespaces, a seccomp syscall filter, and an optional
Landlock ruleset.

# cgroups

CgroupManager owns a named slice (hyperbox.slice by default) under the
cgroup v2 unified hierarchy, refusing to initialise if that hierarchy isn't
mounted. Create makes a container's own "container-<id>" group beneath the
slice and applies its resource limits; Apply re-applies limits against a
running container for live resizes. Stats reads memory.current, cpu.stat
and pids.current, defaulting to zero for any file that's missing. Remove
kills every PID still listed in cgroup.procs, waits briefly for exit, and
removes the directory.

# Namespaces

NamespaceManager creates the default {mnt, uts, ipc, net, pid, cgroup} set
for a container (user namespace optional), delegating network namespace
and veth creation to pkg/network so the bridge, netns and peer-move steps
aren't duplicated. A host-network container skips net namespace and veth
creation entirely.

# Seccomp

Profile models a policy as a default action plus a list of syscall rules,
each an allow/deny/trace/log disposition with an optional argument filter.
DefaultProfile denies with EPERM and allows a curated syscall set (file
I/O, memory management, timers, signals, common IPC, polling, user/group
lookups, futexes, randomness). ToOCI serialises a Profile into the OCI
runtime-spec seccomp schema for assignment to a container's linux.seccomp.

# Landlock

Apply installs a LandlockRuleset restricting filesystem access (and, on
kernel ABI >= 4, TCP bind/connect) in the calling process before it execs
the container's workload. Kernels without Landlock support degrade
silently: Apply never fails a container's start over it.
*/
package isolation
