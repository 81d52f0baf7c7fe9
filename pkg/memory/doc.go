/*
Package memory reads kernel Pressure Stall Information to track
system-wide memory pressure, and runs a per-container balloon loop
against cgroup v2 accounting files.

# PSI controller

Controller parses /proc/pressure/memory's "full" line avg10 field on a
fixed poll interval, keeping the last 10 samples (a 100s window). Crossing
warningPct (default 20) or criticalPct (default 50) reclassifies state
and, when privileged, writes /proc/sys/vm/swappiness (critical 80,
warning 70, calm 40) through SwapTuner. A failed swappiness write is
logged and otherwise ignored: pressure state keeps reporting correctly
even when swap tuning is unavailable. When the PSI file doesn't exist at
all (pre-5.2 kernels), the controller starts disabled: State always
reports calm and Poll is a no-op, matching spec.md's "not supported"
requirement rather than erroring.

# Balloon loop

BalloonManager samples a container's memory.current, memory.stat (anon,
active_file, slab_reclaimable) and memory.swap.current, mirroring the
line-oriented key/value parsing pkg/isolation uses for its own cgroup
stats reads. Per poll it either expands the balloon target (working set
at or above 90% of the limit, anonymous memory dominant, no adjustment in
the last 30s) or shrinks it by one step (working set below the low
watermark for 3 consecutive polls), writing the new target to
memory.high only when privileged.
*/
package memory
