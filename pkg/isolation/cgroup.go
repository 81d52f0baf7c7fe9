// Package isolation owns the per-container sandbox: cgroup v2 resource
// slices, Linux namespace creation, seccomp filtering, and Landlock
// defence-in-depth.
package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	cgroupRoot   = "/sys/fs/cgroup"
	defaultSlice = "hyperbox.slice"
	cfsPeriodUs  = 100000
)

// CgroupManager owns a named cgroup v2 slice and the per-container groups
// beneath it.
type CgroupManager struct {
	root  string
	slice string
}

// NewCgroupManager creates the manager and ensures the slice exists,
// refusing if the host's cgroup v2 unified hierarchy isn't mounted.
func NewCgroupManager(slice string) (*CgroupManager, error) {
	if slice == "" {
		slice = defaultSlice
	}
	if _, err := os.Stat(filepath.Join(cgroupRoot, "cgroup.controllers")); err != nil {
		return nil, hberrors.Wrap(hberrors.CgroupOp, err, "cgroup v2 unified hierarchy not present")
	}

	m := &CgroupManager{root: cgroupRoot, slice: slice}
	if err := m.ensureSlice(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CgroupManager) slicePath() string {
	return filepath.Join(m.root, m.slice)
}

func (m *CgroupManager) containerPath(id types.ContainerId) string {
	return filepath.Join(m.slicePath(), "container-"+id.String())
}

// Path returns the cgroup path for a container, for ContainerState.CgroupPath.
func (m *CgroupManager) Path(id types.ContainerId) string {
	return m.containerPath(id)
}

func (m *CgroupManager) ensureSlice() error {
	if err := os.MkdirAll(m.slicePath(), 0755); err != nil {
		return hberrors.Wrap(hberrors.CgroupOp, err, "create slice "+m.slice)
	}
	if err := writeFile(filepath.Join(m.root, "cgroup.subtree_control"), "+cpu +memory +io +pids"); err != nil {
		return hberrors.Wrap(hberrors.CgroupOp, err, "enable root controllers")
	}
	if err := writeFile(filepath.Join(m.slicePath(), "cgroup.subtree_control"), "+cpu +memory +io +pids"); err != nil {
		return hberrors.Wrap(hberrors.CgroupOp, err, "enable slice controllers")
	}
	return nil
}

// Create makes the container's cgroup and applies its resource limits, but
// does not yet add any PID.
func (m *CgroupManager) Create(id types.ContainerId, limits types.ResourceLimits) error {
	path := m.containerPath(id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return hberrors.Wrap(hberrors.CgroupOp, err, "create cgroup for "+id.String())
	}
	return m.Apply(id, limits)
}

// Apply (re)writes resource limits into an existing container cgroup; it is
// also used for live UpdateContainer resizes.
func (m *CgroupManager) Apply(id types.ContainerId, limits types.ResourceLimits) error {
	path := m.containerPath(id)

	if limits.MemoryBytes > 0 {
		if err := writeFile(filepath.Join(path, "memory.max"), strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return hberrors.Wrap(hberrors.CgroupOp, err, "write memory.max")
		}
	}
	if limits.SwapBytes > 0 {
		if err := writeFile(filepath.Join(path, "memory.swap.max"), strconv.FormatInt(limits.SwapBytes, 10)); err != nil {
			return hberrors.Wrap(hberrors.CgroupOp, err, "write memory.swap.max")
		}
	}
	if limits.CPUMillicores > 0 {
		quota := limits.CPUMillicores * 100
		if err := writeFile(filepath.Join(path, "cpu.max"), fmt.Sprintf("%d %d", quota, cfsPeriodUs)); err != nil {
			return hberrors.Wrap(hberrors.CgroupOp, err, "write cpu.max")
		}
	}
	if limits.PidsLimit > 0 {
		if err := writeFile(filepath.Join(path, "pids.max"), strconv.FormatInt(limits.PidsLimit, 10)); err != nil {
			return hberrors.Wrap(hberrors.CgroupOp, err, "write pids.max")
		}
	}
	if limits.IOReadBPS > 0 || limits.IOWriteBPS > 0 {
		// io.max is keyed per block device ("MAJ:MIN rbps=.. wbps=..");
		// device discovery is best-effort and failures are deferred
		// rather than failing container creation.
		_ = m.applyIOLimits(path, limits)
	}
	return nil
}

func (m *CgroupManager) applyIOLimits(path string, limits types.ResourceLimits) error {
	devices, err := blockDevices()
	if err != nil || len(devices) == 0 {
		return err
	}
	var line strings.Builder
	if limits.IOReadBPS > 0 {
		fmt.Fprintf(&line, " rbps=%d", limits.IOReadBPS)
	}
	if limits.IOWriteBPS > 0 {
		fmt.Fprintf(&line, " wbps=%d", limits.IOWriteBPS)
	}
	for _, dev := range devices {
		if err := writeFile(filepath.Join(path, "io.max"), dev+line.String()); err != nil {
			return err
		}
	}
	return nil
}

// blockDevices lists "MAJ:MIN" identifiers for the host's block devices by
// reading /proc/partitions, skipping the header and partition rows.
func blockDevices() ([]string, error) {
	b, err := os.ReadFile("/proc/partitions")
	if err != nil {
		return nil, err
	}
	var devices []string
	lines := strings.Split(string(b), "\n")
	for i, line := range lines {
		if i < 2 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		devices = append(devices, fields[0]+":"+fields[1])
	}
	return devices, nil
}

// AddPID moves pid into the container's cgroup.
func (m *CgroupManager) AddPID(id types.ContainerId, pid int) error {
	path := filepath.Join(m.containerPath(id), "cgroup.procs")
	if err := writeFile(path, strconv.Itoa(pid)); err != nil {
		return hberrors.Wrap(hberrors.CgroupOp, err, "add pid to cgroup")
	}
	return nil
}

// Remove kills every PID still listed in the container's cgroup, waits
// briefly, then removes the cgroup directory.
func (m *CgroupManager) Remove(id types.ContainerId) error {
	path := m.containerPath(id)

	pids, err := readPIDs(filepath.Join(path, "cgroup.procs"))
	if err == nil {
		for _, pid := range pids {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		if len(pids) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return hberrors.Wrap(hberrors.CgroupOp, err, "rmdir cgroup for "+id.String())
	}
	return nil
}

// CgroupStats is a point-in-time read of a container's cgroup accounting
// files, each defaulting to zero when its file is absent.
type CgroupStats struct {
	MemoryCurrentBytes int64
	CPUUsageUsec       int64
	CPUUserUsec        int64
	CPUSystemUsec      int64
	PidsCurrent        int64
}

// Stats reads memory.current, cpu.stat and pids.current for a container.
func (m *CgroupManager) Stats(id types.ContainerId) (CgroupStats, error) {
	path := m.containerPath(id)
	var s CgroupStats

	s.MemoryCurrentBytes = readInt64(filepath.Join(path, "memory.current"))
	s.PidsCurrent = readInt64(filepath.Join(path, "pids.current"))

	kv, err := readKeyValueFile(filepath.Join(path, "cpu.stat"))
	if err == nil {
		s.CPUUsageUsec = kv["usage_usec"]
		s.CPUUserUsec = kv["user_usec"]
		s.CPUSystemUsec = kv["system_usec"]
	}
	return s, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func readInt64(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func readKeyValueFile(path string) (map[string]int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
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
	return out, nil
}

func readPIDs(path string) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		if n, err := strconv.Atoi(line); err == nil {
			pids = append(pids, n)
		}
	}
	return pids, nil
}
