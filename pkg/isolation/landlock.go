package isolation

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Landlock syscall numbers on amd64/arm64 (both architectures assign the
// same numbers: 444-446). The ABI isn't wrapped by golang.org/x/sys/unix,
// so the ruleset/rule structs and syscalls are reproduced here directly
// from the kernel UAPI (include/uapi/linux/landlock.h).
const (
	sysLandlockCreateRuleset = 444
	sysLandlockAddRule       = 445
	sysLandlockRestrictSelf  = 446

	landlockRuleTypePathBeneath = 1

	// handled_access_fs bits covering ordinary file read/write/execute,
	// enough for a container's init to scope its own filesystem access.
	accessFSExecute  = 1 << 0
	accessFSWriteFile = 1 << 1
	accessFSReadFile  = 1 << 2
	accessFSReadDir   = 1 << 3

	accessNetBindTCP    = 1 << 0
	accessNetConnectTCP = 1 << 1

	// createRulesetGetABI, passed as flags to landlock_create_ruleset with
	// a nil attr pointer, returns the running kernel's ABI version instead
	// of creating a ruleset.
	createRulesetGetABI = 1 << 0
)

// rulesetAttr mirrors struct landlock_ruleset_attr.
type rulesetAttr struct {
	handledAccessFS  uint64
	handledAccessNet uint64
}

// pathBeneathAttr mirrors struct landlock_path_beneath_attr.
type pathBeneathAttr struct {
	allowedAccess uint64
	parentFD      int32
}

// LandlockRuleset describes the filesystem paths a container's init
// process is allowed to access, and whether TCP bind/connect scoping
// should also be installed (kernel >= 6.7, ABI 4).
type LandlockRuleset struct {
	ReadOnlyPaths  []string
	ReadWritePaths []string
	RestrictNet    bool
}

// LandlockResult reports whether a ruleset was actually enforced.
type LandlockResult struct {
	Enforced bool
	ABI      int
}

// Apply installs ruleset in the calling process (expected to be the
// container's init, before exec into the workload). Kernels without
// Landlock support degrade silently: Enforced is false and no error is
// returned, since this is defence in depth and must never fail a
// container's start.
func Apply(ruleset LandlockRuleset) (LandlockResult, error) {
	abi, err := landlockABI()
	if err != nil || abi < 1 {
		return LandlockResult{Enforced: false}, nil
	}

	attr := rulesetAttr{handledAccessFS: accessFSExecute | accessFSWriteFile | accessFSReadFile | accessFSReadDir}
	if ruleset.RestrictNet && abi >= 4 {
		attr.handledAccessNet = accessNetBindTCP | accessNetConnectTCP
	}

	fd, _, errno := unix.Syscall(sysLandlockCreateRuleset, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return LandlockResult{Enforced: false}, nil
	}
	rulesetFD := int(fd)
	defer unix.Close(rulesetFD)

	for _, p := range ruleset.ReadOnlyPaths {
		_ = addPathRule(rulesetFD, p, accessFSReadFile|accessFSReadDir|accessFSExecute)
	}
	for _, p := range ruleset.ReadWritePaths {
		_ = addPathRule(rulesetFD, p, accessFSReadFile|accessFSReadDir|accessFSExecute|accessFSWriteFile)
	}

	if err := restrictSelf(rulesetFD); err != nil {
		return LandlockResult{Enforced: false}, nil
	}
	return LandlockResult{Enforced: true, ABI: abi}, nil
}

func landlockABI() (int, error) {
	r1, _, errno := unix.Syscall(sysLandlockCreateRuleset, 0, 0, createRulesetGetABI)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

func addPathRule(rulesetFD int, path string, access uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	attr := pathBeneathAttr{allowedAccess: access, parentFD: int32(f.Fd())}
	_, _, errno := unix.Syscall6(sysLandlockAddRule, uintptr(rulesetFD), landlockRuleTypePathBeneath,
		uintptr(unsafe.Pointer(&attr)), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func restrictSelf(rulesetFD int) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return err
	}
	_, _, errno := unix.Syscall(sysLandlockRestrictSelf, uintptr(rulesetFD), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
