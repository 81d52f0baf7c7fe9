package isolation

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Action is the disposition applied when a syscall rule matches.
type Action int

const (
	ActionKill Action = iota + 1
	ActionErrno
	ActionTrap
	ActionAllow
	ActionTrace
	ActionLog
	ActionKillProcess
)

// Operator compares one syscall argument against Arg.Value.
type Operator int

const (
	OpNotEqual Operator = iota + 1
	OpLessThan
	OpLessThanOrEqual
	OpEqualTo
	OpGreaterThanOrEqual
	OpGreaterThan
	OpMaskedEqual
)

// Arg filters one syscall argument (index 0-5) by value and operator.
type Arg struct {
	Index    uint
	Value    uint64
	ValueTwo uint64
	Op       Operator
}

// Syscall binds a set of syscall names to an action, optionally gated on
// argument filters.
type Syscall struct {
	Names    []string
	Action   Action
	ErrnoRet uint
	Args     []Arg
}

// Profile is a seccomp policy: a default action applied to anything not
// matched by Rules, the architectures it applies to, and the rule list.
type Profile struct {
	DefaultAction Action
	DefaultErrno  uint
	Architectures []string
	Rules         []Syscall
}

// DefaultProfile denies with EPERM by default and allows the curated
// syscall set every container needs for basic file I/O, memory management,
// timers, signals, common IPC, polling, user/group lookups, futexes and
// randomness.
func DefaultProfile() Profile {
	allow := Syscall{Action: ActionAllow, Names: []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "stat", "fstat", "lstat", "access",
		"lseek", "fcntl", "ioctl", "dup", "dup2", "dup3",
		"mmap", "munmap", "mprotect", "brk", "madvise",
		"clock_gettime", "gettimeofday", "nanosleep", "clock_nanosleep",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
		"pipe", "pipe2", "socket", "socketpair", "connect", "bind",
		"listen", "accept", "accept4", "sendto", "recvfrom", "sendmsg", "recvmsg",
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "poll", "ppoll", "select",
		"getuid", "geteuid", "getgid", "getegid", "getgroups", "getresuid", "getresgid",
		"futex", "getrandom", "exit", "exit_group", "wait4", "waitid",
		"clone", "execve", "arch_prctl", "set_tid_address", "set_robust_list",
		"prlimit64", "sched_getaffinity", "sched_yield", "getpid", "getppid", "gettid",
		"uname", "sysinfo", "getcwd", "chdir", "mkdir", "mkdirat", "unlink", "unlinkat",
		"rename", "renameat", "renameat2", "readlink", "readlinkat",
	}}

	return Profile{
		DefaultAction: ActionErrno,
		DefaultErrno:  1, // EPERM
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_AARCH64"},
		Rules:         []Syscall{allow},
	}
}

var actionToOCI = map[Action]specs.LinuxSeccompAction{
	ActionKill:        specs.ActKill,
	ActionErrno:       specs.ActErrno,
	ActionTrap:        specs.ActTrap,
	ActionAllow:       specs.ActAllow,
	ActionTrace:       specs.ActTrace,
	ActionLog:         specs.ActLog,
	ActionKillProcess: specs.ActKillProcess,
}

var operatorToOCI = map[Operator]specs.LinuxSeccompOperator{
	OpNotEqual:           specs.OpNotEqual,
	OpLessThan:           specs.OpLessThan,
	OpLessThanOrEqual:    specs.OpLessEqual,
	OpEqualTo:            specs.OpEqualTo,
	OpGreaterThanOrEqual: specs.OpGreaterEqual,
	OpGreaterThan:        specs.OpGreaterThan,
	OpMaskedEqual:        specs.OpMaskedEqual,
}

// ToOCI serialises a Profile into the OCI runtime-spec seccomp schema
// (SCMP_ACT_*/SCMP_CMP_* names), ready to assign to a container's
// linux.seccomp field.
func (p Profile) ToOCI() *specs.LinuxSeccomp {
	arches := make([]specs.Arch, 0, len(p.Architectures))
	for _, a := range p.Architectures {
		arches = append(arches, specs.Arch(a))
	}

	syscalls := make([]specs.LinuxSyscall, 0, len(p.Rules))
	for _, rule := range p.Rules {
		s := specs.LinuxSyscall{
			Names:  rule.Names,
			Action: actionToOCI[rule.Action],
		}
		if rule.Action == ActionErrno && rule.ErrnoRet != 0 {
			ret := rule.ErrnoRet
			s.ErrnoRet = &ret
		}
		for _, arg := range rule.Args {
			s.Args = append(s.Args, specs.LinuxSeccompArg{
				Index:    arg.Index,
				Value:    arg.Value,
				ValueTwo: arg.ValueTwo,
				Op:       operatorToOCI[arg.Op],
			})
		}
		syscalls = append(syscalls, s)
	}

	seccomp := &specs.LinuxSeccomp{
		DefaultAction: actionToOCI[p.DefaultAction],
		Architectures: arches,
		Syscalls:      syscalls,
	}
	if p.DefaultAction == ActionErrno && p.DefaultErrno != 0 {
		ret := p.DefaultErrno
		seccomp.DefaultErrnoRet = &ret
	}
	return seccomp
}
