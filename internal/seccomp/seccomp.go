//go:build linux

// Package seccomp installs the allow-list syscall filter described in
// §4.4: default action is deny (ENOSYS), and a conservative set of
// syscalls needed by typical interpreted/compiled programs is explicitly
// allowed. A syscall outside the allow-list fails with ENOSYS: no SIGSYS
// is delivered, and the Process Supervisor gives such failures no status
// or message of their own.
//
// This inverts the teacher's sandbox/seccomp.go, which used a default-
// allow filter with an explicit deny-list; SPEC_FULL §4 calls for the
// opposite (allow-list) posture, so the policy shape changes while the
// libseccomp-golang wiring (filter construction, rule loading, prctl
// NO_NEW_PRIVS) is carried over unchanged.
package seccomp

import (
	"fmt"
	"maps"
	"slices"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// defaultAllow is the conservative baseline needed by typical interpreted
// and compiled programs: memory management, file I/O, process control for
// the program's own threads, signals, and clock/time queries.
var defaultAllow = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "openat2", "close", "close_range", "fstat", "stat", "lstat", "newfstatat", "statx",
	"lseek", "fcntl", "ioctl", "dup", "dup2", "dup3",
	"mmap", "munmap", "mprotect", "mremap", "madvise", "brk",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"clone", "clone3", "fork", "vfork", "execve", "exit", "exit_group", "wait4", "waitid", "kill", "tgkill",
	"futex", "set_robust_list", "get_robust_list", "set_tid_address",
	"gettid", "getpid", "getppid", "getuid", "geteuid", "getgid", "getegid", "getresuid", "getresgid",
	"nanosleep", "clock_nanosleep", "clock_gettime", "gettimeofday", "getrandom",
	"sched_yield", "sched_getaffinity", "getrlimit", "prlimit64", "sysinfo", "uname",
	"pipe", "pipe2", "select", "pselect6", "poll", "ppoll", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"socket", "connect", "accept", "accept4", "bind", "listen", "sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockname", "getpeername", "setsockopt", "getsockopt", "shutdown",
	"mkdir", "mkdirat", "unlink", "unlinkat", "rmdir", "rename", "renameat", "renameat2",
	"chdir", "getcwd", "readlink", "readlinkat", "access", "faccessat", "faccessat2",
	"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat", "lchown",
	"truncate", "ftruncate", "fsync", "fdatasync", "sync",
	"getdents", "getdents64", "flock", "umask", "arch_prctl", "prctl", "restart_syscall", "sigaltstack",
	"rseq",
}

// networkSyscalls are removed from the allow-list unless the request opts
// into networking, per §4.4 "rejects ... any network syscall when
// enable_network=false".
var networkSyscalls = []string{
	"socket", "connect", "accept", "accept4", "bind", "listen",
	"sendto", "recvfrom", "sendmsg", "recvmsg", "getsockname", "getpeername",
	"setsockopt", "getsockopt", "shutdown",
}

// Options configures the filter: caller allow/deny overrides layered on
// top of the conservative default, plus whether networking is permitted.
type Options struct {
	AllowExtra    []string
	DenyOverride  []string
	EnableNetwork bool
}

func buildAllowSet(opts Options) []string {
	allow := make(map[string]struct{}, len(defaultAllow)+len(opts.AllowExtra))
	for _, s := range defaultAllow {
		allow[s] = struct{}{}
	}
	if !opts.EnableNetwork {
		for _, s := range networkSyscalls {
			delete(allow, s)
		}
	}
	for _, s := range opts.AllowExtra {
		allow[s] = struct{}{}
	}
	for _, s := range opts.DenyOverride {
		delete(allow, s)
	}
	return slices.Sorted(maps.Keys(allow))
}

// Install builds and loads the allow-list seccomp filter. It must be
// called in the child after filesystem/cgroup/capability setup and right
// before execve, per §4.4's launch sequence.
func Install(opts Options) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}

	// Default action denies with ENOSYS, signaling to well-behaved
	// programs that they should fall back to another syscall, per §4.4.
	filter, err := libseccomp.NewFilter(libseccomp.ActErrno.SetReturnCode(int16(unix.ENOSYS)))
	if err != nil {
		return fmt.Errorf("seccomp: new filter: %w", err)
	}
	defer filter.Release()

	for _, name := range buildAllowSet(opts) {
		sc, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			continue
		}
		if err := filter.AddRule(sc, libseccomp.ActAllow); err != nil {
			continue
		}
	}

	if err := filter.Load(); err != nil {
		return fmt.Errorf("seccomp: load: %w", err)
	}
	return nil
}
