//go:build linux

package supervisor

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/caps"
	"github.com/rustbox/rustbox/internal/cgroup"
	"github.com/rustbox/rustbox/internal/execspec"
	"github.com/rustbox/rustbox/internal/fsbuild"
	"github.com/rustbox/rustbox/internal/netns"
	"github.com/rustbox/rustbox/internal/seccomp"
)

// cloneArgs mirrors the kernel's clone3 ABI (include/uapi/linux/sched.h),
// carried over verbatim from the teacher's sandbox.cloneArgs.
type cloneArgs struct {
	Flags      uint64
	Pidfd      uint64
	ChildTid   uint64
	ParentTid  uint64
	ExitSignal uint64
	Stack      uint64
	StackSize  uint64
	TLS        uint64
	SetTid     uint64
	SetTidSize uint64
	Cgroup     uint64
}

var baseFlags = unix.CLONE_NEWPID |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWNS |
	unix.CLONE_NEWCGROUP |
	unix.CLONE_NEWUSER |
	unix.CLONE_NEWNET |
	unix.CLONE_PIDFD

// Options configures a single launch: the request's limits/source plus
// the already-built filesystem inputs the Namespace & Filesystem Builder
// needs, and the cgroup handle the Cgroup Controller prepared.
type Options struct {
	BoxID      string
	Request    execspec.Request
	FS         fsbuild.Spec
	Cgroup     *cgroup.Handle
	Hostname   string
	CapOptions caps.Options
	SeccompOpt seccomp.Options
	Log        *slog.Logger
}

// Process is a running supervised process: its pid, pidfd, stdio
// collectors, and the networking/cgroup state that must be torn down when
// it exits.
type Process struct {
	PID     int
	RunID   string
	pidfd   int
	stdio   *stdioPipes
	network *netns.Result
	cgroup  *cgroup.Handle
	log     *slog.Logger
}

// Launch clones the supervised process into a fresh namespace set,
// completes parent-side setup (uid/gid mapping, cgroup membership,
// optional bridged networking), then releases the child to build its
// filesystem, drop privileges, install seccomp, and execve — mirroring
// the teacher's NewSandbox, generalized to per-request limits and an
// allow-list seccomp posture.
func Launch(opts Options) (*Process, error) {
	if unix.Geteuid() != 0 {
		return nil, fmt.Errorf("supervisor: must run as root (for namespace/cgroup setup)")
	}
	if !opts.Request.Source.IsCode() && len(opts.Request.Source.Argv) == 0 {
		return nil, fmt.Errorf("supervisor: request has no command to execute")
	}

	// A fresh identifier per launch, independent of the caller-supplied box
	// id, so repeated runs of the same box can be told apart in logs —
	// mirrors the teacher's SandboxProcess.uuid.
	runID := uuid.New().String()
	if opts.Log != nil {
		opts.Log = opts.Log.With(slog.String("run_id", runID))
	}

	stdio, err := newStdioPipes(opts.Request.StdinData, opts.Request.Limits.MaxOutputBytes)
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdio setup: %w", err)
	}

	rfd, wfd, err := makeSyncPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: sync pipe: %w", err)
	}

	var pidfd int32 = -1
	args := cloneArgs{
		Flags:      uint64(baseFlags),
		Pidfd:      uint64(uintptr(unsafe.Pointer(&pidfd))),
		ExitSignal: uint64(unix.SIGCHLD),
	}

	pid, _, errno := unix.Syscall(
		unix.SYS_CLONE3,
		uintptr(unsafe.Pointer(&args)),
		uintptr(unsafe.Sizeof(args)),
		0,
	)
	if errno != 0 {
		closePipe(rfd, wfd)
		stdio.closeChildEnds()
		return nil, fmt.Errorf("supervisor: clone3: %w", errno)
	}

	if pid == 0 {
		childMain(rfd, opts, stdio)
		// childMain never returns.
	}

	stdio.closeChildEnds()

	if err := SetupIDMappings(int(pid)); err != nil {
		closePipe(rfd, wfd)
		return nil, fmt.Errorf("supervisor: id mapping: %w", err)
	}

	if opts.Cgroup != nil {
		if err := opts.Cgroup.Enter(int(pid)); err != nil {
			closePipe(rfd, wfd)
			return nil, fmt.Errorf("supervisor: enter cgroup: %w", err)
		}
	}

	var netResult *netns.Result
	if opts.Request.Limits.EnableNetwork {
		if err := netns.ValidateForLimits(opts.Request.Limits); err != nil {
			closePipe(rfd, wfd)
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		netResult, err = netns.Setup(netns.Config{ChildPID: int(pid), BoxID: opts.BoxID})
		if err != nil {
			closePipe(rfd, wfd)
			return nil, fmt.Errorf("supervisor: network setup: %w", err)
		}
	}

	if err := signalChild(wfd); err != nil {
		return nil, fmt.Errorf("supervisor: signal child: %w", err)
	}
	_ = unix.Close(rfd)

	return &Process{
		PID:     int(pid),
		RunID:   runID,
		pidfd:   int(pidfd),
		stdio:   stdio,
		network: netResult,
		cgroup:  opts.Cgroup,
		log:     opts.Log,
	}, nil
}

// childMain runs entirely inside the new namespaces. It never returns:
// either execve succeeds and replaces this image, or it calls unix.Exit.
func childMain(rfd int, opts Options, stdio *stdioPipes) {
	if err := waitForParent(rfd); err != nil {
		unix.Exit(1)
	}

	if err := unix.Dup2(int(stdio.childStdin.Fd()), 0); err != nil {
		unix.Exit(1)
	}
	if err := unix.Dup2(int(stdio.childStdout.Fd()), 1); err != nil {
		unix.Exit(1)
	}
	if err := unix.Dup2(int(stdio.childStderr.Fd()), 2); err != nil {
		unix.Exit(1)
	}

	if opts.Hostname != "" {
		_ = unix.Sethostname([]byte(opts.Hostname))
	}

	if _, err := fsbuild.Build(opts.FS, opts.Log); err != nil {
		opts.Log.Error("fsbuild failed", slog.Any("err", err))
		unix.Exit(1)
	}

	if err := applyRlimits(opts.Request.Limits); err != nil {
		opts.Log.Error("rlimit setup failed", slog.Any("err", err))
		unix.Exit(1)
	}

	if err := opts.CapOptions.Apply(); err != nil {
		opts.Log.Error("capability setup failed", slog.Any("err", err))
		unix.Exit(1)
	}

	if err := seccomp.Install(opts.SeccompOpt); err != nil {
		opts.Log.Error("seccomp setup failed", slog.Any("err", err))
		unix.Exit(1)
	}

	argv := opts.Request.Source.Argv
	if len(argv) == 0 {
		argv = []string{opts.Request.Source.Command}
	}
	env := opts.Request.Source.EnvAllowlist

	err := unix.Exec(argv[0], argv, env)
	opts.Log.Error("execve failed", slog.Any("err", err))
	unix.Exit(127)
}

// Wait reaps the process, returning its raw wait status. The Limit
// Monitor is responsible for racing this against wall-clock/OOM/output
// signals and deciding the final execspec.Status.
func (p *Process) Wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.PID, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ws, err
		}
		if wpid == p.PID {
			break
		}
	}
	p.stdio.wait()
	return ws, nil
}

// Kill sends the supervised process's whole cgroup a SIGKILL, per §4.5's
// kill discipline (never a bare kill(pid) on the direct child, since the
// program may have forked).
func (p *Process) Kill() error {
	if p.cgroup != nil {
		return p.cgroup.Kill()
	}
	return unix.Kill(p.PID, unix.SIGKILL)
}

// Stdout/Stderr/OutputExceeded expose the drained, bounded stdio buffers
// once Wait has returned.
func (p *Process) Stdout() []byte        { return p.stdio.stdout.Bytes() }
func (p *Process) Stderr() []byte        { return p.stdio.stderr.Bytes() }
func (p *Process) OutputExceeded() bool  { return p.stdio.outputExceeded() }
func (p *Process) Network() *netns.Result { return p.network }
