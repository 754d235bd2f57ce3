//go:build linux

// Package engine ties the Lock Manager, Box Registry, Cgroup Controller,
// Namespace & Filesystem Builder, Process Supervisor, and Limit Monitor
// together into the three lifecycle operations described in §2 and §3:
// init, run, and cleanup.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/boxid"
	"github.com/rustbox/rustbox/internal/caps"
	"github.com/rustbox/rustbox/internal/cgroup"
	"github.com/rustbox/rustbox/internal/execspec"
	"github.com/rustbox/rustbox/internal/fsbuild"
	"github.com/rustbox/rustbox/internal/langs"
	"github.com/rustbox/rustbox/internal/monitor"
	"github.com/rustbox/rustbox/internal/netns"
	"github.com/rustbox/rustbox/internal/registry"
	"github.com/rustbox/rustbox/internal/seccomp"
	"github.com/rustbox/rustbox/internal/supervisor"
)

// Engine is the top-level collaborator the CLI subcommands drive.
type Engine struct {
	reg        *registry.Registry
	cgroupRoot string
	log        *slog.Logger
}

// New builds an Engine rooted at stateRoot, using cgroupRoot for the
// Cgroup Controller (empty means the default /sys/fs/cgroup).
func New(stateRoot, cgroupRoot string, log *slog.Logger) *Engine {
	return &Engine{
		reg:        registry.New(stateRoot, log),
		cgroupRoot: cgroupRoot,
		log:        log,
	}
}

// Init creates a fresh box directory and metadata record, per §3's
// init(box-id, uid, gid) operation.
func (e *Engine) Init(id boxid.ID, uid, gid int, keepState bool) error {
	guard, err := e.reg.Locks().Acquire(id)
	if err != nil {
		return fmt.Errorf("engine: acquire lock: %w", err)
	}
	defer guard.Release()

	if _, err := e.reg.Init(id, uid, gid, keepState); err != nil {
		return fmt.Errorf("engine: init box: %w", err)
	}
	return e.reg.SetStatus(id, registry.StatusPrepared)
}

// SetDisplayName attaches a human-friendly label to an already-initialized
// box, used only for diagnostics.
func (e *Engine) SetDisplayName(id boxid.ID, name string) error {
	return e.reg.SetDisplayName(id, name)
}

// Run executes one request against an already-initialized box, per §3's
// run(box-id, request) operation and the §5 ordering guarantees: the
// cgroup is prepared and the process is placed in it before execve, the
// Limit Monitor starts before the process can accumulate meaningful
// resource usage, and teardown happens regardless of outcome.
func (e *Engine) Run(id boxid.ID, req execspec.Request) (execspec.Result, error) {
	guard, err := e.reg.Locks().Acquire(id)
	if err != nil {
		return execspec.Result{}, fmt.Errorf("engine: acquire lock: %w", err)
	}
	defer guard.Release()

	if err := e.reg.WipeWorkdir(id); err != nil {
		return execspec.Result{}, fmt.Errorf("engine: wipe workdir: %w", err)
	}
	if err := e.reg.SetStatus(id, registry.StatusRunning); err != nil {
		return execspec.Result{}, fmt.Errorf("engine: set status running: %w", err)
	}

	workDir := e.reg.WorkDir(id)

	if req.Source.IsCode() {
		argv, err := langs.Prepare(req.Source.LanguageTag, req.Source.SourceBytes, workDir)
		if err != nil {
			return execspec.Result{
				Status:  execspec.StatusRuntimeError,
				Message: err.Error(),
			}, nil
		}
		req.Source.Argv = argv
	}

	cgHandle, degraded, err := cgroup.Prepare(e.cgroupRoot, string(id), req.Limits)
	if err != nil {
		return execspec.Result{}, fmt.Errorf("engine: prepare cgroup: %w", err)
	}
	if cgHandle != nil {
		if err := e.reg.SetCgroupPath(id, cgHandle.Path); err != nil {
			e.log.Warn("failed to persist cgroup path", slog.Any("err", err))
		}
	}

	fsSpec := fsbuild.Spec{
		WorkDir:      workDir,
		StorageBytes: 256 << 20,
		Hostname:     "box-" + string(id),
	}

	launchOpts := supervisor.Options{
		BoxID:      string(id),
		Request:    req,
		FS:         fsSpec,
		Cgroup:     cgHandle,
		Hostname:   fsSpec.Hostname,
		CapOptions: caps.Options{},
		SeccompOpt: seccomp.Options{EnableNetwork: req.Limits.EnableNetwork},
		Log:        e.log,
	}

	proc, err := supervisor.Launch(launchOpts)
	if err != nil {
		if cgHandle != nil {
			_ = cgHandle.Destroy()
		}
		return execspec.Result{}, fmt.Errorf("engine: launch: %w", err)
	}

	mon := monitor.New(cgHandle, req.Limits, e.log)
	stop, wait := mon.Watch(proc.Kill)

	start := time.Now()
	ws, waitErr := proc.Wait()
	wallElapsed := time.Since(start)
	stop()

	if proc.OutputExceeded() {
		mon.Report(execspec.StatusOutputLimitExceeded, "stdout/stderr exceeded the output limit")
	}
	if ws.Signaled() && ws.Signal() == unix.SIGXCPU {
		mon.Report(execspec.StatusTimeLimitExceeded, "cpu-time limit exceeded (SIGXCPU)")
	}

	status, note, set := wait()

	var snap cgroup.Snapshot
	if cgHandle != nil {
		snap = cgHandle.Observe()
		if err := cgHandle.Destroy(); err != nil {
			e.log.Warn("cgroup teardown failed", slog.Any("err", err))
		}
	}
	if proc.Network() != nil {
		if err := proc.Network().Cleanup(); err != nil {
			e.log.Warn("network teardown failed", slog.Any("err", err))
		}
	}

	if err := e.reg.SetStatus(id, registry.StatusTerminated); err != nil {
		e.log.Warn("failed to set terminated status", slog.Any("err", err))
	}

	result := execspec.Result{
		WallTimeMs:      wallElapsed.Milliseconds(),
		CPUTimeMs:       int64(snap.CPUUsageNanos / 1_000_000),
		PeakMemoryBytes: snap.PeakMemoryBytes,
		StdoutBytes:     proc.Stdout(),
		StderrBytes:     proc.Stderr(),
		Degraded:        degraded,
	}

	switch {
	case waitErr != nil:
		result.Status = execspec.StatusInternalError
		result.Message = waitErr.Error()
	case set:
		result.Status = status
		result.Message = note
	case ws.Exited():
		code := ws.ExitStatus()
		result.ExitCode = &code
		if code == 0 {
			result.Status = execspec.StatusSuccess
		} else {
			result.Status = execspec.StatusRuntimeError
		}
	case ws.Signaled():
		sig := int(ws.Signal())
		result.TerminationSignal = &sig
		result.Status = execspec.StatusRuntimeError
		result.Message = fmt.Sprintf("terminated by signal %d", sig)
	default:
		result.Status = execspec.StatusInternalError
		result.Message = "process exited with an unrecognized wait status"
	}

	return result, nil
}

// Cleanup idempotently tears down a box's residual state, per §3's
// cleanup(box-id) operation. It always succeeds from the caller's
// perspective (§6: the cleanup CLI verb always exits 0).
func (e *Engine) Cleanup(id boxid.ID) error {
	guard, err := e.reg.Locks().Acquire(id)
	if err != nil {
		e.log.Warn("cleanup: lock busy, proceeding best-effort", slog.Any("err", err))
	} else {
		defer guard.Release()
	}
	return e.reg.Cleanup(id)
}

// Sweep reclaims boxes left behind by a crashed supervisor, per §4.6 and
// §8 scenario 6. Intended to run once at process startup.
func (e *Engine) Sweep() ([]boxid.ID, error) {
	if pruned, err := netns.PruneOrphanedVeths(); err != nil {
		e.log.Warn("failed to prune orphaned veth interfaces", slog.Any("err", err))
	} else if len(pruned) > 0 {
		e.log.Info("pruned orphaned veth interfaces", slog.Any("interfaces", pruned))
	}
	return e.reg.Sweep()
}
