//go:build linux

// Package monitor implements the Limit Monitor (§4.5): an epoll-driven
// event loop that races wall-clock expiry, cgroup OOM notification, and
// the cgroup's process count against the supervised process's natural
// exit, and resolves the first genuine limit violation into an
// execspec.Status under a single mutex-guarded "first writer wins" slot.
// Output-limit overflow and SIGXCPU are not watched by the loop; the
// engine pushes them in through Report.
//
// Grounded on the teacher's own event-driven style (sandbox.Wait's
// blocking Wait4 loop) generalized with an epoll+timerfd loop in the
// manner of the pack's judge-sandbox engine (engine_linux.go's
// time.After/select race), translated here to epoll so a single
// goroutine can wait on the wall-clock timer, the cgroup's OOM eventfd,
// and process exit without spinning.
package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/cgroup"
	"github.com/rustbox/rustbox/internal/execspec"
)

// outcome is the single mutex-guarded slot described in §4.5: the first
// goroutine to observe a terminal condition wins, all later observations
// are discarded unless they'd outrank (Beats) the recorded one.
type outcome struct {
	status execspec.Status
	note   string
	set    bool
}

// Monitor races a running process against its wall-clock and memory
// limits, reporting whichever terminal condition is observed first (by
// priority, per execspec.Status.Beats).
type Monitor struct {
	log    *slog.Logger
	cg     *cgroup.Handle
	limits execspec.Limits

	resultCh chan outcome
}

// New builds a Monitor for one execution. cg may be nil if the cgroup
// controller degraded (§4.2 "Degraded" path); in that case OOM detection
// falls back to the child's own exit status (the kernel OOM-killer outside
// the cgroup, or an RLIMIT_AS ENOMEM from the allocator).
func New(cg *cgroup.Handle, limits execspec.Limits, log *slog.Logger) *Monitor {
	m := &Monitor{
		log:      log,
		cg:       cg,
		limits:   limits,
		resultCh: make(chan outcome, 1),
	}
	// Seed the slot with a no-outcome placeholder so wait() never blocks on
	// the ordinary zero-signal exit path, where the epoll loop only ever
	// observes stopFd and returns without reporting anything. Any real
	// report() beats it (StatusSuccess sits in the same lowest-priority
	// bucket as "no outcome yet").
	m.resultCh <- outcome{status: execspec.StatusSuccess, set: false}
	return m
}

// killFunc sends the process (and its whole cgroup) a SIGKILL; passed in
// by the engine as supervisor.Process.Kill.
type killFunc func() error

// Watch starts the epoll loop in the background. Call Stop once the
// process has been reaped through the normal path to cancel the loop
// without it reporting a spurious limit violation. wait blocks until the
// loop has returned (after stop, or once a limit fired) and then yields
// the recorded outcome.
func (m *Monitor) Watch(kill killFunc) (stop func(), wait func() (execspec.Status, string, bool)) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		m.log.Error("monitor: epoll_create1 failed", slog.Any("err", err))
		return func() {}, func() (execspec.Status, string, bool) { return execspec.StatusInternalError, err.Error(), true }
	}

	stopEventFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return func() {}, func() (execspec.Status, string, bool) { return execspec.StatusInternalError, err.Error(), true }
	}

	timerFd, wallArmed := m.armWallTimer()

	if err := epollAdd(epfd, stopEventFd); err != nil {
		m.log.Warn("monitor: epoll_ctl stop fd failed", slog.Any("err", err))
	}
	if wallArmed {
		if err := epollAdd(epfd, timerFd); err != nil {
			m.log.Warn("monitor: epoll_ctl timer fd failed", slog.Any("err", err))
		}
	}

	var memEventsFd int = -1
	if m.cg != nil {
		if fd, err := m.cg.OOMEventFd(); err == nil {
			memEventsFd = fd
			if err := epollAddPri(epfd, memEventsFd); err != nil {
				m.log.Warn("monitor: epoll_ctl oom fd failed", slog.Any("err", err))
			}
		}
	}

	done := make(chan struct{})
	go m.loop(epfd, stopEventFd, timerFd, memEventsFd, kill, done)

	stop = func() {
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(stopEventFd, one[:])
		<-done
		_ = unix.Close(epfd)
		_ = unix.Close(stopEventFd)
		if timerFd >= 0 {
			_ = unix.Close(timerFd)
		}
		if memEventsFd >= 0 {
			_ = unix.Close(memEventsFd)
		}
	}

	wait = func() (execspec.Status, string, bool) {
		<-done // the loop has returned, through stop() or a fired limit
		o := <-m.resultCh
		m.resultCh <- o // allow multiple callers to observe the same terminal outcome
		return o.status, o.note, o.set
	}

	return stop, wait
}

func (m *Monitor) armWallTimer() (fd int, armed bool) {
	wall := m.limits.WallTimeOrDefault()
	if wall <= 0 {
		return -1, false
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		m.log.Warn("monitor: timerfd_create failed", slog.Any("err", err))
		return -1, false
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(wall.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		m.log.Warn("monitor: timerfd_settime failed", slog.Any("err", err))
		_ = unix.Close(tfd)
		return -1, false
	}
	return tfd, true
}

func epollAdd(epfd, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// epollAddPri registers fd for the out-of-band readiness cgroup v2's
// memory.events file uses to signal updates.
func epollAddPri(epfd, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLPRI, Fd: int32(fd)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (m *Monitor) loop(epfd, stopFd, timerFd, memEventsFd int, kill killFunc, done chan struct{}) {
	defer close(done)
	events := make([]unix.EpollEvent, 4)

	const pollInterval = 200 * time.Millisecond
	for {
		n, err := unix.EpollWait(epfd, events, int(pollInterval/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.report(execspec.StatusInternalError, fmt.Sprintf("epoll_wait: %v", err))
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case stopFd:
				return
			case timerFd:
				m.report(execspec.StatusWallTimeExceeded, "wall-clock limit exceeded")
				_ = kill()
				return
			case memEventsFd:
				if m.cg != nil && m.cg.Observe().OOMKilled {
					m.report(execspec.StatusMemoryLimitExceeded, "cgroup reported an OOM kill")
					_ = kill()
					return
				}
			}
		}

		// Poll-based checks that have no dedicated fd: cgroup pids
		// accounting and process-count overflow. Sampled on the same
		// cadence as epoll's timeout so this never busy-spins.
		if m.cg != nil {
			snap := m.cg.Observe()
			if snap.OOMKilled {
				m.report(execspec.StatusMemoryLimitExceeded, "cgroup reported an OOM kill")
				_ = kill()
				return
			}
			if m.limits.MaxProcesses > 0 && snap.PidsCurrent > m.limits.MaxProcesses {
				m.report(execspec.StatusProcessLimitExceeded, "process count exceeded limit")
				_ = kill()
				return
			}
		}
	}
}

// Report allows the engine to push a terminal outcome observed outside
// the epoll loop (e.g. SIGXCPU delivered to the reaped process, or the
// stdio collectors reporting output overflow) into the same priority
// arbitration used by the loop itself.
func (m *Monitor) Report(status execspec.Status, note string) {
	m.report(status, note)
}

func (m *Monitor) report(status execspec.Status, note string) {
	select {
	case o := <-m.resultCh:
		if !o.set || status.Beats(o.status) {
			m.resultCh <- outcome{status: status, note: note, set: true}
		} else {
			m.resultCh <- o
		}
	default:
		m.resultCh <- outcome{status: status, note: note, set: true}
	}
}
