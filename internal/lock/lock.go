//go:build linux

// Package lock implements the advisory file-lock registry (§4.1) that
// guarantees at most one live supervisor per box-id per host.
//
// The sentinel file's exclusive flock is the true authority; the pid/uid/
// epoch written into its contents are diagnostics only. Because flock is
// owned by the open file description and released by the kernel on process
// exit — including SIGKILL — a crashed supervisor can never leave the lock
// held, only its sentinel file behind. The next acquirer is expected to
// treat a stale sentinel as routine and simply overwrite it.
package lock

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rustbox/rustbox/internal/boxid"
	"golang.org/x/sys/unix"
)

// ErrBusy is returned by Acquire when another live process already holds
// the box's lock.
var ErrBusy = errors.New("lock busy")

// ErrOwnershipMismatch is returned when a non-root caller attempts to
// acquire a sentinel owned by a different uid.
var ErrOwnershipMismatch = errors.New("lock ownership mismatch")

// Sentinel is the parsed contents of a lock file, per §3 LockSentinel.
type Sentinel struct {
	PID   int
	UID   int
	Epoch uint64
}

// Guard represents a held lock. Its release is scoped: callers should
// defer guard.Release() immediately after a successful Acquire so that the
// lock is freed on every exit path, including panics, mirroring the
// kernel's own guarantee that flock is released on process death.
type Guard struct {
	file *os.File
	path string
	uid  int
}

// Manager is the Lock Manager for a given state root.
type Manager struct {
	locksDir string
}

// New creates a Lock Manager rooted at <state_root>/locks.
func New(stateRoot string) *Manager {
	return &Manager{locksDir: filepath.Join(stateRoot, "locks")}
}

func (m *Manager) pathFor(id boxid.ID) string {
	return filepath.Join(m.locksDir, string(id)+".lock")
}

// Acquire attempts to take the exclusive advisory lock for id. On success
// it truncates the sentinel, writes {pid, uid, epoch}, fsyncs, and returns
// a Guard. On contention it returns ErrBusy wrapping the pid read from the
// sentinel for diagnostics.
func (m *Manager) Acquire(id boxid.ID) (*Guard, error) {
	if err := os.MkdirAll(m.locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}

	path := m.pathFor(id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock sentinel: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			sentinel, readErr := readSentinel(path)
			if readErr == nil {
				return nil, fmt.Errorf("%w: held by pid %d", ErrBusy, sentinel.PID)
			}
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	callerUID := os.Geteuid()
	if existing, readErr := readSentinel(path); readErr == nil && callerUID != 0 && existing.UID != callerUID {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, ErrOwnershipMismatch
	}

	epoch := uint64(time.Now().UnixNano())
	if err := writeSentinel(file, Sentinel{PID: os.Getpid(), UID: callerUID, Epoch: epoch}); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write sentinel: %w", err)
	}

	return &Guard{file: file, path: path, uid: callerUID}, nil
}

// Release unlocks and closes the guard's sentinel file, unlinking the
// sentinel only if this guard still holds the flock (checked implicitly:
// we hold it until this call, so the unlink below is always safe for the
// process that owns the Guard).
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	defer func() {
		g.file.Close()
		g.file = nil
	}()

	// Verify we still own the lock before unlinking — another process may
	// have raced in if this guard's file is stale, though under normal
	// operation that cannot happen since flock is held until Release.
	if err := unix.Flock(int(g.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// We don't hold it anymore (shouldn't happen); don't unlink.
		return fmt.Errorf("release: lock no longer held: %w", err)
	}

	_ = os.Remove(g.path)
	return unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
}

// Probe reports whether the lock for id is currently held by a live
// process, without acquiring it. It is used by the Box Registry's startup
// sweep to decide whether a box directory belongs to a crashed supervisor.
func (m *Manager) Probe(id boxid.ID) (held bool, err error) {
	path := m.pathFor(id)
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return false, nil
}

func writeSentinel(f *os.File, s Sentinel) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d %d %d\n", s.PID, s.UID, s.Epoch); err != nil {
		return err
	}
	return f.Sync()
}

func readSentinel(path string) (Sentinel, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sentinel{}, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return Sentinel{}, fmt.Errorf("empty sentinel")
	}
	var s Sentinel
	if _, err := fmt.Sscanf(sc.Text(), "%d %d %d", &s.PID, &s.UID, &s.Epoch); err != nil {
		return Sentinel{}, fmt.Errorf("malformed sentinel: %w", err)
	}
	return s, nil
}
