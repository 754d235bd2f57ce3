//go:build linux

// Package registry implements the Box Registry (§4.6): on-disk state per
// box under <state_root>/boxes/<id>/, plus the idempotent cleanup and
// startup-sweep self-healing path described in §4.6 and §8 scenario 6.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rustbox/rustbox/internal/boxid"
	"github.com/rustbox/rustbox/internal/cgroup"
	"github.com/rustbox/rustbox/internal/lock"
	"golang.org/x/sys/unix"
)

// Status is the mutable lifecycle state of a Box, per §3.
type Status int

const (
	StatusFresh Status = iota
	StatusPrepared
	StatusRunning
	StatusTerminated
	StatusCleanedUp
)

// Metadata is the on-disk JSON record describing a box, written by Init
// and updated across the lifecycle.
type Metadata struct {
	BoxID       string    `json:"box_id"`
	DisplayName string    `json:"display_name,omitempty"`
	UID         int       `json:"uid"`
	GID         int       `json:"gid"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
	KeepState   bool      `json:"keep_state"`
	CgroupPath  string    `json:"cgroup_path,omitempty"`
}

// Registry owns <state_root>/{boxes,locks}.
type Registry struct {
	stateRoot string
	locks     *lock.Manager
	log       *slog.Logger
}

// New creates a Registry rooted at stateRoot.
func New(stateRoot string, log *slog.Logger) *Registry {
	return &Registry{stateRoot: stateRoot, locks: lock.New(stateRoot), log: log}
}

// Locks exposes the registry's Lock Manager so callers can acquire the
// box lock on init and re-enter it on run, per the §2 data flow.
func (r *Registry) Locks() *lock.Manager { return r.locks }

func (r *Registry) boxDir(id boxid.ID) string {
	return filepath.Join(r.stateRoot, "boxes", string(id))
}

func (r *Registry) rootDir(id boxid.ID) string  { return filepath.Join(r.boxDir(id), "root") }
func (r *Registry) workDir(id boxid.ID) string  { return filepath.Join(r.boxDir(id), "work") }
func (r *Registry) metaPath(id boxid.ID) string { return filepath.Join(r.boxDir(id), "metadata.json") }

// Init allocates a fresh box directory with strict permissions and writes
// its metadata record, per §4.6 and the §3 Lifecycle.
func (r *Registry) Init(id boxid.ID, uid, gid int, keepState bool) (Metadata, error) {
	dir := r.boxDir(id)
	for _, sub := range []string{dir, r.rootDir(id), r.workDir(id)} {
		if err := os.MkdirAll(sub, 0o700); err != nil {
			return Metadata{}, fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}

	meta := Metadata{
		BoxID:     string(id),
		UID:       uid,
		GID:       gid,
		CreatedAt: time.Now(),
		Status:    StatusFresh,
		KeepState: keepState,
	}
	if err := r.writeMetadata(id, meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Load reads back a box's metadata.
func (r *Registry) Load(id boxid.ID) (Metadata, error) {
	var meta Metadata
	b, err := os.ReadFile(r.metaPath(id))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("parse metadata: %w", err)
	}
	return meta, nil
}

func (r *Registry) writeMetadata(id boxid.ID, meta Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(r.metaPath(id), b, 0o600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// SetStatus persists a status transition for id.
func (r *Registry) SetStatus(id boxid.ID, status Status) error {
	meta, err := r.Load(id)
	if err != nil {
		return err
	}
	meta.Status = status
	return r.writeMetadata(id, meta)
}

// SetDisplayName records a human-friendly label for id, purely for
// diagnostics — it never participates in path construction or locking.
func (r *Registry) SetDisplayName(id boxid.ID, name string) error {
	meta, err := r.Load(id)
	if err != nil {
		return err
	}
	meta.DisplayName = name
	return r.writeMetadata(id, meta)
}

// SetCgroupPath records the cgroup path applied to a box, so a crash-time
// sweep can find it again to finish tearing it down.
func (r *Registry) SetCgroupPath(id boxid.ID, path string) error {
	meta, err := r.Load(id)
	if err != nil {
		return err
	}
	meta.CgroupPath = path
	return r.writeMetadata(id, meta)
}

// WipeWorkdir clears the per-run workdir between runs, unless the box was
// initialized with keepState, per the §3 Lifecycle note.
func (r *Registry) WipeWorkdir(id boxid.ID) error {
	meta, err := r.Load(id)
	if err != nil {
		return err
	}
	if meta.KeepState {
		return nil
	}
	work := r.workDir(id)
	if err := os.RemoveAll(work); err != nil {
		return fmt.Errorf("wipe workdir: %w", err)
	}
	return os.MkdirAll(work, 0o700)
}

// WorkDir returns the box's persistent work directory.
func (r *Registry) WorkDir(id boxid.ID) string { return r.workDir(id) }

// RootDir returns the box's isolated-filesystem root directory.
func (r *Registry) RootDir(id boxid.ID) string { return r.rootDir(id) }

// Cleanup is the unconditional, idempotent teardown described in §4.6 and
// §6 (the `cleanup` CLI verb always exits 0). It unmounts any residual
// mounts under root/ in reverse order, destroys the cgroup if one is
// recorded, removes the box directory tree, and unlinks the lock sentinel
// last — matching §I4: on success no trace of the box remains.
func (r *Registry) Cleanup(id boxid.ID) error {
	dir := r.boxDir(id)

	meta, metaErr := r.Load(id)
	if metaErr == nil && meta.CgroupPath != "" {
		if err := cgroup.Destroy(meta.CgroupPath); err != nil {
			r.logWarn("cgroup teardown failed during cleanup", err)
		}
	}

	if err := unmountTree(r.rootDir(id), r.log); err != nil {
		r.logWarn("unmount tree failed during cleanup", err)
	}

	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove box dir: %w", err)
	}

	// Unlink the sentinel last, per §4.6 ordering.
	path := filepath.Join(r.stateRoot, "locks", string(id)+".lock")
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logWarn("remove lock sentinel failed during cleanup", err)
	}

	return nil
}

func (r *Registry) logWarn(msg string, err error) {
	if r.log != nil {
		r.log.Warn(msg, slog.Any("err", err))
	}
}

// unmountTree walks /proc/self/mountinfo for mount points under root and
// unmounts them in reverse (deepest-first, i.e. LIFO) order, so that a
// crashed or partially-set-up box never leaves dangling mounts behind.
func unmountTree(root string, log *slog.Logger) error {
	mounts, err := mountsUnder(root)
	if err != nil {
		return err
	}
	var lastErr error
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := unix.Unmount(mounts[i], unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
			lastErr = err
			if log != nil {
				log.Warn("failed to unmount", slog.String("path", mounts[i]), slog.Any("err", err))
			}
		}
	}
	return lastErr
}

// mountsUnder returns the mount points found under root, in the order
// they appear in /proc/self/mountinfo (i.e. mount order, so the caller can
// reverse it for LIFO unmounting).
func mountsUnder(root string) ([]string, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	prefix := filepath.Clean(root) + string(filepath.Separator)
	for _, line := range splitLines(string(data)) {
		fields := splitFields(line)
		// mountinfo field 5 (0-indexed 4) is the mount point.
		if len(fields) < 5 {
			continue
		}
		mp := fields[4]
		if mp == root || (len(mp) > len(prefix) && mp[:len(prefix)] == prefix) {
			out = append(out, mp)
		}
	}
	return out, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ' ' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return fields
}

// Sweep scans boxes/* and reclaims any whose lock is not held by a live
// process but whose directory still exists — the self-healing path for
// previously-crashed supervisors described in §4.6 and exercised by §8
// scenario 6 (crash recovery).
func (r *Registry) Sweep() ([]boxid.ID, error) {
	boxesDir := filepath.Join(r.stateRoot, "boxes")
	entries, err := os.ReadDir(boxesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reclaimed []boxid.ID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := boxid.Parse(e.Name())
		if err != nil {
			continue
		}
		held, err := r.locks.Probe(id)
		if err != nil {
			r.logWarn(fmt.Sprintf("probe failed for box %s", id), err)
			continue
		}
		if held {
			continue
		}
		if err := r.Cleanup(id); err != nil {
			r.logWarn(fmt.Sprintf("sweep cleanup failed for box %s", id), err)
			continue
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}
