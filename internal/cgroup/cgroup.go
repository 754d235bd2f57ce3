//go:build linux

// Package cgroup implements the Cgroup Controller (§4.2): it creates,
// configures, and destroys a per-box cgroup carrying memory, cpu, and pids
// limits, auto-detecting whether the host runs cgroup v1 or the v2 unified
// hierarchy. Destroy is safe to call on a half-prepared handle, matching
// the "scoped acquisition" contract of §4.2.
//
// This generalizes the teacher's sandbox/cgroup.go (which only targeted
// the v2 unified hierarchy under a fixed "microbox" parent) to both
// hierarchies under a configurable root, per SPEC_FULL §12.
package cgroup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rustbox/rustbox/internal/execspec"
)

// Version identifies which cgroup hierarchy a Handle belongs to.
type Version int

const (
	V1 Version = iota
	V2
)

const defaultRoot = "/sys/fs/cgroup"

// Handle is a prepared per-box cgroup.
type Handle struct {
	Version    Version
	Path       string // v2: unified path. v1: the "memory" controller path (every controller's path is in v1Paths).
	v1Paths    map[string]string
	root       string
	name       string
}

// Snapshot is a point-in-time (or final) resource-usage observation, per
// §4.2's observe contract and §I5/§I6.
type Snapshot struct {
	PeakMemoryBytes uint64
	CPUUsageNanos   uint64
	PidsCurrent     int
	OOMKilled       bool
}

// detectVersion inspects root to determine which cgroup hierarchy is
// mounted. Mixing v1 and v2 on the same host (a v1 memory controller next
// to cgroup.controllers or a "unified" v2 mount) is rejected, per §4.2.
func detectVersion(root string) (Version, error) {
	_, v2Err := os.Stat(filepath.Join(root, "cgroup.controllers"))
	_, v1Err := os.Stat(filepath.Join(root, "memory"))
	_, unifiedErr := os.Stat(filepath.Join(root, "unified"))
	switch {
	case v1Err == nil && (v2Err == nil || unifiedErr == nil):
		return 0, fmt.Errorf("mixed cgroup v1/v2 hierarchy under %s is not supported", root)
	case v2Err == nil:
		return V2, nil
	case v1Err == nil:
		return V1, nil
	}
	return 0, fmt.Errorf("cannot detect cgroup hierarchy under %s", root)
}

// Prepare creates and configures a cgroup for box boxID honoring the given
// limits, per §4.2's contract. If strict is set, any controller write
// failure aborts with an error; otherwise it degrades (returns degraded=
// true) and still allows the caller to spawn into the cgroup with fewer
// guarantees, per §4.2 Strict mode / §7.
func Prepare(root, boxID string, limits execspec.Limits) (handle *Handle, degraded bool, err error) {
	if root == "" {
		root = defaultRoot
	}
	version, err := detectVersion(root)
	if err != nil {
		if limits.Strict {
			return nil, false, fmt.Errorf("prepare cgroup: %w", err)
		}
		return nil, true, nil
	}

	name := fmt.Sprintf("rustbox-%s-%d", boxID, time.Now().UnixNano())

	switch version {
	case V2:
		return prepareV2(root, name, limits)
	default:
		return prepareV1(root, name, limits)
	}
}

func writeOrDegrade(path, content string, strict bool, degraded *bool) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		if strict {
			return fmt.Errorf("write %s: %w", path, err)
		}
		*degraded = true
	}
	return nil
}

func prepareV2(root, name string, limits execspec.Limits) (*Handle, bool, error) {
	parent := filepath.Join(root, "rustbox.slice")
	if err := os.MkdirAll(parent, 0o755); err != nil && limits.Strict {
		return nil, false, fmt.Errorf("mkdir %s: %w", parent, err)
	}
	_ = enableControllers(root, "cpu", "memory", "pids")
	_ = enableControllers(parent, "cpu", "memory", "pids")

	path := filepath.Join(parent, name+".scope")
	if err := os.Mkdir(path, 0o755); err != nil {
		if limits.Strict {
			return nil, false, fmt.Errorf("mkdir %s: %w", path, err)
		}
		return nil, true, nil
	}

	var degraded bool

	if limits.MemBytes == 0 {
		_ = writeOrDegrade(filepath.Join(path, "memory.max"), "max", limits.Strict, &degraded)
	} else if err := writeOrDegrade(filepath.Join(path, "memory.max"), strconv.FormatUint(limits.MemBytes, 10), limits.Strict, &degraded); err != nil {
		_ = os.Remove(path)
		return nil, false, err
	}
	// A subprocess OOM kills the whole cgroup.
	_ = os.WriteFile(filepath.Join(path, "memory.oom.group"), []byte("1"), 0o644)

	if limits.MaxProcesses > 0 {
		if err := writeOrDegrade(filepath.Join(path, "pids.max"), strconv.Itoa(limits.MaxProcesses), limits.Strict, &degraded); err != nil {
			_ = os.Remove(path)
			return nil, false, err
		}
	}

	// cpu.max is a fairness cap only; the hard cpu-time kill is enforced by
	// RLIMIT_CPU plus the Limit Monitor's own sampling, per §4.2.
	if limits.CPUSeconds > 0 {
		const period = 100000
		quota := uint64(limits.CPUSeconds * period)
		line := strconv.FormatUint(quota, 10) + " " + strconv.Itoa(period)
		_ = writeOrDegrade(filepath.Join(path, "cpu.max"), line, false, &degraded)
	}

	return &Handle{Version: V2, Path: path, root: root, name: name}, degraded, nil
}

func prepareV1(root, name string, limits execspec.Limits) (*Handle, bool, error) {
	var degraded bool
	paths := map[string]string{}
	for _, ctrl := range []string{"memory", "cpu,cpuacct", "pids"} {
		dir := filepath.Join(root, ctrl, "rustbox", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			if limits.Strict {
				return nil, false, fmt.Errorf("mkdir %s: %w", dir, err)
			}
			degraded = true
			continue
		}
		for _, key := range strings.Split(ctrl, ",") {
			paths[key] = dir
		}
	}

	if dir, ok := paths["memory"]; ok {
		if limits.MemBytes > 0 {
			if err := writeOrDegrade(filepath.Join(dir, "memory.limit_in_bytes"), strconv.FormatUint(limits.MemBytes, 10), limits.Strict, &degraded); err != nil {
				return nil, false, err
			}
		}
		_ = os.WriteFile(filepath.Join(dir, "memory.oom_control"), []byte("0"), 0o644)
	}
	if dir, ok := paths["pids"]; ok && limits.MaxProcesses > 0 {
		if err := writeOrDegrade(filepath.Join(dir, "pids.max"), strconv.Itoa(limits.MaxProcesses), limits.Strict, &degraded); err != nil {
			return nil, false, err
		}
	}
	if dir, ok := paths["cpu"]; ok && limits.CPUSeconds > 0 {
		const period = 100000
		quota := int64(limits.CPUSeconds * period)
		_ = writeOrDegrade(filepath.Join(dir, "cpu.cfs_period_us"), strconv.Itoa(period), false, &degraded)
		_ = writeOrDegrade(filepath.Join(dir, "cpu.cfs_quota_us"), strconv.FormatInt(quota, 10), false, &degraded)
	}

	return &Handle{Version: V1, Path: paths["memory"], v1Paths: paths, root: root, name: name}, degraded, nil
}

func enableControllers(parentPath string, ctrls ...string) error {
	f, err := os.OpenFile(filepath.Join(parentPath, "cgroup.subtree_control"), os.O_WRONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, c := range ctrls {
		if _, err := f.WriteString("+" + c); err != nil && !errors.Is(err, syscall.EBUSY) {
			return err
		}
	}
	return nil
}

// Enter moves pid into the prepared cgroup. Per §5 ordering guarantee (a),
// callers must do this before the child execve's.
func (h *Handle) Enter(pid int) error {
	if h == nil {
		return nil
	}
	b := []byte(strconv.Itoa(pid))
	if h.Version == V2 {
		return os.WriteFile(filepath.Join(h.Path, "cgroup.procs"), b, 0o644)
	}
	var lastErr error
	for _, dir := range h.v1Paths {
		if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), b, 0o644); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Observe reports peak memory, cpu usage, pids.current and whether an OOM
// kill fired, per §I5/§I6.
func (h *Handle) Observe() Snapshot {
	if h == nil {
		return Snapshot{}
	}
	if h.Version == V2 {
		return h.observeV2()
	}
	return h.observeV1()
}

func (h *Handle) observeV2() Snapshot {
	var s Snapshot
	if v, err := readUint(filepath.Join(h.Path, "memory.peak")); err == nil {
		s.PeakMemoryBytes = v
	} else if v, err := readUint(filepath.Join(h.Path, "memory.current")); err == nil {
		s.PeakMemoryBytes = v
	}
	if v, err := readUint(filepath.Join(h.Path, "pids.current")); err == nil {
		s.PidsCurrent = int(v)
	}
	if b, err := os.ReadFile(filepath.Join(h.Path, "memory.events")); err == nil {
		s.OOMKilled = bytes.Contains(b, []byte("oom_kill ")) && !bytes.Contains(b, []byte("oom_kill 0\n"))
	}
	// cpu.stat holds "key value" lines; usage_usec is total CPU time in
	// microseconds.
	if b, err := os.ReadFile(filepath.Join(h.Path, "cpu.stat")); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			if f := strings.Fields(line); len(f) == 2 && f[0] == "usage_usec" {
				if v, err := strconv.ParseUint(f[1], 10, 64); err == nil {
					s.CPUUsageNanos = v * 1000
				}
			}
		}
	}
	return s
}

func (h *Handle) observeV1() Snapshot {
	var s Snapshot
	if dir, ok := h.v1Paths["memory"]; ok {
		if v, err := readUint(filepath.Join(dir, "memory.max_usage_in_bytes")); err == nil {
			s.PeakMemoryBytes = v
		}
		if b, err := os.ReadFile(filepath.Join(dir, "memory.oom_control")); err == nil {
			s.OOMKilled = bytes.Contains(b, []byte("under_oom 1"))
		}
	}
	if dir, ok := h.v1Paths["pids"]; ok {
		if v, err := readUint(filepath.Join(dir, "pids.current")); err == nil {
			s.PidsCurrent = int(v)
		}
	}
	if dir, ok := h.v1Paths["cpuacct"]; ok {
		if v, err := readUint(filepath.Join(dir, "cpuacct.usage")); err == nil {
			s.CPUUsageNanos = v
		}
	}
	return s
}

func readUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := bytes.Fields(b)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty file %s", path)
	}
	return strconv.ParseUint(string(fields[0]), 10, 64)
}

// OOMEventFd returns an open fd on the cgroup's memory-events file,
// suitable for registering with epoll (the kernel signals it readable
// whenever an oom_kill count changes); the caller must Observe to check
// whether the wake was actually an OOM rather than some other event
// field changing. v1 has no equivalent eventfd-based notification this
// package wires up, so it returns an error there and the Limit Monitor
// falls back to polling Observe on its regular cadence.
func (h *Handle) OOMEventFd() (int, error) {
	if h == nil || h.Version != V2 {
		return -1, fmt.Errorf("cgroup: OOM eventfd only available on v2")
	}
	fd, err := syscall.Open(filepath.Join(h.Path, "memory.events"), syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open memory.events: %w", err)
	}
	return fd, nil
}

// Kill destroys every process in the cgroup, per the §4.5 kill discipline:
// always the whole cgroup, never a bare kill(pid) on the direct child.
func (h *Handle) Kill() error {
	if h == nil {
		return nil
	}
	if h.Version == V2 {
		return os.WriteFile(filepath.Join(h.Path, "cgroup.kill"), []byte("1"), 0o644)
	}
	dir, ok := h.v1Paths["memory"]
	if !ok {
		for _, d := range h.v1Paths {
			dir = d
			break
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return err
	}
	for _, f := range bytes.Fields(b) {
		if pid, err := strconv.Atoi(string(f)); err == nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	return nil
}

// Destroy tears the cgroup down, retrying the final rmdir with a bounded
// backoff, per §4.2 Teardown. It is safe on a nil or partially-built
// Handle and never returns an error that should mask an execution result.
func (h *Handle) Destroy() error {
	if h == nil {
		return nil
	}
	_ = h.Kill()

	dirs := h.dirs()
	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		lastErr = nil
		for _, dir := range dirs {
			if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
				lastErr = err
			}
		}
		if lastErr == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("destroy cgroup: %w", lastErr)
}

func (h *Handle) dirs() []string {
	if h.Version == V2 {
		return []string{h.Path}
	}
	seen := map[string]struct{}{}
	var out []string
	for _, d := range h.v1Paths {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Destroy is a package-level convenience used by the registry when
// recovering a cgroup path from persisted metadata after a crash, where
// only the path string (not a live Handle) is available.
func Destroy(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.kill"), []byte("1"), 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		b, rerr := os.ReadFile(filepath.Join(path, "cgroup.procs"))
		if rerr == nil {
			for _, f := range bytes.Fields(b) {
				if pid, err := strconv.Atoi(string(f)); err == nil {
					_ = syscall.Kill(pid, syscall.SIGKILL)
				}
			}
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
