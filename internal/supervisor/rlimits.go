//go:build linux

package supervisor

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/execspec"
)

// defaultFileSizeBytes bounds how much a box can write to any single file,
// a defensive backstop independent of the output-byte cap the stdio
// collectors apply to stdout/stderr specifically.
const defaultFileSizeBytes = 1 << 30 // 1 GiB

// defaultStackBytes is generous enough for normal recursion depths while
// still bounding a runaway stack allocation.
const defaultStackBytes = 64 << 20 // 64 MiB

// applyRlimits installs the defensive per-process limits that back up the
// cgroup accounting, per §4.2's "RLIMIT_AS/RLIMIT_CPU/... layered atop
// cgroup limits". These limits are a second line of defense: the cgroup
// and the Limit Monitor's own sampling are the primary enforcement path,
// since RLIMIT_CPU delivers SIGXCPU (not guaranteed instant death) and
// RLIMIT_AS only bounds virtual address space, not RSS.
func applyRlimits(limits execspec.Limits) error {
	if limits.MemBytes > 0 {
		as := limits.MemBytes
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: as, Max: as}); err != nil {
			return err
		}
	}

	if limits.CPUSeconds > 0 {
		cpu := uint64(math.Ceil(limits.CPUSeconds)) + 1
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu}); err != nil {
			return err
		}
	}

	if limits.MaxOpenFiles > 0 {
		n := uint64(limits.MaxOpenFiles)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: n, Max: n}); err != nil {
			return err
		}
	}

	if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: defaultFileSizeBytes, Max: defaultFileSizeBytes}); err != nil {
		return err
	}
	if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: defaultStackBytes, Max: defaultStackBytes}); err != nil {
		return err
	}

	if limits.MaxProcesses > 0 {
		n := uint64(limits.MaxProcesses)
		// Best-effort: most distributions restrict RLIMIT_NPROC to the
		// real uid, which inside a fresh user namespace maps to the
		// mapped uid; the cgroup pids controller is the authoritative
		// enforcement point for this limit (§4.2).
		_ = unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: n, Max: n})
	}

	return nil
}
