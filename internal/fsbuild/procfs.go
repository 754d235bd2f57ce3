//go:build linux

package fsbuild

import (
	"errors"
	"fmt"
	"os"
	"path"

	"golang.org/x/sys/unix"
)

// readOnlyProcPaths are bind-remounted read-only, on top of the already
// read-only-by-default proc mount, to defend against kernels that expose
// writable knobs under these paths.
var readOnlyProcPaths = []string{
	"/proc/sys",
	"/proc/sysrq-trigger",
	"/proc/irq",
	"/proc/bus",
	"/proc/fs",
}

// maskedProcPaths are hidden entirely: information disclosure or host
// control surfaces that have no business being visible to a judged
// program, per §4.3's "hardened /proc".
var maskedProcPaths = []string{
	"/proc/asound",
	"/proc/acpi",
	"/proc/interrupts",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/proc/firmware",
}

func isDirectory(p string) (bool, error) {
	st, err := os.Lstat(p)
	if err != nil {
		return false, err
	}
	return st.Mode().IsDir(), nil
}

// MountProc mounts a procfs at base/proc with hidepid=2 (processes cannot
// see each other) and masks or read-only-remounts the subpaths that leak
// host state or control surfaces, per §4.3.
func MountProc(base string) error {
	if base == "" {
		return unix.EINVAL
	}

	target := path.Join(base, "/proc")
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	if err := unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "hidepid=2"); err != nil {
		// hidepid is not recognized by all kernels; retry without it.
		if err := unix.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
			return err
		}
	}

	for _, sub := range maskedProcPaths {
		t := path.Join(base, sub)
		if _, err := os.Lstat(t); err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
				continue
			}
			return fmt.Errorf("stat %s: %w", t, err)
		}

		dir, err := isDirectory(t)
		if err != nil {
			return fmt.Errorf("isDirectory %s: %w", t, err)
		}

		if dir {
			if err := unix.Mount("tmpfs", t, "tmpfs",
				unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV|unix.MS_RDONLY, "size=0"); err != nil {
				continue
			}
		} else {
			if err := unix.Mount("/dev/null", t, "", unix.MS_BIND, ""); err != nil {
				continue
			}
			if err := unix.Mount("", t, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|
				unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
				_ = unix.Unmount(t, unix.MNT_DETACH)
				continue
			}
		}
	}

	for _, sub := range readOnlyProcPaths {
		t := path.Join(base, sub)
		if _, err := os.Lstat(t); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat %s: %w", t, err)
		}

		if err := unix.Mount(t, t, "", unix.MS_BIND, ""); err != nil {
			continue
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
		if err := unix.Mount("", t, "", flags, ""); err != nil {
			_ = unix.Unmount(t, unix.MNT_DETACH)
			continue
		}
	}

	return nil
}
