//go:build linux

package fsbuild

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MountSpec is a single bind mount from a host path into the box, adapted
// from the teacher's fs.MountSpec.
type MountSpec struct {
	Host string
	Dest string
	RO   bool
}

// BindMount bind-mounts spec.Host onto base+spec.Dest, creating the target
// (directory or placeholder file, matching the source's type) as needed.
// Symlinked sources are rejected, per §4.3 "no symlink following across
// the box boundary".
func BindMount(base string, spec MountSpec) error {
	if base == "" || spec.Host == "" || spec.Dest == "" {
		return unix.EINVAL
	}
	target := filepath.Join(base, spec.Dest)

	st := &unix.Stat_t{}
	if err := unix.Lstat(spec.Host, st); err != nil {
		return err
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
	case unix.S_IFREG, unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		_ = f.Close()
	case unix.S_IFLNK:
		return fmt.Errorf("bind-mounting symlinks is not supported: %s", spec.Host)
	default:
		return fmt.Errorf("unsupported source file type: %s", spec.Host)
	}

	if err := unix.Mount(spec.Host, target, "", unix.MS_BIND|unix.MS_REC|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("bind mount %s: %w", spec.Host, err)
	}
	if spec.RO {
		if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
			return fmt.Errorf("remount ro %s: %w", target, err)
		}
	}
	return nil
}

// CreateTmpfs mounts a size-bounded tmpfs at path.
func CreateTmpfs(path string, sizeBytes uint64) error {
	if path == "" {
		return unix.EINVAL
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	opts := "mode=755"
	if sizeBytes > 0 {
		opts = fmt.Sprintf("mode=755,size=%d", sizeBytes)
	}
	return unix.Mount("tmpfs", path, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts)
}

// MountTmp ensures /tmp exists with world-writable sticky permissions.
func MountTmp(base string) error {
	if base == "" {
		return nil
	}
	tmp := filepath.Join(base, "tmp")
	if err := os.MkdirAll(tmp, 0o1777); err != nil {
		return err
	}
	return os.Chmod(tmp, os.ModeSticky|0o777)
}
