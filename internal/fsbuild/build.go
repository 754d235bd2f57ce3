//go:build linux

// Package fsbuild implements the Namespace & Filesystem Builder (§4.3):
// given a prepared box directory and limits, it constructs the mount
// namespace the supervised process executes in — an overlay rootfs layered
// over a curated read-only view of the host toolchain, a minimal /dev, a
// hardened /proc, and the box's own persistent work directory bound in at
// /box — then pivots into it.
//
// Adapted from the teacher's fs package (fs.go, devfs.go, procfs.go,
// etc.go), generalized from the teacher's single user-supplied rootfs
// path to a curated multi-source overlay lowerdir, and extended with
// rollback tracking so a failure before pivot_root can undo partial
// mounts instead of leaking them, per §4.3's failure policy.
package fsbuild

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// systemAllowlist is the curated set of host directories that give a judged
// program a usable toolchain (libc, interpreters, compilers already
// installed on the host) without exposing the rest of the host filesystem.
// Only entries that exist on the host are included.
var systemAllowlist = []string{
	"/usr",
	"/lib",
	"/lib64",
	"/bin",
	"/sbin",
	"/etc/alternatives",
}

// Spec describes the filesystem a single execution needs.
type Spec struct {
	// WorkDir is the box's own persistent directory on the host (the
	// registry's per-box work dir); it is bound in at /box read-write so
	// the supervised program's cwd and output artifacts land there.
	WorkDir string
	// ExtraLower are additional host directories added to the overlay's
	// read-only lowerdir, ahead of systemAllowlist (e.g. a language
	// runtime's install prefix).
	ExtraLower []string
	// StorageBytes bounds the tmpfs backing the overlay's upper layer,
	// enforcing a crude disk quota (§4.3 "Storage"). /dev/shm is a separate
	// tmpfs with its own fixed size (see MountDev).
	StorageBytes uint64
	ReadOnly     bool
	MountRO      []MountSpec
	MountRW      []MountSpec
	Nameservers  []string
	Hostname     string
}

// Builder tracks mounts made so far so they can be unwound LIFO if
// construction fails before pivot_root, per §4.3's failure policy.
type Builder struct {
	log      *slog.Logger
	mounted  []string
	pivoted  bool
	mergeDir string
}

func newBuilder(log *slog.Logger) *Builder {
	return &Builder{log: log}
}

func (b *Builder) track(path string) {
	b.mounted = append(b.mounted, path)
}

// Unwind lazily unmounts everything tracked, most-recent-first. It is a
// no-op once pivot_root has succeeded, since at that point a partial
// failure is fatal and torn down by the registry's full unmount sweep
// instead (§4.6 Cleanup).
func (b *Builder) Unwind() {
	if b.pivoted {
		return
	}
	for i := len(b.mounted) - 1; i >= 0; i-- {
		if err := unix.Unmount(b.mounted[i], unix.MNT_DETACH); err != nil {
			b.log.Warn("unwind: unmount failed", slog.String("path", b.mounted[i]), slog.Any("err", err))
		}
	}
	b.mounted = nil
}

func existingDirs(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			out = append(out, p)
		}
	}
	return out
}

type overlayFS struct {
	lower string
	upper string
	work  string
	merge string
}

func createOverlay(lowerDirs []string, mountpoint string) (*overlayFS, error) {
	if len(lowerDirs) == 0 || mountpoint == "" {
		return nil, unix.EINVAL
	}
	fs := &overlayFS{
		lower: strings.Join(lowerDirs, ":"),
		upper: filepath.Join(mountpoint, "upper"),
		work:  filepath.Join(mountpoint, "work"),
		merge: filepath.Join(mountpoint, "merged"),
	}
	for _, d := range []string{fs.upper, fs.work, fs.merge} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", fs.lower, fs.upper, fs.work)
	if err := unix.Mount("overlay", fs.merge, "overlay", 0, opts); err != nil {
		return nil, fmt.Errorf("mount overlay: %w", err)
	}
	return fs, nil
}

func pivotTo(newRoot string) error {
	if err := os.Chdir(newRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(".old_root", 0o700); err != nil {
		return err
	}
	if err := unix.PivotRoot(".", "./.old_root"); err != nil {
		return err
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old_root", unix.MNT_DETACH); err != nil {
		return err
	}
	return os.Remove("/.old_root")
}

// Build constructs the box's mount namespace and pivots into it. It must
// run inside the child after CLONE_NEWNS (and ideally CLONE_NEWUSER/uid
// mapping) have taken effect, before capabilities are dropped and seccomp
// is installed, per §4.4's launch sequence.
//
// On success, the caller's root is the box's root and spec.WorkDir is
// mounted at /box. On failure before pivot_root, all partial mounts are
// unwound; the caller must still call Unwind in a defer in case of a
// later step failing, since Build may return early without having pivoted.
func Build(spec Spec, log *slog.Logger) (*Builder, error) {
	b := newBuilder(log)

	if spec.WorkDir == "" {
		return nil, fmt.Errorf("fsbuild: WorkDir is required")
	}

	// Recursive private propagation: changes inside the box's mount
	// namespace must never leak to the host's, and vice versa.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return nil, fmt.Errorf("fsbuild: mark / private: %w", err)
	}

	tmp := "/box-build"
	if err := CreateTmpfs(tmp, spec.StorageBytes); err != nil {
		return nil, fmt.Errorf("fsbuild: create build tmpfs: %w", err)
	}
	b.track(tmp)

	lowerDirs := existingDirs(append(append([]string{}, spec.ExtraLower...), systemAllowlist...))
	if len(lowerDirs) == 0 {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: no system directories available to build an overlay lowerdir")
	}

	ov, err := createOverlay(lowerDirs, tmp)
	if err != nil {
		b.Unwind()
		return nil, err
	}
	b.track(ov.merge)
	b.mergeDir = ov.merge

	if err := MountProc(ov.merge); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: mount proc: %w", err)
	}
	if err := MountDev(ov.merge); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: mount dev: %w", err)
	}
	if err := MountTmp(ov.merge); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: mount /tmp: %w", err)
	}
	if err := SetupEtc(ov.merge, spec.Nameservers, spec.Hostname, log); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: setup /etc: %w", err)
	}

	boxSpec := MountSpec{Host: spec.WorkDir, Dest: "/box", RO: false}
	if err := BindMount(ov.merge, boxSpec); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: bind work dir: %w", err)
	}

	for _, m := range spec.MountRO {
		resolved, err := ResolveWithinBox(ov.merge, m.Dest)
		if err != nil {
			b.Unwind()
			return nil, err
		}
		_ = resolved
		if err := BindMount(ov.merge, MountSpec{Host: m.Host, Dest: m.Dest, RO: true}); err != nil {
			b.Unwind()
			return nil, fmt.Errorf("fsbuild: bind ro %s: %w", m.Dest, err)
		}
	}
	for _, m := range spec.MountRW {
		resolved, err := ResolveWithinBox(ov.merge, m.Dest)
		if err != nil {
			b.Unwind()
			return nil, err
		}
		_ = resolved
		if err := BindMount(ov.merge, MountSpec{Host: m.Host, Dest: m.Dest, RO: false}); err != nil {
			b.Unwind()
			return nil, fmt.Errorf("fsbuild: bind rw %s: %w", m.Dest, err)
		}
	}

	// Past this point, PivotRoot atomically swaps the whole tree; a
	// failure here is treated as fatal InternalError by the supervisor
	// rather than something fsbuild can usefully unwind.
	if err := pivotTo(ov.merge); err != nil {
		b.Unwind()
		return nil, fmt.Errorf("fsbuild: pivot_root: %w", err)
	}
	b.pivoted = true

	if spec.ReadOnly {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return b, fmt.Errorf("fsbuild: remount / ro: %w", err)
		}
	}

	return b, nil
}
