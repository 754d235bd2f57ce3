//go:build linux

package fsbuild_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/fsbuild"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if unix.Geteuid() != 0 {
		t.Skip("bind-mounting requires root")
	}
}

func TestBindMount_Directory(t *testing.T) {
	requireRoot(t)

	hostDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "marker"), []byte("hi"), 0o644))

	base := t.TempDir()
	err := fsbuild.BindMount(base, fsbuild.MountSpec{Host: hostDir, Dest: "/mnt", RO: false})
	require.NoError(t, err)
	defer unix.Unmount(filepath.Join(base, "mnt"), unix.MNT_DETACH)

	got, err := os.ReadFile(filepath.Join(base, "mnt", "marker"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestBindMount_RejectsSymlink(t *testing.T) {
	requireRoot(t)

	hostDir := t.TempDir()
	link := filepath.Join(hostDir, "link")
	require.NoError(t, os.Symlink("/etc/passwd", link))

	base := t.TempDir()
	err := fsbuild.BindMount(base, fsbuild.MountSpec{Host: link, Dest: "/passwd"})
	assert.Error(t, err)
}

func TestBindMount_MissingSource(t *testing.T) {
	base := t.TempDir()
	err := fsbuild.BindMount(base, fsbuild.MountSpec{Host: "/does/not/exist", Dest: "/x"})
	assert.Error(t, err)
}

func TestBindMount_RejectsEmptyFields(t *testing.T) {
	assert.Error(t, fsbuild.BindMount("", fsbuild.MountSpec{Host: "/tmp", Dest: "/x"}))
	assert.Error(t, fsbuild.BindMount("/tmp", fsbuild.MountSpec{Dest: "/x"}))
	assert.Error(t, fsbuild.BindMount("/tmp", fsbuild.MountSpec{Host: "/tmp"}))
}

func TestCreateTmpfs(t *testing.T) {
	requireRoot(t)

	path := filepath.Join(t.TempDir(), "tmpfs-mount")
	require.NoError(t, fsbuild.CreateTmpfs(path, 16<<20))
	defer unix.Unmount(path, unix.MNT_DETACH)

	assert.DirExists(t, path)
}

func TestMountTmp_CreatesStickyWorldWritable(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, fsbuild.MountTmp(base))

	info, err := os.Stat(filepath.Join(base, "tmp"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSticky)
}
