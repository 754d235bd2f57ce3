//go:build linux

package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectVersion_V2(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory pids\n"), 0o644))

	v, err := detectVersion(root)
	require.NoError(t, err)
	assert.Equal(t, V2, v)
}

func TestDetectVersion_V1(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "memory"), 0o755))

	v, err := detectVersion(root)
	require.NoError(t, err)
	assert.Equal(t, V1, v)
}

func TestDetectVersion_Neither(t *testing.T) {
	_, err := detectVersion(t.TempDir())
	assert.Error(t, err)
}

func TestReadUint(t *testing.T) {
	f := filepath.Join(t.TempDir(), "value")
	require.NoError(t, os.WriteFile(f, []byte("12345\n"), 0o644))

	v, err := readUint(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), v)
}

func TestReadUint_Empty(t *testing.T) {
	f := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(f, []byte(""), 0o644))

	_, err := readUint(f)
	assert.Error(t, err)
}

func TestObserveV2_ParsesFiles(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(path, "memory.peak"), []byte("1048576\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "pids.current"), []byte("3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "memory.events"), []byte("low 0\nhigh 0\nmax 0\noom 0\noom_kill 1\n"), 0o644))

	h := &Handle{Version: V2, Path: path}
	snap := h.Observe()

	assert.Equal(t, uint64(1048576), snap.PeakMemoryBytes)
	assert.Equal(t, 3, snap.PidsCurrent)
	assert.True(t, snap.OOMKilled)
}

func TestObserveV2_NoOOM(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(path, "memory.events"), []byte("oom_kill 0\n"), 0o644))

	h := &Handle{Version: V2, Path: path}
	assert.False(t, h.Observe().OOMKilled)
}

func TestObserveV1_ParsesFiles(t *testing.T) {
	memDir := t.TempDir()
	pidsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(memDir, "memory.max_usage_in_bytes"), []byte("2048\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(memDir, "memory.oom_control"), []byte("under_oom 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pidsDir, "pids.current"), []byte("2\n"), 0o644))

	h := &Handle{Version: V1, v1Paths: map[string]string{"memory": memDir, "pids": pidsDir}}
	snap := h.Observe()

	assert.Equal(t, uint64(2048), snap.PeakMemoryBytes)
	assert.Equal(t, 2, snap.PidsCurrent)
	assert.True(t, snap.OOMKilled)
}

func TestOOMEventFd_RejectsV1(t *testing.T) {
	h := &Handle{Version: V1, v1Paths: map[string]string{}}
	_, err := h.OOMEventFd()
	assert.Error(t, err)
}

func TestNilHandle_IsSafe(t *testing.T) {
	var h *Handle
	assert.Equal(t, Snapshot{}, h.Observe())
	assert.NoError(t, h.Enter(123))
	assert.NoError(t, h.Kill())
	assert.NoError(t, h.Destroy())
}
