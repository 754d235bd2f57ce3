//go:build linux

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustbox/rustbox/internal/boxid"
	"github.com/rustbox/rustbox/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(t.TempDir(), nil)
}

func TestInit_WritesMetadata(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-1")
	require.NoError(t, err)

	meta, err := r.Init(id, 1000, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFresh, meta.Status)

	loaded, err := r.Load(id)
	require.NoError(t, err)
	assert.Equal(t, meta.BoxID, loaded.BoxID)
	assert.Equal(t, 1000, loaded.UID)
}

func TestSetStatus_Persists(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-2")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, r.SetStatus(id, registry.StatusRunning))

	loaded, err := r.Load(id)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusRunning, loaded.Status)
}

func TestSetDisplayName_Persists(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-name")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, r.SetDisplayName(id, "silly-armadillo"))

	loaded, err := r.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "silly-armadillo", loaded.DisplayName)
}

func TestWipeWorkdir_KeepState(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-3")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, true)
	require.NoError(t, err)

	// KeepState is true: WipeWorkdir must be a no-op, not an error.
	assert.NoError(t, r.WipeWorkdir(id))
}

func TestWipeWorkdir_RecreatesDir(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-4")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, r.WipeWorkdir(id))
	assert.DirExists(t, r.WorkDir(id))
}

func TestCleanup_RemovesBoxDir(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-5")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, r.Cleanup(id))
	assert.NoDirExists(t, r.RootDir(id))

	// Idempotent: cleaning up again must not error.
	assert.NoError(t, r.Cleanup(id))
}

func TestSweep_ReclaimsUnheldBoxes(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-6")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	// No lock was ever acquired for this box, so Sweep must reclaim it.
	reclaimed, err := r.Sweep()
	require.NoError(t, err)
	assert.Contains(t, reclaimed, id)
	assert.NoDirExists(t, r.RootDir(id))
}

func TestSweep_SkipsHeldBoxes(t *testing.T) {
	r := newTestRegistry(t)
	id, err := boxid.Parse("box-7")
	require.NoError(t, err)
	_, err = r.Init(id, 0, 0, false)
	require.NoError(t, err)

	guard, err := r.Locks().Acquire(id)
	require.NoError(t, err)
	defer guard.Release()

	reclaimed, err := r.Sweep()
	require.NoError(t, err)
	assert.NotContains(t, reclaimed, id)
	assert.DirExists(t, r.RootDir(id))
}
