//go:build linux

package lock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustbox/rustbox/internal/boxid"
	"github.com/rustbox/rustbox/internal/lock"
)

func TestAcquire_ThenBusy(t *testing.T) {
	m := lock.New(t.TempDir())
	id, err := boxid.Parse("box-1")
	require.NoError(t, err)

	guard, err := m.Acquire(id)
	require.NoError(t, err)
	defer guard.Release()

	_, err = m.Acquire(id)
	assert.ErrorIs(t, err, lock.ErrBusy)
}

func TestRelease_AllowsReacquire(t *testing.T) {
	m := lock.New(t.TempDir())
	id, err := boxid.Parse("box-2")
	require.NoError(t, err)

	guard, err := m.Acquire(id)
	require.NoError(t, err)
	require.NoError(t, guard.Release())

	guard2, err := m.Acquire(id)
	require.NoError(t, err)
	assert.NoError(t, guard2.Release())
}

func TestProbe_NoSentinel(t *testing.T) {
	m := lock.New(t.TempDir())
	id, err := boxid.Parse("box-3")
	require.NoError(t, err)

	held, err := m.Probe(id)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProbe_HeldByThisProcess(t *testing.T) {
	m := lock.New(t.TempDir())
	id, err := boxid.Parse("box-4")
	require.NoError(t, err)

	guard, err := m.Acquire(id)
	require.NoError(t, err)
	defer guard.Release()

	held, err := m.Probe(id)
	require.NoError(t, err)
	assert.True(t, held)
}
