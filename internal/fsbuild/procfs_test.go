//go:build linux

package fsbuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDirectory_Dir(t *testing.T) {
	dir, err := isDirectory(t.TempDir())
	require.NoError(t, err)
	assert.True(t, dir)
}

func TestIsDirectory_File(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	dir, err := isDirectory(f)
	require.NoError(t, err)
	assert.False(t, dir)
}

func TestIsDirectory_Missing(t *testing.T) {
	_, err := isDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
