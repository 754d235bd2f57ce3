//go:build linux

package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSubidFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subuid")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFirstSubidRange_Found(t *testing.T) {
	path := writeSubidFile(t, "# comment\n\nroot:100000:65536\nalice:165536:65536\n")

	start, length, err := firstSubidRange(path, "alice")
	require.NoError(t, err)
	assert.Equal(t, 165536, start)
	assert.Equal(t, 65536, length)
}

func TestFirstSubidRange_NotFound(t *testing.T) {
	path := writeSubidFile(t, "root:100000:65536\n")

	_, _, err := firstSubidRange(path, "nobody")
	assert.Error(t, err)
}

func TestFirstSubidRange_SkipsMalformedLines(t *testing.T) {
	path := writeSubidFile(t, "alice:not-a-number:65536\nalice:165536:65536\n")

	start, length, err := firstSubidRange(path, "alice")
	require.NoError(t, err)
	assert.Equal(t, 165536, start)
	assert.Equal(t, 65536, length)
}

func TestFirstSubidRange_MissingFile(t *testing.T) {
	_, _, err := firstSubidRange(filepath.Join(t.TempDir(), "nope"), "alice")
	assert.Error(t, err)
}
