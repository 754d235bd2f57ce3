//go:build linux

package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rustbox/rustbox/internal/execspec"
)

// These tests run in-process, so they avoid MemBytes/CPUSeconds: lowering
// RLIMIT_AS or RLIMIT_CPU on the test binary itself (rather than a freshly
// cloned child) could starve the Go runtime or get the suite SIGXCPU'd
// before it finishes. RLIMIT_NOFILE=256 and the always-on limits below are
// generous enough not to disturb the rest of the package's tests.

func TestApplyRlimits_SetsRequestedOpenFileLimit(t *testing.T) {
	var before unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &before))

	err := applyRlimits(execspec.Limits{MaxOpenFiles: 256})
	require.NoError(t, err)

	var rl unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_NOFILE, &rl))
	assert.Equal(t, uint64(256), rl.Cur)
}

func TestApplyRlimits_AlwaysSetsFsizeAndStack(t *testing.T) {
	require.NoError(t, applyRlimits(execspec.Limits{}))

	var rl unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_FSIZE, &rl))
	assert.Equal(t, uint64(defaultFileSizeBytes), rl.Cur)

	require.NoError(t, unix.Getrlimit(unix.RLIMIT_STACK, &rl))
	assert.Equal(t, uint64(defaultStackBytes), rl.Cur)
}
