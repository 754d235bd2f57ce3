//go:build linux

package netns

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessAlive_CurrentProcess(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

func TestProcessAlive_UnusedPID(t *testing.T) {
	// PID 1 always exists on a running Linux system (init/systemd), so use
	// a PID past any plausible pid_max instead.
	assert.False(t, processAlive(1<<30))
}
