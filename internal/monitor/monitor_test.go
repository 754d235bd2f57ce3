//go:build linux

package monitor_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustbox/rustbox/internal/execspec"
	"github.com/rustbox/rustbox/internal/monitor"
)

func TestWatch_WallTimeExceeded(t *testing.T) {
	limits := execspec.Limits{WallSeconds: 0.05}
	var killed bool
	m := monitor.New(nil, limits, testLogger())

	stop, wait := m.Watch(func() error { killed = true; return nil })
	defer stop()

	status, note, set := wait()
	assert.True(t, set)
	assert.Equal(t, execspec.StatusWallTimeExceeded, status)
	assert.NotEmpty(t, note)
	assert.True(t, killed)
}

func TestWatch_StopBeforeDeadline_NoOutcome(t *testing.T) {
	limits := execspec.Limits{WallSeconds: 5}
	m := monitor.New(nil, limits, testLogger())

	stop, wait := m.Watch(func() error { return nil })
	stop()

	done := make(chan struct{})
	var set bool
	go func() {
		_, _, set = wait()
		close(done)
	}()

	select {
	case <-done:
		assert.False(t, set)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("wait() did not return after stop()")
	}
}

func TestReport_HigherPriorityWins(t *testing.T) {
	m := monitor.New(nil, execspec.Limits{}, testLogger())

	m.Report(execspec.StatusProcessLimitExceeded, "pids")
	m.Report(execspec.StatusMemoryLimitExceeded, "oom") // higher priority, must win
	m.Report(execspec.StatusOutputLimitExceeded, "output") // lower priority, must not win

	stop, wait := m.Watch(func() error { return nil })
	defer stop()

	status, note, set := wait()
	require.True(t, set)
	assert.Equal(t, execspec.StatusMemoryLimitExceeded, status)
	assert.Equal(t, "oom", note)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
