package execspec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rustbox/rustbox/internal/execspec"
)

func TestStatus_Beats_PriorityOrder(t *testing.T) {
	// OOM > cpu > wall > output > pids > other, per §4.5.
	ordered := []execspec.Status{
		execspec.StatusMemoryLimitExceeded,
		execspec.StatusTimeLimitExceeded,
		execspec.StatusWallTimeExceeded,
		execspec.StatusOutputLimitExceeded,
		execspec.StatusProcessLimitExceeded,
		execspec.StatusRuntimeError,
	}
	for i, higher := range ordered {
		for _, lower := range ordered[i+1:] {
			assert.True(t, higher.Beats(lower), "%s should beat %s", higher, lower)
			assert.False(t, lower.Beats(higher), "%s should not beat %s", lower, higher)
		}
	}
}

func TestStatus_Beats_Reflexive(t *testing.T) {
	assert.False(t, execspec.StatusMemoryLimitExceeded.Beats(execspec.StatusMemoryLimitExceeded))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "success", execspec.StatusSuccess.String())
	assert.Equal(t, "memory_limit_exceeded", execspec.StatusMemoryLimitExceeded.String())
	assert.Equal(t, "unknown", execspec.Status(99).String())
}

func TestLimits_WallTimeOrDefault(t *testing.T) {
	withWall := execspec.Limits{CPUSeconds: 1, WallSeconds: 5}
	assert.Equal(t, 5*time.Second, withWall.WallTimeOrDefault())

	withoutWall := execspec.Limits{CPUSeconds: 2}
	assert.Equal(t, 2*time.Second+500*time.Millisecond, withoutWall.WallTimeOrDefault())
}

func TestSource_IsCode(t *testing.T) {
	assert.True(t, execspec.Source{LanguageTag: "python3"}.IsCode())
	assert.False(t, execspec.Source{Command: "/bin/echo"}.IsCode())
}
