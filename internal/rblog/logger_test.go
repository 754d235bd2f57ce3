//go:build linux

package rblog_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rustbox/rustbox/internal/rblog"
)

func TestParseFormat(t *testing.T) {
	assert.Equal(t, rblog.FormatJSON, rblog.ParseFormat("json"))
	assert.Equal(t, rblog.FormatText, rblog.ParseFormat("text"))
	assert.Equal(t, rblog.FormatText, rblog.ParseFormat("nonsense"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, rblog.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, rblog.ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, rblog.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, rblog.ParseLevel("nonsense"))
}

func TestNew_ReturnsNonNilLogger(t *testing.T) {
	log := rblog.New(slog.LevelInfo, rblog.FormatText)
	assert.NotNil(t, log)
}
