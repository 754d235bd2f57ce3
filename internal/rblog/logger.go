//go:build linux

// Package rblog builds the process-wide structured logger, per §10's
// ambient logging stack: log/slog with a pid field and a text/JSON
// handler choice, adapted from the teacher's logger package.
package rblog

import (
	"log/slog"
	"os"
)

// Format selects the slog handler used for output.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat maps a CLI --log-format value to a Format.
func ParseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// ParseLevel maps a CLI --log-level value to an slog.Level, defaulting to
// Info on anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger tagged with this process's pid and sets it as the
// slog default.
func New(level slog.Level, format Format) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if format == FormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With(slog.Int("pid", os.Getpid()))
	slog.SetDefault(log)
	return log
}
