// Package obslog builds the shared slog.Handler used across the
// pipeline: a constructor any component can call when a logger is
// injected.
package obslog

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config log-level string onto an slog.Level.
func ParseLevel(levelStr string) (slog.Level, bool) {
	switch strings.TrimSpace(strings.ToLower(levelStr)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New builds a tint-colorized handler for human consumption, or a
// slog.NewJSONHandler when json is set.
func New(w io.Writer, levelStr string, json bool) slog.Handler {
	level, _ := ParseLevel(levelStr)

	if json {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}
