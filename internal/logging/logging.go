// Package logging builds the process-wide structured logger. Output is
// one JSON object per line so the platform bridge and log shippers can
// consume it without a format contract beyond slog's keys.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps the config's log_level string to a slog level.
// Unknown values fall back to info rather than failing startup.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}
