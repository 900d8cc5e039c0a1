// Package logging builds the slog loggers used by the runner binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by every component.
const (
	KeyComponent = "component"
	KeyTaskID    = "task_id"
	KeyUserID    = "user_id"
)

// NewLogger creates a logger writing to stderr. format is "text" or "json".
// Program output owns stdout.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// FromConfig builds a stderr logger from the string settings found in
// config files and flags.
func FromConfig(level, format string) *slog.Logger {
	return NewLogger(ParseLevel(level), format)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Component tags logger with the name of the subsystem using it. A nil
// logger yields a discarding one.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return OrDiscard(logger).With(KeyComponent, name)
}

// ForTask tags logger with a task and its owner.
func ForTask(logger *slog.Logger, taskID, userID string) *slog.Logger {
	return OrDiscard(logger).With(KeyTaskID, taskID, KeyUserID, userID)
}

// OrDiscard returns logger, or Discard() when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps "debug", "warn"/"warning" and "error" to their slog
// levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
