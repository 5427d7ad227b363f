// Package log defines the public logging interface used across kvsync packages.
package log

import (
	"context"
	"log/slog"
)

// Logger defines the public interface for logging operations within kvsync.
// It lets library consumers plug in their own logging implementation while
// internal components log consistently. The shape mirrors common slog-style
// loggers.
type Logger interface {
	// Debugf logs a formatted message at the DEBUG level.
	Debugf(format string, args ...interface{})
	// Infof logs a formatted message at the INFO level.
	Infof(format string, args ...interface{})
	// Warnf logs a formatted message at the WARN level.
	Warnf(format string, args ...interface{})
	// Errorf logs a formatted message at the ERROR level. Implementations
	// should check whether the last argument is an error and log it
	// structurally when possible.
	Errorf(format string, args ...interface{})

	// Log logs a message at the specified slog.Level with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx logs a message at the specified slog.Level, including context
	// information such as trace IDs when the implementation supports it.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a new Logger with the given attributes attached to every
	// subsequent entry.
	With(args ...interface{}) Logger
	// IsEnabled reports whether the logger emits output at the given level.
	IsEnabled(level slog.Level) bool
}
