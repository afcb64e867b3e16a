// Package logging provides the structured logging used across every Toygres
// component: the history store, dispatcher, runtime, worker pool, activity
// catalog, client API, CLI, and HTTP boundary all log through this package
// instead of fmt.Println or a second logging library.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Level defines the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes Level satisfy fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var defaultLogger *slog.Logger

// Init initializes the package logger. Call once at process startup
// (the toygres binary's main, or a test's TestMain).
func Init(level Level, output io.Writer) {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: level.slogLevel()})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

func init() {
	// Safe default so packages that log before Init (tests, library use) don't panic.
	Init(LevelInfo, os.Stderr)
}

func logInternal(level Level, subsystem string, err error, attrs []slog.Attr, messageFmt string, args ...interface{}) {
	if defaultLogger == nil || !defaultLogger.Enabled(context.Background(), level.slogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	full := make([]slog.Attr, 0, len(attrs)+2)
	full = append(full, slog.String("subsystem", subsystem))
	if err != nil {
		full = append(full, slog.String("error", err.Error()))
	}
	full = append(full, attrs...)

	defaultLogger.LogAttrs(context.Background(), level.slogLevel(), msg, full...)
}

// Debug logs a debug message for subsystem.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, nil, messageFmt, args...)
}

// Info logs an informational message for subsystem.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, nil, messageFmt, args...)
}

// Warn logs a warning message for subsystem.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, nil, messageFmt, args...)
}

// Error logs an error message for subsystem.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, nil, messageFmt, args...)
}

// WithAttrs logs at level with structured attributes attached, for callers
// that carry instance_id/execution_id/event_id/attempt without building them
// into the message string. No package in this module calls it.
func WithAttrs(level Level, subsystem string, err error, attrs []slog.Attr, messageFmt string, args ...interface{}) {
	logInternal(level, subsystem, err, attrs, messageFmt, args...)
}

// Elapsed is a small helper for logging operation durations consistently.
func Elapsed(since time.Time) slog.Attr {
	return slog.Duration("duration", time.Since(since))
}
