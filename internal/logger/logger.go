// Package logger provides structured, per-module leveled logging for
// the session-host process, built on log/slog. Every long-running
// component (shared memory, the pipe transport, the supervisor, the
// frame pump) gets its own named Logger so verbosity can be tuned
// independently, e.g. running "shm" at Debug while the rest of the
// host runs at Info.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// moduleConfig is the process-wide module level table. Tests may
// install their own via SetModuleConfig.
var moduleConfig = NewModuleConfig(slog.LevelInfo)

// SetModuleConfig replaces the process-wide module level table.
func SetModuleConfig(cfg *ModuleConfig) {
	moduleConfig = cfg
}

// Config returns the process-wide module level table, for callers
// that want to add overrides (e.g. from command-line flags).
func Config() *ModuleConfig {
	return moduleConfig
}

// Logger logs on behalf of a single named module, checking the
// process-wide ModuleConfig before each call so the cost of a
// suppressed log line is a single map lookup plus a slog.Enabled
// check, not a wasted format.
type Logger struct {
	module string
	slog   *slog.Logger
}

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

// SetOutput replaces the underlying slog handler, e.g. to switch to
// JSON output in production.
func SetOutput(h slog.Handler) {
	base = slog.New(h)
}

// New returns a Logger for the named module (e.g. "shm", "pipe",
// "supervisor", "framepump", "coordinator").
func New(module string) *Logger {
	return &Logger{module: module, slog: base.With("module", module)}
}

func (l *Logger) enabled(level slog.Level) bool {
	return level >= moduleConfig.LevelFor(l.module)
}

// Debug logs at debug level if the module's effective level permits it.
func (l *Logger) Debug(msg string, args ...any) {
	if l.enabled(slog.LevelDebug) {
		l.slog.Debug(msg, args...)
	}
}

// Info logs at info level if the module's effective level permits it.
func (l *Logger) Info(msg string, args ...any) {
	if l.enabled(slog.LevelInfo) {
		l.slog.Info(msg, args...)
	}
}

// Warn logs at warn level if the module's effective level permits it.
func (l *Logger) Warn(msg string, args ...any) {
	if l.enabled(slog.LevelWarn) {
		l.slog.Warn(msg, args...)
	}
}

// Error logs at error level if the module's effective level permits it.
func (l *Logger) Error(msg string, args ...any) {
	if l.enabled(slog.LevelError) {
		l.slog.Error(msg, args...)
	}
}

// ErrorContext logs at error level with a context, for call sites that
// carry request-scoped trace attributes.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	if l.enabled(slog.LevelError) {
		l.slog.ErrorContext(ctx, msg, args...)
	}
}

// With returns a child Logger with additional structured attributes
// bound to every subsequent call.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{module: l.module, slog: l.slog.With(args...)}
}
