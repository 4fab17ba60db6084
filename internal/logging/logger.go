// Package logging provides the Logger facade injected into the store,
// dispatcher, and ingress adapter, so that log output is testable and never
// routed through an ambient global singleton.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is a small, printf-style logging facade. Components take a
// Logger as a constructor argument rather than reaching for a package-level
// logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	With(component string) Logger
}

// Config selects the backing handler's level and format.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Output io.Writer
}

type slogLogger struct {
	logger *slog.Logger
}

// New builds a Logger backed by log/slog, configured per cfg.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return &slogLogger{logger: slog.New(handler)}
}

// NewComponentLogger builds a Logger tagged with component, using defaults
// (info level, text format, stderr). Convenience for call sites that don't
// own a Config.
func NewComponentLogger(component string) Logger {
	return New(Config{Level: "info", Format: "text"}).With(component)
}

func parseLevel(level string) slog.Level {
	switch level {
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

func (l *slogLogger) Debug(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Info(format string, args ...any)  { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Warn(format string, args ...any)  { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *slogLogger) Error(format string, args ...any) { l.logger.Error(fmt.Sprintf(format, args...)) }

func (l *slogLogger) With(component string) Logger {
	return &slogLogger{logger: l.logger.With("component", component)}
}

// nopLogger discards everything. Used by OrNop as a nil-safe default.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any)  {}
func (nopLogger) Info(string, ...any)   {}
func (nopLogger) Warn(string, ...any)   {}
func (nopLogger) Error(string, ...any)  {}
func (n nopLogger) With(string) Logger  { return n }

// Nop is a Logger that discards all output.
var Nop Logger = nopLogger{}

// IsNil reports whether logger is a nil interface or a typed nil pointer
// hiding behind the interface, the footgun OrNop guards against for Logger
// values threaded through optional constructor fields.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	if l, ok := logger.(*slogLogger); ok {
		return l == nil
	}
	return false
}

// OrNop returns logger, or Nop if logger is nil (including a typed nil).
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop
	}
	return logger
}
