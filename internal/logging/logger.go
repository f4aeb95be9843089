package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
)

// Logger is the printf-style logging surface used across the service.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config controls the process-wide logging backend.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

var backend atomic.Pointer[slog.Logger]

func init() {
	backend.Store(newBackend(Config{Level: "info", Format: "text", Output: os.Stderr}))
}

// Init installs the process-wide logging backend. Safe to call once at startup.
func Init(cfg Config) {
	backend.Store(newBackend(cfg))
}

func newBackend(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

type componentLogger struct {
	component string
}

// NewComponentLogger returns a logger tagged with a component name.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) log(level slog.Level, format string, args ...any) {
	base := backend.Load()
	if base == nil || !base.Enabled(context.Background(), level) {
		return
	}
	base.Log(context.Background(), level, fmt.Sprintf(format, args...), slog.String("component", l.component))
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards everything.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether the logger is nil, including typed-nil pointers.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// OrNop returns the logger unchanged, or a nop logger when it is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return nopLogger{}
	}
	return logger
}
