// Package logging holds the process-wide slog logger. Every logger built by
// New shares one level, so the threshold can be changed at runtime.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	logger atomic.Pointer[slog.Logger]
	level  slog.LevelVar
)

func init() {
	logger.Store(New("text", os.Stderr))
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger. nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// Level returns the shared threshold.
func Level() slog.Level { return level.Level() }

// SetLevel changes the threshold of every logger built by New.
func SetLevel(l slog.Level) { level.Set(l) }

// New builds a logger writing json or text (any other format) to w,
// stderr when w is nil.
func New(format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: &level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LevelName is the inverse of ParseLevel.
func LevelName(l slog.Level) string { return strings.ToLower(l.String()) }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
