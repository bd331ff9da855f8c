// Package logging builds the slog loggers shared by the capture packages.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	debugEnv        = "SCREENCAST_DEBUG"
	captureDebugEnv = "SCREENCAST_CAPTURE_DEBUG"
	debugFileEnv    = "SCREENCAST_DEBUG_FILE"
)

// Options selects the handler for New.
type Options struct {
	Level  string
	Format string
	File   string
}

// DebugEnabled reports whether the debug environment switch is set.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv(debugEnv)) == "1" ||
		strings.TrimSpace(os.Getenv(captureDebugEnv)) == "1"
}

// ParseLevel maps debug/info/warn/error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger writing to stderr or opts.File. The returned closer
// releases the file, if one was opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	if DebugEnabled() {
		level = slog.LevelDebug
	}

	path := strings.TrimSpace(opts.File)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(debugFileEnv))
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(handler), closer, nil
}

// OrDiscard returns l, or a logger that drops everything when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}

// Every reports whether at least period has passed since the last time it
// returned true for the same limiter. Safe for concurrent use.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
