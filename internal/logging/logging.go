// Package logging provides the structured, context-aware logger shared by the
// datasheet packages. It wraps log/slog and adds helpers for the events the
// cache emits most often.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	// LevelDebug emits everything, including per-fetch detail.
	LevelDebug Level = iota
	// LevelInfo emits state transitions such as promotions and removals.
	LevelInfo
	// LevelWarn emits recovered failures only.
	LevelWarn
	// LevelError emits failures that abort an operation.
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Format selects the handler output encoding.
type Format string

const (
	// FormatText writes key=value lines.
	FormatText Format = "text"
	// FormatJSON writes one JSON object per line.
	FormatJSON Format = "json"
)

// Config holds logger settings.
type Config struct {
	Level     Level
	Format    Format
	Output    io.Writer // defaults to os.Stderr
	AddSource bool
}

// DefaultConfig returns an info level text logger on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
	}
}

// Logger is a nil-safe structured logger. The zero value and a nil *Logger
// both discard everything.
type Logger struct {
	l *slog.Logger
}

// New creates a logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Level.slogLevel(),
		AddSource: cfg.AddSource,
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{l: slog.New(h)}
}

// FromSlog adapts an existing slog logger.
func FromSlog(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

// NewNopLogger returns a logger that discards all messages.
func NewNopLogger() *Logger {
	return &Logger{}
}

// Slog returns the underlying slog logger, or nil for a nop logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return nil
	}
	return l.l
}

func (l *Logger) enabled() bool {
	return l != nil && l.l != nil
}

// Debug logs a debug-level message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.l.DebugContext(ctx, msg, args...)
	}
}

// Info logs an info-level message.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.l.InfoContext(ctx, msg, args...)
	}
}

// Warn logs a warning-level message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.l.WarnContext(ctx, msg, args...)
	}
}

// Error logs an error-level message.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.l.ErrorContext(ctx, msg, args...)
	}
}

// With returns a logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	if !l.enabled() {
		return l
	}
	return &Logger{l: l.l.With(args...)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// WithOperation tags records with an operation name.
func (l *Logger) WithOperation(op string) *Logger {
	return l.With("operation", op)
}

// WithArtifact tags records with an artifact ID.
func (l *Logger) WithArtifact(id string) *Logger {
	return l.With("id", id)
}

// ParseLevel parses a level name. An empty string yields LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf(errors.CodeInvalidConfig, "invalid log level %q", s)
	}
}

// ParseFormat parses a handler format name. An empty string yields FormatText.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return FormatText, errors.Newf(errors.CodeInvalidConfig, "invalid log format %q", s)
	}
}

// LogFetch records the outcome of a remote fetch.
func LogFetch(ctx context.Context, l *Logger, id string, bytes int64, d time.Duration, err error) {
	if err != nil {
		l.Warn(ctx, "fetch failed",
			"id", id,
			"duration_ms", d.Milliseconds(),
			"error", err.Error(),
			"code", string(errors.GetCode(err)),
			"retryable", errors.IsRetryable(err))
		return
	}
	l.Info(ctx, "fetch completed",
		"id", id,
		"bytes", bytes,
		"duration_ms", d.Milliseconds())
}

// LogEviction records a single evicted cache entry.
func LogEviction(ctx context.Context, l *Logger, name string, size int64, lastAccess time.Time) {
	l.Info(ctx, "cache entry evicted",
		"name", name,
		"size", size,
		"last_access", lastAccess.Format(time.RFC3339))
}

// LogCleanup records the summary of an eviction or cleanup pass.
func LogCleanup(ctx context.Context, l *Logger, op string, removed int, freed int64, d time.Duration) {
	l.Info(ctx, "cache cleanup completed",
		"operation", op,
		"entries_removed", removed,
		"bytes_freed", freed,
		"duration_ms", d.Milliseconds())
}
