package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tternquist/hotboard/internal/config"
)

// Config holds structured logging configuration.
type Config struct {
	// Format: "json" for production/observability, "text" for human-readable (default).
	Format string
	// Level: "debug", "info", "warn", "warning", "error". Default "warning".
	Level string
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewLogger creates a slog.Logger that writes to w with the given format and level.
// Format "json" produces structured JSON for production; "text" produces human-readable output.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	if cfg.Level == "" {
		level = slog.LevelWarn
	}

	return slog.New(newHandler(w, cfg.Format, &slog.HandlerOptions{Level: level}))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// FromConfig builds a logger from the logging section of the config file.
// Debug level also records the source location.
func FromConfig(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	if ParseLevel(cfg.Level) == slog.LevelDebug {
		return slog.New(newHandler(w, cfg.Format, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
	}
	return NewLogger(w, Config{Format: cfg.Format, Level: cfg.Level})
}

// Component returns a child logger tagged with the component name, e.g.
// "ranking", "lock", "invalidation".
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// NewDefaultLogger creates a logger with default config (text format, warn level).
func NewDefaultLogger(w io.Writer) *slog.Logger {
	return NewLogger(w, Config{Format: "text", Level: "warning"})
}

// NewDiscardLogger returns a logger that discards all output (for tests).
func NewDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Fatal logs and exits. Use sparingly for fatal startup errors.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Error(msg, args...)
	}
	os.Exit(1)
}
