// Package logging configures the structured slog logger shared by the
// listener, the per-query workers and the supporting services.
package logging

import (
	"io"
	"log/slog"
	"os"

	"pi-blocker/pkg/config"
)

// Logger wraps slog.Logger and remembers the configuration it was built from.
type Logger struct {
	*slog.Logger
	cfg    *config.LoggingConfig
	closer io.Closer
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var output io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
		closer = f
	default:
		output = os.Stdout
	}

	return &Logger{
		Logger: slog.New(newHandler(output, cfg)),
		cfg:    cfg,
		closer: closer,
	}, nil
}

// NewWithWriter creates a logger that writes to w; used by tests to capture output.
func NewWithWriter(w io.Writer, cfg *config.LoggingConfig) *Logger {
	return &Logger{
		Logger: slog.New(newHandler(w, cfg)),
		cfg:    cfg,
	}
}

// NewDefault creates a logger with sensible defaults (info level, text format, stdout)
func NewDefault() *Logger {
	cfg := &config.LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
	return NewWithWriter(os.Stdout, cfg)
}

// NewDiscard creates a logger that drops everything.
func NewDiscard() *Logger {
	return NewWithWriter(io.Discard, &config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"})
}

func newHandler(w io.Writer, cfg *config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		cfg:    l.cfg,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{
		Logger: l.Logger.With(args...),
		cfg:    l.cfg,
	}
}

// DebugEnabled reports whether debug records would be emitted. Hot paths use it
// to skip building per-query attributes.
func (l *Logger) DebugEnabled() bool {
	return l.cfg != nil && parseLevel(l.cfg.Level) <= slog.LevelDebug
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global = NewDefault()

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger
func Global() *Logger {
	return global
}
