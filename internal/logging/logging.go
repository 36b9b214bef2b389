// Package logging provides the QOP-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Config controls the global logger's level and encoding.
type Config struct {
	Level     string // DEBUG, INFO, WARN, ERROR
	Format    string // json, text
	AddSource bool
}

// Init initializes the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init(cfg Config) {
	once.Do(func() {
		logger = build(cfg)
		slog.SetDefault(logger)
	})
}

func build(cfg Config) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *slog.Logger {
	if logger == nil {
		Init(Config{Level: "INFO", Format: "json"})
	}
	return logger
}

// With returns a derived logger carrying the given key/value pairs, e.g.
// logging.With("qid", qid) for every log line in a pipeline's lifetime.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// WithTraceID returns a derived logger tagging every line with a fresh
// random trace id, and the id itself. Admission & Intake calls this once
// per admitted query so every log line from HGETALL through the pipeline's
// completion callback can be correlated, even though the work spans
// several goroutines and asynchronous KV/engine callbacks.
func WithTraceID() (*slog.Logger, string) {
	id := uuid.NewString()
	return Get().With("trace_id", id), id
}
