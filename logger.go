package chunkstore

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with chunkstore-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithStream adds a stream field to the logger.
func (l *Logger) WithStream(stream string) *Logger {
	return &Logger{
		Logger: l.Logger.With("stream", stream),
	}
}

// WithChunkID adds a chunk ID field to the logger.
func (l *Logger) WithChunkID(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("chunk_id", id),
	}
}
