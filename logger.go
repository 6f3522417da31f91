package vecseg

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vecseg-specific context.
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

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithCollection tags every record with the collection directory.
func (l *Logger) WithCollection(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("collection", dir),
	}
}

// LogUpsert logs a write of count points that ended at version.
func (l *Logger) LogUpsert(ctx context.Context, count int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"points", count,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "upsert completed",
			"points", count,
			"version", version,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
			"duration", duration,
		)
	}
}

// LogFlush logs a forced flush.
func (l *Logger) LogFlush(ctx context.Context, segmentID uint64, points int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"segment_id", segmentID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "flush completed",
			"segment_id", segmentID,
			"points", points,
			"duration", duration,
		)
	}
}

// LogIndexBuild logs the build of a segment's HNSW graph.
func (l *Logger) LogIndexBuild(ctx context.Context, points int, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "index build failed",
			"points", points,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index build completed",
			"points", points,
			"duration", duration,
		)
	}
}

// LogMerge logs a segment merge.
func (l *Logger) LogMerge(ctx context.Context, inputs, points int, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "merge failed",
			"inputs", inputs,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "merge completed",
			"inputs", inputs,
			"points", points,
			"duration", duration,
		)
	}
}

// LogSnapshot logs a snapshot operation.
func (l *Logger) LogSnapshot(ctx context.Context, target string, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"target", target,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot saved",
			"target", target,
			"version", version,
		)
	}
}

// LogRecovery logs a WAL recovery operation.
func (l *Logger) LogRecovery(ctx context.Context, segments, entriesReplayed int, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "WAL recovery completed",
			"segments", segments,
			"entries_replayed", entriesReplayed,
			"version", version,
		)
	}
}
