// Package logging wires slog handlers and request-scoped context helpers.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// New builds the process-wide logger. format selects the handler ("json" for
// production, anything else renders text); unrecognized levels fall back to
// info. Debug level also records source locations.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
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

// WithRequestID stores the request's correlation ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the correlation ID, or "" outside a request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context's logger, falling back to slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context's logger with the request's correlation ID attached,
// when one is present. Handlers and the coordinator log through this.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}
