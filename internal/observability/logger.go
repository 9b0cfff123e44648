// Package observability provides the structured logger, HTTP middleware and
// prometheus metrics shared by the server.
package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/hoonartek/peggybuddy/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

const serviceName = "peggybuddy"

// NewLogger builds the service logger from cfg, writing to writer.
func NewLogger(cfg config.ObservabilityConfig, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.LogLevel})
	}
	return slog.New(handler).With(slog.String("service", serviceName))
}

// ContextWithTraceID attaches a trace id to ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id of ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
