package loggy

import (
	"context"

	"github.com/tildaslashalef/caresync/internal/ulid"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// FromContext returns the logger stored in ctx, falling back to Default
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

func withLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithRequestID tags ctx and its logger with a fresh request id.
func WithRequestID(ctx context.Context, l *Logger) (context.Context, *Logger) {
	id := ulid.RequestID()
	tagged := l.With("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return withLogger(ctx, tagged), tagged
}

// RequestID returns the id set by WithRequestID, or ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
