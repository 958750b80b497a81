// Package requestctx carries per-request values shared by middleware, handlers and
// services without import cycles between them.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// key is distinct per stored type, so each value needs no named key of its own.
type key[T any] struct{}

func with[T any](ctx context.Context, v T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key[T]{}, v)
}

func from[T any](ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key[T]{}).(T)
	return v, ok
}

var noopLogger = zap.NewNop()

// TraceInfo is the trace a request belongs to. ProjectID is kept so log entries can be
// linked to Cloud Trace as projects/<id>/traces/<trace>.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return with(ctx, logger)
}

// Logger returns the request-scoped logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := from[*zap.Logger](ctx); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger lets callers detect that no request logger was injected.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return from[TraceInfo](ctx)
}

// TraceID is empty when the request was not traced.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
