package observability

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/platform/requestctx"
)

// Path parameters copied onto the completion log line, keyed by their log field name.
var loggedRouteParams = []struct{ param, field string }{
	{"trackingNumber", "tracking_number"},
	{"preAlertID", "pre_alert_id"},
	{"customerCode", "customer_code"},
}

// InjectLoggerMiddleware makes logger the request logger for everything downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one completion line per request, leveled by status, and
// annotates the server span with the final status and route. Lines carry the Cloud Logging
// trace key so they nest under the request in Logs Explorer.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestLogger(r, projectID)
			ctx = requestctx.WithLogger(ctx, logger)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			logger.Debug("request started")

			panicked := true
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}
				annotateSpan(ctx, status)

				fields := append([]zap.Field{
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int("bytes", ww.BytesWritten()),
				}, routeFields(ctx)...)
				logger.Log(completionLevel(status), "request completed", fields...)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
			panicked = false
		})
	}
}

func requestLogger(r *http.Request, projectID string) *zap.Logger {
	ctx := r.Context()
	info, _ := requestctx.Trace(ctx)
	if info.ProjectID == "" {
		info.ProjectID = projectID
	}
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("path", SanitizeRoute(r.URL.Path)),
		zap.String("trace_id", info.TraceID),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		fields = append(fields, zap.String("user_id", SanitizeUserID(identity.UID)))
	}
	if info.ProjectID != "" && info.TraceID != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+info.ProjectID+"/traces/"+info.TraceID))
	}
	if ip := remoteHost(r.RemoteAddr); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return WithRequestFields(requestctx.Logger(ctx), fields...)
}

func completionLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func annotateSpan(ctx context.Context, status int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
		span.SetAttributes(semconv.HTTPRoute(SanitizeRoute(rctx.RoutePattern())))
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// routeFields reads path parameters after routing. chi shares the route context pointer
// with downstream handlers, so the values are populated once next returns.
func routeFields(ctx context.Context) []zap.Field {
	rctx := chi.RouteContext(ctx)
	if rctx == nil {
		return nil
	}
	var fields []zap.Field
	if pattern := rctx.RoutePattern(); pattern != "" {
		fields = append(fields, zap.String("route_pattern", SanitizeRoute(pattern)))
	}
	for _, p := range loggedRouteParams {
		value := rctx.URLParam(p.param)
		if value == "" {
			continue
		}
		if p.param == "trackingNumber" {
			value = SanitizeTrackingNumber(value)
		}
		fields = append(fields, zap.String(p.field, clip(value, maxLoggedID)))
	}
	return fields
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return clip(addr, maxLoggedID)
}

// RecoveryMiddleware turns a panic into a 500 error envelope and logs the stack on the
// request logger, or on fallback when none was injected.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
