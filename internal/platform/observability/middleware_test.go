package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggerRecordsResourceAfterRouting(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(InjectLoggerMiddleware(logger), RequestLoggerMiddleware("tas-test"))
	r.Get("/packages/{trackingNumber}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/packages/TAS-000001", nil))

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(completed))
	}
	entry := completed[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected 4xx to log at warn, got %s", entry.Level)
	}
	fields := entry.ContextMap()
	if fields["tracking_number"] != "TAS-000001" {
		t.Fatalf("expected tracking number field, got %v", fields)
	}
	if fields["route_pattern"] != "/packages/{trackingNumber}" {
		t.Fatalf("expected route pattern field, got %v", fields["route_pattern"])
	}
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/packages", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(core).Named("packages"))

	log(context.Background(), "notification_failed", map[string]any{"trackingNumber": "TAS-1", "error": errors.New("unavailable").Error()})
	log(context.Background(), "package_created", map[string]any{"trackingNumber": "TAS-1"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel || entries[1].Level != zapcore.InfoLevel {
		t.Fatalf("unexpected levels %s %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].LoggerName != "packages" {
		t.Fatalf("expected named logger, got %q", entries[1].LoggerName)
	}
}

func TestCloudSeverity(t *testing.T) {
	tests := map[zapcore.Level]string{
		zapcore.DebugLevel: "DEBUG",
		zapcore.WarnLevel:  "WARNING",
		zapcore.FatalLevel: "EMERGENCY",
	}
	for level, want := range tests {
		if got := cloudSeverity(level); got != want {
			t.Fatalf("cloudSeverity(%s) = %s, want %s", level, got, want)
		}
	}
}

func TestRequestLoggerLevelsAndTraceKey(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	r := chi.NewRouter()
	r.Use(TraceMiddleware(""), InjectLoggerMiddleware(zap.New(core)), RequestLoggerMiddleware("tas-prod"), RecoveryMiddleware(nil))
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("fine")) })
	r.Get("/explode", func(http.ResponseWriter, *http.Request) { panic("scanner offline") })

	for _, path := range []string{"/ok", "/explode"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 2 {
		t.Fatalf("expected two completion entries, got %d", len(completed))
	}
	if completed[0].Level != zapcore.InfoLevel || completed[1].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected levels %s, %s", completed[0].Level, completed[1].Level)
	}
	fields := completed[0].ContextMap()
	if fields["logging.googleapis.com/trace"] != "projects/tas-prod/traces/4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("expected trace resource from fallback project, got %v", fields["logging.googleapis.com/trace"])
	}
	if fields["bytes"] != int64(4) {
		t.Fatalf("expected byte count, got %v (%T)", fields["bytes"], fields["bytes"])
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected recovered panic to be logged")
	}
}
