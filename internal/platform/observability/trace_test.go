package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tas-logistics/api/internal/platform/requestctx"
)

func TestTraceMiddlewarePropagation(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name    string
		headers map[string]string
		want    string
		sampled bool
	}{
		{
			name:    "w3c traceparent",
			headers: map[string]string{"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01"},
			want:    traceID,
			sampled: true,
		},
		{
			name:    "cloud trace header",
			headers: map[string]string{cloudTraceHeader: traceID + "/12345;o=1"},
			want:    traceID,
			sampled: true,
		},
		{
			name: "traceparent wins",
			headers: map[string]string{
				"traceparent":    "00-" + traceID + "-00f067aa0ba902b7-00",
				cloudTraceHeader: "0af7651916cd43dd8448eb211c80319c/1;o=1",
			},
			want: traceID,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got requestctx.TraceInfo
			r := chi.NewRouter()
			r.Use(TraceMiddleware("tas-test"))
			r.Get("/public/tracking/{trackingNumber}", func(w http.ResponseWriter, req *http.Request) {
				got, _ = requestctx.Trace(req.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/public/tracking/tas-000001", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if got.TraceID != tc.want {
				t.Fatalf("expected trace id %s, got %s", tc.want, got.TraceID)
			}
			if got.Sampled != tc.sampled {
				t.Fatalf("expected sampled=%v, got %v", tc.sampled, got.Sampled)
			}
			if got.ProjectID != "tas-test" {
				t.Fatalf("expected project id, got %q", got.ProjectID)
			}
			if rr.Header().Get(cloudTraceHeader) == "" {
				t.Fatalf("expected cloud trace response header")
			}
		})
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc", "short/1;o=1", "4bf92f3577b34da6a3ce929d0e0e4736/"} {
		if _, _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestSanitizeHelpers(t *testing.T) {
	if got := SanitizeTrackingNumber(" tas-00\x0001 "); got != "TAS-0001" {
		t.Fatalf("unexpected tracking number %q", got)
	}
	if got := SanitizeRoute(""); got != "/" {
		t.Fatalf("expected root route, got %q", got)
	}
	if got := SanitizeMethod("DELETE-EVERYTHING"); len(got) != maxLoggedMethod {
		t.Fatalf("expected method clipped, got %q", got)
	}
}

func TestParseCloudTraceContextSpanFormats(t *testing.T) {
	const traceID = "105445aa7843bc8bf206b12000100000"
	tests := []struct {
		header  string
		spanID  string
		sampled bool
	}{
		{header: traceID + "/1;o=1", spanID: "0000000000000001", sampled: true},
		{header: traceID + "/18446744073709551615", spanID: "ffffffffffffffff"},
		{header: traceID + "/00f067aa0ba902b7;o=0", spanID: "00f067aa0ba902b7"},
	}
	for _, tc := range tests {
		info, remote, ok := parseCloudTraceContext(tc.header)
		if !ok {
			t.Fatalf("%q: expected header to parse", tc.header)
		}
		if info.SpanID != tc.spanID || info.Sampled != tc.sampled || !remote.IsRemote() {
			t.Fatalf("%q: got %+v", tc.header, info)
		}
	}
	if _, _, ok := parseCloudTraceContext(traceID + "/0;o=1"); ok {
		t.Fatalf("expected zero span id to be rejected")
	}
}
