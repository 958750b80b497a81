package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/services"
)

func TestNewRouterDefaults(t *testing.T) {
	now := time.Date(2025, 2, 10, 8, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			GeneratedAt: now,
			Checks:      map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	stamp := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Carrier-Gate", "checked")
			next.ServeHTTP(w, r)
		})
	}
	router := NewRouter(
		WithHealthHandlers(health),
		WithWebhookMiddlewares(stamp),
		WithAdminRoutes(func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}),
	)

	tests := []struct {
		name   string
		method string
		target string
		status int
		code   string
		header string
	}{
		{name: "liveness", method: http.MethodGet, target: "/healthz", status: http.StatusOK},
		{name: "readiness", method: http.MethodGet, target: "/readyz", status: http.StatusOK},
		{name: "mounted group", method: http.MethodGet, target: "/api/v1/admin/ping", status: http.StatusNoContent},
		{name: "disabled group", method: http.MethodGet, target: "/api/v1/pre-alerts", status: http.StatusNotImplemented, code: "not_implemented"},
		{name: "disabled group keeps its guards", method: http.MethodPost, target: "/api/v1/webhooks/carriers/status", status: http.StatusNotImplemented, code: "not_implemented", header: "checked"},
		{name: "unknown path", method: http.MethodGet, target: "/api/v2/packages", status: http.StatusNotFound, code: "route_not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.target, nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.code != "" {
				var body map[string]any
				if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode error envelope: %v", err)
				}
				if body["error"] != tc.code {
					t.Fatalf("expected error %q, got %v", tc.code, body["error"])
				}
			}
			if got := rr.Header().Get("X-Carrier-Gate"); got != tc.header {
				t.Fatalf("expected group middleware header %q, got %q", tc.header, got)
			}
		})
	}
}

func TestNewRouter_MountsDomainGroups(t *testing.T) {
	authn := newTestAuthenticator()
	pkgs := &stubPackageService{
		getFn: func(_ context.Context, tn string) (services.Package, error) {
			if tn != "TAS-000001" {
				return services.Package{}, fmt.Errorf("%w: %s", services.ErrPackageNotFound, tn)
			}
			return samplePackage(), nil
		},
		issueFn: func(context.Context, services.IssueTrackingNumberCommand) (services.TrackingNumberCandidate, error) {
			return services.TrackingNumberCandidate{TrackingNumber: "TAS-000002", Available: true}, nil
		},
	}
	packageHandlers := NewPackageHandlers(authn, pkgs)

	router := NewRouter(
		WithPackageRoutes(packageHandlers.Routes),
		WithTrackingNumberRoutes(packageHandlers.TrackingNumberRoutes),
		WithPublicRoutes(NewPublicHandlers(pkgs).Routes),
	)

	tests := []struct {
		name   string
		method string
		target string
		token  string
		want   int
	}{
		{name: "staff read", method: http.MethodGet, target: "/api/v1/packages/TAS-000001", token: "clerk", want: http.StatusOK},
		{name: "unauthenticated", method: http.MethodGet, target: "/api/v1/packages/TAS-000001", want: http.StatusUnauthorized},
		{name: "customer forbidden", method: http.MethodGet, target: "/api/v1/packages/TAS-000001", token: "customer", want: http.StatusForbidden},
		{name: "issue tracking number", method: http.MethodPost, target: "/api/v1/tracking-numbers", token: "clerk", want: http.StatusOK},
		{name: "public tracking", method: http.MethodGet, target: "/api/v1/public/tracking/TAS-000001", want: http.StatusOK},
		{name: "unmounted group", method: http.MethodGet, target: "/api/v1/customers", token: "admin", want: http.StatusNotImplemented},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSONRequest(t, router, tc.method, tc.target, tc.token, nil)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}
