package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/services"
)

type stubStorageReminderService struct {
	runFn func(context.Context, services.StorageReminderCommand) (services.StorageReminderResult, error)
}

func (s *stubStorageReminderService) Run(ctx context.Context, cmd services.StorageReminderCommand) (services.StorageReminderResult, error) {
	if s.runFn == nil {
		return services.StorageReminderResult{}, nil
	}
	return s.runFn(ctx, cmd)
}

func newInternalTestRouter(reminders services.StorageReminderService, system services.SystemService) http.Handler {
	r := chi.NewRouter()
	r.Route("/internal", NewInternalJobHandlers(reminders, system).Routes)
	return r
}

func TestInternalJobsStorageReminders(t *testing.T) {
	var got services.StorageReminderCommand
	reminders := &stubStorageReminderService{
		runFn: func(_ context.Context, cmd services.StorageReminderCommand) (services.StorageReminderResult, error) {
			got = cmd
			return services.StorageReminderResult{Candidates: 3, Reminded: 2, Failed: 1}, nil
		},
	}
	router := newInternalTestRouter(reminders, nil)

	tests := []struct {
		name      string
		body      any
		wantLimit int
	}{
		{name: "empty body uses defaults", body: nil, wantLimit: 0},
		{name: "explicit limit", body: map[string]any{"limit": 25}, wantLimit: 25},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSONRequest(t, router, http.MethodPost, "/internal/jobs/storage-reminders", "", tc.body)
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if got.Limit != tc.wantLimit {
				t.Fatalf("expected limit %d, got %d", tc.wantLimit, got.Limit)
			}
			body := decodeJSON[storageReminderPayload](t, rr)
			if body.Candidates != 3 || body.Reminded != 2 || body.Failed != 1 {
				t.Fatalf("unexpected payload %+v", body)
			}
		})
	}

	rr := doJSONRequest(t, router, http.MethodPost, "/internal/jobs/storage-reminders", "", map[string]any{"limit": -1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rr.Code)
	}
}

func TestInternalJobsStorageRemindersUnavailable(t *testing.T) {
	reminders := &stubStorageReminderService{
		runFn: func(context.Context, services.StorageReminderCommand) (services.StorageReminderResult, error) {
			return services.StorageReminderResult{}, fmt.Errorf("%w: list candidates: deadline exceeded", services.ErrStorageReminderUnavailable)
		},
	}
	rr := doJSONRequest(t, newInternalTestRouter(reminders, nil), http.MethodPost, "/internal/jobs/storage-reminders", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	rr = doJSONRequest(t, newInternalTestRouter(nil, nil), http.MethodPost, "/internal/jobs/storage-reminders", "", nil)
	if rr.Code != http.StatusServiceUnavailable || errorCodeOf(t, rr) != "storage_reminder_service_unavailable" {
		t.Fatalf("expected unconfigured service to report 503, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestInternalJobsPackageSchemaMigration(t *testing.T) {
	system := &stubSystemService{
		migrateFn: func(_ context.Context, cmd services.MigratePackageSchemaCommand) (services.MigratePackageSchemaResult, error) {
			if cmd.Limit > 500 {
				return services.MigratePackageSchemaResult{}, fmt.Errorf("%w: limit too large", services.ErrSystemInvalidInput)
			}
			return services.MigratePackageSchemaResult{Migrated: 7}, nil
		},
	}
	router := newInternalTestRouter(nil, system)

	rr := doJSONRequest(t, router, http.MethodPost, "/internal/jobs/package-schema-migrations", "", map[string]any{"limit": 50})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeJSON[schemaMigrationPayload](t, rr); body.Migrated != 7 {
		t.Fatalf("unexpected payload %+v", body)
	}

	rr = doJSONRequest(t, router, http.MethodPost, "/internal/jobs/package-schema-migrations", "", map[string]any{"limit": 1000})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminAuditLogs(t *testing.T) {
	var got services.AuditLogFilter
	created := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	system := &stubSystemService{
		auditFn: func(_ context.Context, filter services.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
			got = filter
			return domain.CursorPage[domain.AuditLogEntry]{
				Items: []domain.AuditLogEntry{{
					ID:        "aud_1",
					Actor:     "uid-clerk",
					ActorType: "staff",
					Action:    "package.create",
					TargetRef: "/packages/TAS-000001",
					CreatedAt: created,
				}},
				NextPageToken: "next",
			}, nil
		},
	}
	r := chi.NewRouter()
	r.Route("/admin", NewAdminHandlers(newTestAuthenticator(), system).Routes)

	rr := doJSONRequest(t, r, http.MethodGet, "/admin/audit-logs?targetRef=/packages/TAS-000001&from=2025-03-01&pageSize=10", "admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.TargetRef != "/packages/TAS-000001" || got.Pagination.PageSize != 10 {
		t.Fatalf("unexpected filter %+v", got)
	}
	if got.DateRange.From == nil || !got.DateRange.From.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) || got.DateRange.To != nil {
		t.Fatalf("unexpected date range %+v", got.DateRange)
	}
	body := decodeJSON[auditLogListPayload](t, rr)
	if len(body.Items) != 1 || body.Items[0].CreatedAt != "2025-03-01T14:00:00Z" || body.NextPageToken != "next" {
		t.Fatalf("unexpected payload %+v", body)
	}

	for _, token := range []string{"clerk", "support", "customer"} {
		rr = doJSONRequest(t, r, http.MethodGet, "/admin/audit-logs", token, nil)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", token, rr.Code)
		}
	}
	rr = doJSONRequest(t, r, http.MethodGet, "/admin/audit-logs?from=2025-03-02&to=2025-03-01", "admin", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", rr.Code)
	}
}
