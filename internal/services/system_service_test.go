package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/repositories"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

type stubAuditService struct {
	filter AuditLogFilter
	result domain.CursorPage[domain.AuditLogEntry]
	err    error
}

func (s *stubAuditService) Record(context.Context, AuditLogRecord) {}

func (s *stubAuditService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	s.filter = filter
	return s.result, s.err
}

func TestSystemServiceHealthReport(t *testing.T) {
	deployed := time.Date(2025, 2, 1, 6, 0, 0, 0, time.UTC)
	now := deployed.Add(5 * time.Minute)
	probedAt := now.Add(-time.Second)
	build := BuildInfo{Version: "2025.02.1", CommitSHA: "9f1c2e7", Environment: "stg", StartedAt: deployed}

	tests := []struct {
		name   string
		report domain.SystemHealthReport
		want   func(t *testing.T, got SystemHealthReport)
	}{
		{
			name:   "stamps build and clock",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}}},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Status != domain.HealthStatusOK || got.Version != "2025.02.1" || got.CommitSHA != "9f1c2e7" || got.Environment != "stg" {
					t.Fatalf("unexpected metadata %+v", got)
				}
				if got.Uptime != 5*time.Minute || !got.GeneratedAt.Equal(now) {
					t.Fatalf("unexpected timing uptime=%s generated=%s", got.Uptime, got.GeneratedAt)
				}
			},
		},
		{
			name:   "repository values win",
			report: domain.SystemHealthReport{Version: "2025.02.2", Uptime: time.Hour, GeneratedAt: probedAt},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Version != "2025.02.2" || got.Uptime != time.Hour || !got.GeneratedAt.Equal(probedAt) {
					t.Fatalf("repository values overwritten: %+v", got)
				}
				if got.Checks == nil {
					t.Fatalf("expected empty checks map")
				}
			},
		},
		{
			name: "degraded topic",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
				"package_events": {Status: domain.HealthStatusDegraded},
				"firestore":      {Status: domain.HealthStatusOK},
			}},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Status != domain.HealthStatusDegraded {
					t.Fatalf("expected degraded, got %s", got.Status)
				}
			},
		},
		{
			name: "error outranks degraded",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{
				"package_events": {Status: domain.HealthStatusDegraded},
				"firestore":      {Status: domain.HealthStatusError},
			}},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Status != domain.HealthStatusError {
					t.Fatalf("expected error, got %s", got.Status)
				}
			},
		},
		{
			name:   "unknown status degrades",
			report: domain.SystemHealthReport{Checks: map[string]domain.SystemHealthCheck{"storage": {Status: "timeout"}}},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Status != domain.HealthStatusDegraded {
					t.Fatalf("expected degraded, got %s", got.Status)
				}
			},
		},
		{
			name:   "explicit status kept",
			report: domain.SystemHealthReport{Status: domain.HealthStatusError},
			want: func(t *testing.T, got SystemHealthReport) {
				if got.Status != domain.HealthStatusError {
					t.Fatalf("expected repository status kept, got %s", got.Status)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubHealthRepository{report: tc.report}
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Build: build, Clock: func() time.Time { return now }})
			if err != nil {
				t.Fatalf("NewSystemService: %v", err)
			}
			got, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("HealthReport: %v", err)
			}
			if repo.calls != 1 {
				t.Fatalf("expected one probe run, got %d", repo.calls)
			}
			tc.want(t, got)
		})
	}
}

func TestSystemServiceHealthReportPropagatesProbeFailure(t *testing.T) {
	probeErr := errors.New("firestore: deadline exceeded")
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{err: probeErr}})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, probeErr) {
		t.Fatalf("expected %v, got %v", probeErr, err)
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected error without a health repository")
	}
}

func TestSystemServiceListAuditLogsDelegates(t *testing.T) {
	repo := &stubHealthRepository{}
	audit := &stubAuditService{
		result: domain.CursorPage[domain.AuditLogEntry]{Items: []domain.AuditLogEntry{{ID: "audit-1"}}},
	}

	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo, Audit: audit})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	filter := AuditLogFilter{Actor: "clerk-7"}
	result, err := svc.ListAuditLogs(context.Background(), filter)
	if err != nil {
		t.Fatalf("ListAuditLogs: %v", err)
	}
	if audit.filter.Actor != "clerk-7" {
		t.Fatalf("expected actor filter propagated, got %s", audit.filter.Actor)
	}
	if len(result.Items) != 1 || result.Items[0].ID != "audit-1" {
		t.Fatalf("unexpected result: %+v", result.Items)
	}
}

func TestSystemServiceListAuditLogsMissing(t *testing.T) {
	repo := &stubHealthRepository{}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	_, err = svc.ListAuditLogs(context.Background(), AuditLogFilter{})
	if err == nil {
		t.Fatalf("expected error when audit service missing")
	}
}

func TestSystemServiceMigratePackageSchema(t *testing.T) {
	packages := newMemoryPackageRepo()
	var gotLimit int
	packages.migrateFn = func(limit int) (int, error) {
		gotLimit = limit
		return 3, nil
	}
	audit := &captureAudit{}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{}, Packages: packages, Audit: audit})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	result, err := svc.MigratePackageSchema(context.Background(), MigratePackageSchemaCommand{})
	if err != nil {
		t.Fatalf("MigratePackageSchema: %v", err)
	}
	if result.Migrated != 3 || gotLimit != defaultMigrationBatch {
		t.Fatalf("unexpected result %+v with limit %d", result, gotLimit)
	}
	if len(audit.records) != 1 || audit.records[0].ActorType != AuditActorSystem {
		t.Fatalf("expected system audit record, got %#v", audit.records)
	}

	if _, err := svc.MigratePackageSchema(context.Background(), MigratePackageSchemaCommand{Limit: 10_000}); err != nil {
		t.Fatalf("MigratePackageSchema: %v", err)
	}
	if gotLimit != maxMigrationBatch {
		t.Fatalf("expected limit clamped to %d, got %d", maxMigrationBatch, gotLimit)
	}
}

func TestSystemServiceMigratePackageSchemaErrors(t *testing.T) {
	packages := newMemoryPackageRepo()
	packages.migrateFn = func(int) (int, error) { return 1, errors.New("deadline exceeded") }
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: &stubHealthRepository{}, Packages: packages})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	result, err := svc.MigratePackageSchema(context.Background(), MigratePackageSchemaCommand{Limit: 5})
	if !errors.Is(err, ErrSystemUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if result.Migrated != 1 {
		t.Fatalf("expected partial progress reported, got %d", result.Migrated)
	}
	if _, err := svc.MigratePackageSchema(context.Background(), MigratePackageSchemaCommand{Limit: -1}); !errors.Is(err, ErrSystemInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

var _ repositories.HealthRepository = (*stubHealthRepository)(nil)
var _ AuditLogService = (*stubAuditService)(nil)
