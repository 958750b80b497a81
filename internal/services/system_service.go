package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	// ErrSystemInvalidInput indicates malformed operational job input.
	ErrSystemInvalidInput = errors.New("system: invalid input")
	// ErrSystemUnavailable indicates a dependency required by an operational job failed.
	ErrSystemUnavailable = errors.New("system: unavailable")
)

const (
	defaultMigrationBatch = 200
	maxMigrationBatch     = 500
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the operational service. HealthRepository is required; the
// rest enable audit listing and the schema migration job.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Audit            AuditLogService
	Packages         repositories.PackageRepository
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	probes   repositories.HealthRepository
	now      func() time.Time
	build    BuildInfo
	audit    AuditLogService
	packages repositories.PackageRepository
	logEvent func(context.Context, string, map[string]any)
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		probes:   deps.HealthRepository,
		now:      func() time.Time { return clock().UTC() },
		build:    deps.Build,
		audit:    deps.Audit,
		packages: deps.Packages,
		logEvent: deps.Logger,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	if svc.logEvent == nil {
		svc.logEvent = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// HealthReport runs the dependency probes and stamps the result with build metadata. The
// repository's own values win; a blank status is derived from the checks.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.probes.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = cmp.Or(strings.TrimSpace(report.Version), s.build.Version)
	report.CommitSHA = cmp.Or(strings.TrimSpace(report.CommitSHA), s.build.CommitSHA)
	report.Environment = cmp.Or(strings.TrimSpace(report.Environment), s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = worstCheck(report.Checks)
	}
	return report, nil
}

func (s *systemService) ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if s.audit == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("system service: audit service not configured")
	}
	return s.audit.List(ctx, filter)
}

// MigratePackageSchema rewrites one batch of package documents still stored with legacy
// field names. Reads already fold legacy fields, so running it is optional upkeep.
func (s *systemService) MigratePackageSchema(ctx context.Context, cmd MigratePackageSchemaCommand) (MigratePackageSchemaResult, error) {
	if s.packages == nil {
		return MigratePackageSchemaResult{}, errors.New("system service: package repository not configured")
	}
	limit := cmd.Limit
	switch {
	case limit < 0:
		return MigratePackageSchemaResult{}, fmt.Errorf("%w: limit must be positive", ErrSystemInvalidInput)
	case limit == 0:
		limit = defaultMigrationBatch
	case limit > maxMigrationBatch:
		limit = maxMigrationBatch
	}

	migrated, err := s.packages.MigrateLegacy(ctx, limit)
	if err != nil {
		return MigratePackageSchemaResult{Migrated: migrated}, fmt.Errorf("%w: migrate package schema: %v", ErrSystemUnavailable, err)
	}
	s.logEvent(ctx, "system.package_schema.migrated", map[string]any{
		"migrated": migrated,
		"limit":    limit,
	})
	if migrated > 0 && s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      "scheduler",
			ActorType:  AuditActorSystem,
			Action:     "system.package_schema.migrate",
			TargetRef:  "/packages",
			Metadata:   map[string]any{"migrated": migrated},
			OccurredAt: s.now(),
		})
	}
	return MigratePackageSchemaResult{Migrated: migrated}, nil
}

var statusRank = map[string]int{
	domain.HealthStatusOK:       0,
	"":                          0,
	domain.HealthStatusDegraded: 1,
	domain.HealthStatusError:    2,
}

// worstCheck returns the most severe check status. Unknown statuses count as degraded.
func worstCheck(checks map[string]domain.SystemHealthCheck) string {
	worst := domain.HealthStatusOK
	for _, check := range checks {
		rank, known := statusRank[check.Status]
		if !known {
			rank = statusRank[domain.HealthStatusDegraded]
		}
		switch {
		case rank == 2:
			return domain.HealthStatusError
		case rank == 1:
			worst = domain.HealthStatusDegraded
		}
	}
	return worst
}
