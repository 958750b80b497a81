package di

import (
	"context"
	"testing"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/config"
	"github.com/tas-logistics/api/internal/repositories"
	"github.com/tas-logistics/api/internal/services"
)

type stubRegistry struct {
	health repositories.HealthRepository
	closed bool
}

type (
	stubPackages      struct{ repositories.PackageRepository }
	stubCustomers     struct{ repositories.CustomerRepository }
	stubPreAlerts     struct{ repositories.PreAlertRepository }
	stubNotifications struct{ repositories.NotificationRepository }
	stubAuditLogs     struct{ repositories.AuditLogRepository }
	stubCounters      struct{ repositories.CounterRepository }
)

func (r *stubRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func (r *stubRegistry) Packages() repositories.PackageRepository { return stubPackages{} }
func (r *stubRegistry) Customers() repositories.CustomerRepository { return stubCustomers{} }
func (r *stubRegistry) PreAlerts() repositories.PreAlertRepository { return stubPreAlerts{} }
func (r *stubRegistry) Notifications() repositories.NotificationRepository {
	return stubNotifications{}
}
func (r *stubRegistry) AuditLogs() repositories.AuditLogRepository { return stubAuditLogs{} }
func (r *stubRegistry) Counters() repositories.CounterRepository   { return stubCounters{} }
func (r *stubRegistry) Health() repositories.HealthRepository      { return r.health }

type stubHealth struct{}

func (stubHealth) Collect(context.Context) (domain.SystemHealthReport, error) {
	return domain.SystemHealthReport{Status: domain.HealthStatusOK}, nil
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil); err == nil {
		t.Fatalf("expected missing registry to fail")
	}
}

func TestNewContainerWiresServices(t *testing.T) {
	reg := &stubRegistry{health: stubHealth{}}
	cfg := config.Config{
		Tracking:  config.TrackingConfig{Prefix: "tas", Mode: "Sequence"},
		Reminders: config.ReminderConfig{LeadDays: 2, BatchSize: 50},
	}
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	c, err := NewContainer(context.Background(), cfg, reg,
		WithClock(func() time.Time { return now }),
		WithBuildInfo(services.BuildInfo{Version: "1.2.3"}),
	)
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	svc := c.Services
	if svc.Packages == nil || svc.Customers == nil || svc.PreAlerts == nil || svc.Notifications == nil {
		t.Fatalf("expected core services, got %+v", svc)
	}
	if svc.Reminders == nil || svc.System == nil || svc.Audit == nil || svc.Counters == nil || svc.TrackingNumbers == nil {
		t.Fatalf("expected supporting services, got %+v", svc)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !reg.closed {
		t.Fatalf("expected registry to be closed")
	}
}

func TestNewContainerRejectsUnknownTrackingMode(t *testing.T) {
	cfg := config.Config{Tracking: config.TrackingConfig{Mode: "uuid"}}
	if _, err := NewContainer(context.Background(), cfg, &stubRegistry{}); err == nil {
		t.Fatalf("expected unsupported tracking mode to fail")
	}
}

func TestNewContainerSkipsSystemWithoutHealth(t *testing.T) {
	c, err := NewContainer(context.Background(), config.Config{}, &stubRegistry{})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if c.Services.System != nil {
		t.Fatalf("expected no system service without health checks")
	}
}
