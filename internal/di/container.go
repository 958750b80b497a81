package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tas-logistics/api/internal/platform/config"
	"github.com/tas-logistics/api/internal/platform/observability"
	"github.com/tas-logistics/api/internal/repositories"
	"github.com/tas-logistics/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Audit           services.AuditLogService
	Counters        services.CounterService
	TrackingNumbers *services.TrackingNumberIssuer
	Notifications   services.NotificationService
	Customers       services.CustomerService
	Packages        services.PackageService
	PreAlerts       services.PreAlertService
	Reminders       services.StorageReminderService
	System          services.SystemService
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises how services are assembled.
type Option func(*containerOptions)

type containerOptions struct {
	logger      *zap.Logger
	storage     services.SignedURLIssuer
	events      services.PackageEventPublisher
	build       services.BuildInfo
	clock       func() time.Time
	idGenerator func() string
}

// WithLogger names per-service loggers off base.
func WithLogger(base *zap.Logger) Option {
	return func(o *containerOptions) {
		if base != nil {
			o.logger = base
		}
	}
}

// WithSignedURLIssuer enables invoice uploads on pre-alerts.
func WithSignedURLIssuer(issuer services.SignedURLIssuer) Option {
	return func(o *containerOptions) {
		o.storage = issuer
	}
}

// WithPackageEvents publishes package lifecycle events after each mutation.
func WithPackageEvents(publisher services.PackageEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = publisher
	}
}

func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(o *containerOptions) {
		o.idGenerator = gen
	}
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, opts containerOptions) (Services, error) {
	var svc Services
	named := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(opts.logger.Named(name))
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      opts.clock,
			Logger:     named("audit"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	if counterRepo := reg.Counters(); counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      opts.clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	issuer, err := services.NewTrackingNumberIssuer(
		services.NewTrackingNumberGenerator(opts.clock, nil),
		svc.Counters,
		services.TrackingNumberIssuerConfig{
			Prefix: cfg.Tracking.Prefix,
			Mode:   services.TrackingNumberMode(strings.ToLower(strings.TrimSpace(cfg.Tracking.Mode))),
			Short:  cfg.Tracking.Short,
		},
	)
	if err != nil {
		return Services{}, fmt.Errorf("build tracking number issuer: %w", err)
	}
	svc.TrackingNumbers = issuer

	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Notifications: reg.Notifications(),
		Clock:         opts.clock,
		IDGenerator:   opts.idGenerator,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notificationSvc

	customerSvc, err := services.NewCustomerService(services.CustomerServiceDeps{
		Customers:   reg.Customers(),
		Counters:    svc.Counters,
		Audit:       svc.Audit,
		Clock:       opts.clock,
		IDGenerator: opts.idGenerator,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build customer service: %w", err)
	}
	svc.Customers = customerSvc

	packageSvc, err := services.NewPackageService(services.PackageServiceDeps{
		Packages:        reg.Packages(),
		Customers:       reg.Customers(),
		TrackingNumbers: issuer,
		Notifications:   notificationSvc,
		Events:          opts.events,
		Audit:           svc.Audit,
		Clock:           opts.clock,
		IDGenerator:     opts.idGenerator,
		Logger:          named("packages"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build package service: %w", err)
	}
	svc.Packages = packageSvc

	preAlertSvc, err := services.NewPreAlertService(services.PreAlertServiceDeps{
		PreAlerts:     reg.PreAlerts(),
		Customers:     reg.Customers(),
		Packages:      packageSvc,
		Notifications: notificationSvc,
		Audit:         svc.Audit,
		Storage:       opts.storage,
		InvoiceBucket: cfg.Storage.InvoiceBucket,
		Clock:         opts.clock,
		IDGenerator:   opts.idGenerator,
		Logger:        named("pre_alerts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pre-alert service: %w", err)
	}
	svc.PreAlerts = preAlertSvc

	leadDays := cfg.Reminders.LeadDays
	reminderSvc, err := services.NewStorageReminderService(services.StorageReminderServiceDeps{
		Packages:      reg.Packages(),
		Notifications: notificationSvc,
		LeadDays:      &leadDays,
		BatchSize:     cfg.Reminders.BatchSize,
		Clock:         opts.clock,
		Logger:        named("reminders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build storage reminder service: %w", err)
	}
	svc.Reminders = reminderSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := opts.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = opts.clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            opts.clock,
			Build:            build,
			Audit:            svc.Audit,
			Packages:         reg.Packages(),
			Logger:           named("system"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
