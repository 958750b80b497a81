package repositories

import (
	"context"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Packages() PackageRepository
	Customers() CustomerRepository
	PreAlerts() PreAlertRepository
	Notifications() NotificationRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// PackageMutator receives the stored package and returns the desired state together with
// the fields that differ. Returning no changed fields skips the write.
type PackageMutator func(current domain.Package) (domain.Package, []domain.PackageField, error)

// PackageMutation reports the outcome of a transactional read-modify-write.
type PackageMutation struct {
	Before  domain.Package
	After   domain.Package
	Changed []domain.PackageField
}

// PackageRepository persists packages keyed by tracking number.
type PackageRepository interface {
	// Insert creates the package and fails with a conflict error when the tracking number
	// is already taken. The store is the source of truth for uniqueness.
	Insert(ctx context.Context, pkg domain.Package) error
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Package, error)
	List(ctx context.Context, filter domain.PackageListFilter) (domain.CursorPage[domain.Package], error)
	Mutate(ctx context.Context, trackingNumber string, fn PackageMutator) (PackageMutation, error)
	AppendPayment(ctx context.Context, payment domain.PackagePayment, guard func(domain.Package) error) (domain.Package, error)
	ListPayments(ctx context.Context, trackingNumber string) ([]domain.PackagePayment, error)
	ListStorageCandidates(ctx context.Context, filter StorageCandidateFilter) ([]domain.Package, error)
	// MigrateLegacy rewrites up to limit documents still stored in the previous schema.
	MigrateLegacy(ctx context.Context, limit int) (int, error)
}

// CustomerRepository persists customer accounts keyed by customer code.
type CustomerRepository interface {
	Insert(ctx context.Context, customer domain.Customer) error
	FindByCode(ctx context.Context, code string) (domain.Customer, error)
	FindByUserID(ctx context.Context, userID string) (domain.Customer, error)
	List(ctx context.Context, filter CustomerListFilter) (domain.CursorPage[domain.Customer], error)
}

// PreAlertRepository persists customer pre-alerts.
type PreAlertRepository interface {
	Insert(ctx context.Context, alert domain.PreAlert) error
	FindByID(ctx context.Context, id string) (domain.PreAlert, error)
	List(ctx context.Context, filter domain.PreAlertListFilter) (domain.CursorPage[domain.PreAlert], error)
	Update(ctx context.Context, id string, fn func(current domain.PreAlert) (domain.PreAlert, error)) (domain.PreAlert, error)
}

// NotificationRepository persists customer notifications.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	ListByCustomer(ctx context.Context, customerID string, page domain.Pagination) (domain.CursorPage[domain.Notification], error)
	MarkRead(ctx context.Context, customerID, notificationID string, readAt time.Time) (domain.Notification, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// StorageCandidateFilter selects packages that may need a storage reminder.
type StorageCandidateFilter struct {
	Statuses       []domain.PackageStatus
	ReceivedBefore time.Time
	Limit          int
}

type CustomerListFilter struct {
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter. InitialValue
// only seeds a counter that has never issued a value.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
