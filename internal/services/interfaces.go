package services

import (
	"context"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/auth"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Package            = domain.Package
	PackageCosts       = domain.PackageCosts
	PackageStatus      = domain.PackageStatus
	PackageField       = domain.PackageField
	PackageListFilter  = domain.PackageListFilter
	PackagePayment     = domain.PackagePayment
	PackageEvent       = domain.PackageEvent
	AdditionalFee      = domain.AdditionalFee
	Dimensions         = domain.Dimensions
	Customer           = domain.Customer
	PreAlert           = domain.PreAlert
	PreAlertListFilter = domain.PreAlertListFilter
	Notification       = domain.Notification
	SignedURL          = domain.SignedURL
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// PackageService owns the package lifecycle: intake, reads with derived costs, partial
// updates, soft delete, and the payment ledger.
type PackageService interface {
	IssueTrackingNumber(ctx context.Context, cmd IssueTrackingNumberCommand) (TrackingNumberCandidate, error)
	Create(ctx context.Context, cmd CreatePackageCommand) (Package, error)
	Get(ctx context.Context, trackingNumber string) (Package, error)
	List(ctx context.Context, filter PackageListFilter) (domain.CursorPage[Package], error)
	Update(ctx context.Context, cmd UpdatePackageCommand) (PackageUpdateResult, error)
	Delete(ctx context.Context, cmd DeletePackageCommand) (Package, error)
	RecordPayment(ctx context.Context, cmd RecordPaymentCommand) (PaymentReceipt, error)
	ListPayments(ctx context.Context, trackingNumber string) ([]PackagePayment, error)
	ApplyCarrierStatus(ctx context.Context, cmd CarrierStatusCommand) (PackageUpdateResult, error)
}

// CustomerService manages the customer directory packages are billed to.
type CustomerService interface {
	Create(ctx context.Context, cmd CreateCustomerCommand) (Customer, error)
	GetByCode(ctx context.Context, code string) (Customer, error)
	GetByUserID(ctx context.Context, userID string) (Customer, error)
	List(ctx context.Context, page Pagination) (domain.CursorPage[Customer], error)
}

// PreAlertService handles customer notices of inbound shipments and their staff review.
type PreAlertService interface {
	Submit(ctx context.Context, cmd SubmitPreAlertCommand) (PreAlert, error)
	Get(ctx context.Context, id string) (PreAlert, error)
	List(ctx context.Context, filter PreAlertListFilter) (domain.CursorPage[PreAlert], error)
	Approve(ctx context.Context, cmd ApprovePreAlertCommand) (PreAlertApproval, error)
	Reject(ctx context.Context, cmd RejectPreAlertCommand) (PreAlert, error)
	IssueInvoiceUpload(ctx context.Context, cmd InvoiceUploadCommand) (SignedURL, error)
	IssueInvoiceDownload(ctx context.Context, cmd InvoiceDownloadCommand) (SignedURL, error)
}

// NotificationService records customer-facing notifications.
type NotificationService interface {
	Notify(ctx context.Context, cmd NotifyCommand) (Notification, error)
	List(ctx context.Context, customerID string, page Pagination) (domain.CursorPage[Notification], error)
	MarkRead(ctx context.Context, customerID, notificationID string) (Notification, error)
}

// PackageEventPublisher fans package lifecycle events out to downstream consumers.
type PackageEventPublisher interface {
	PublishPackageEvent(ctx context.Context, event PackageEvent) error
}

// StorageReminderService notifies customers whose packages are about to accrue storage fees.
type StorageReminderService interface {
	Run(ctx context.Context, cmd StorageReminderCommand) (StorageReminderResult, error)
}

// CounterService issues formatted values from transactional sequences.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService aggregates operational endpoints (health checks, audit logs, schema upkeep).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	MigratePackageSchema(ctx context.Context, cmd MigratePackageSchemaCommand) (MigratePackageSchemaResult, error)
}

// Command and DTO definitions ------------------------------------------------

type IssueTrackingNumberCommand struct {
	Prefix string
	Short  *bool
}

// TrackingNumberCandidate reports a generated tracking number and whether it was unused at
// the time of the check. Availability is advisory; Create is the authoritative check.
type TrackingNumberCandidate struct {
	TrackingNumber string
	Available      bool
}

type CreatePackageCommand struct {
	TrackingNumber        string
	CustomerCode          string
	Description           string
	Merchant              string
	Carrier               string
	CarrierTrackingNumber string
	Weight                float64
	WeightUnit            domain.WeightUnit
	Dimensions            *Dimensions
	ItemValueUSD          float64
	DeliveryFeeJMD        float64
	AdditionalFees        []AdditionalFee
	AmountPaidJMD         float64
	DateReceived          *time.Time
	PreAlertID            string
	ActorID               string
}

// UpdatePackageCommand is a partial patch; nil fields are left untouched.
type UpdatePackageCommand struct {
	TrackingNumber        string
	ActorID               string
	Description           *string
	Merchant              *string
	Carrier               *string
	CarrierTrackingNumber *string
	Weight                *float64
	WeightUnit            *domain.WeightUnit
	Dimensions            *Dimensions
	ItemValueUSD          *float64
	Status                *PackageStatus
	DeliveryFeeJMD        *float64
	AdditionalFees        *[]AdditionalFee
	DateReceived          *time.Time
}

type PackageUpdateResult struct {
	Package       Package
	ChangedFields []PackageField
}

type DeletePackageCommand struct {
	TrackingNumber string
	Reason         string
	ActorID        string
}

type RecordPaymentCommand struct {
	TrackingNumber string
	AmountJMD      float64
	Method         domain.PaymentMethod
	Reference      string
	ActorID        string
}

type PaymentReceipt struct {
	Payment PackagePayment
	Package Package
}

// CarrierStatusCommand carries a status update reported by an external carrier.
type CarrierStatusCommand struct {
	TrackingNumber string
	Status         PackageStatus
	OccurredAt     time.Time
	Source         string
}

type CreateCustomerCommand struct {
	UserID  string
	Name    string
	Email   string
	Phone   string
	Locale  string
	ActorID string
}

type SubmitPreAlertCommand struct {
	CustomerID            string
	CustomerCode          string
	Carrier               string
	CarrierTrackingNumber string
	Merchant              string
	Description           string
	ItemValueUSD          float64
	ExpectedAt            *time.Time
}

type ApprovePreAlertCommand struct {
	PreAlertID     string
	TrackingNumber string
	Weight         float64
	WeightUnit     domain.WeightUnit
	Dimensions     *Dimensions
	DeliveryFeeJMD float64
	ActorID        string
}

type PreAlertApproval struct {
	PreAlert PreAlert
	Package  Package
}

type RejectPreAlertCommand struct {
	PreAlertID string
	Reason     string
	ActorID    string
}

type InvoiceUploadCommand struct {
	PreAlertID  string
	CustomerID  string
	FileName    string
	ContentType string
	SizeBytes   int64
}

// InvoiceDownloadCommand requests a download link on behalf of Requester. Staff may read
// any invoice; customers only those on their own pre-alerts.
type InvoiceDownloadCommand struct {
	PreAlertID string
	Requester  *auth.Identity
}

type NotifyCommand struct {
	CustomerID     string
	Kind           domain.NotificationKind
	TrackingNumber string
	Status         PackageStatus
	Detail         string
	Locale         string
}

type StorageReminderCommand struct {
	Limit int
}

type StorageReminderResult struct {
	Candidates int
	Reminded   int
	Failed     int
}

type MigratePackageSchemaCommand struct {
	Limit int
}

type MigratePackageSchemaResult struct {
	Migrated int
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	Prefix       string
	Suffix       string
	PadLength    int
	MaxValue     *int64
	InitialValue *int64
	Formatter    func(now time.Time, value int64) string
}

// CounterValue is the raw sequence value together with its formatted representation.
type CounterValue struct {
	Value     int64
	Formatted string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}
