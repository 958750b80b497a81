package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// PackageStatus enumerates the lifecycle labels of a package.
type PackageStatus string

const (
	// PackageStatusReceived marks a package checked in at the warehouse.
	PackageStatusReceived PackageStatus = "received"
	// PackageStatusInProcessing marks a package being sorted, weighed or repacked.
	PackageStatusInProcessing PackageStatus = "in_processing"
	// PackageStatusReadyToShip marks a package awaiting pickup or dispatch.
	PackageStatusReadyToShip PackageStatus = "ready_to_ship"
	// PackageStatusShipped marks a package handed to the carrier.
	PackageStatusShipped PackageStatus = "shipped"
	// PackageStatusInTransit marks a package moving between facilities.
	PackageStatusInTransit PackageStatus = "in_transit"
	// PackageStatusDelivered marks a package handed to the customer.
	PackageStatusDelivered PackageStatus = "delivered"
	// PackageStatusReturned is the terminal label used for soft deletes.
	PackageStatusReturned PackageStatus = "returned"
)

var packageStatusRank = map[PackageStatus]int{
	PackageStatusReceived:     1,
	PackageStatusInProcessing: 2,
	PackageStatusReadyToShip:  3,
	PackageStatusShipped:      4,
	PackageStatusInTransit:    5,
	PackageStatusDelivered:    6,
	PackageStatusReturned:     7,
}

// Valid reports whether the status is one of the known lifecycle labels.
func (s PackageStatus) Valid() bool {
	_, ok := packageStatusRank[s]
	return ok
}

// Rank orders statuses along the forward lifecycle. Unknown statuses rank 0.
func (s PackageStatus) Rank() int {
	return packageStatusRank[s]
}

// ActivePackageStatuses lists every status except the terminal soft-delete label.
func ActivePackageStatuses() []PackageStatus {
	return []PackageStatus{
		PackageStatusReceived,
		PackageStatusInProcessing,
		PackageStatusReadyToShip,
		PackageStatusShipped,
		PackageStatusInTransit,
		PackageStatusDelivered,
	}
}

// WeightUnit identifies how a package weight was captured.
type WeightUnit string

const (
	WeightUnitKilograms WeightUnit = "kg"
	WeightUnitPounds    WeightUnit = "lb"
)

// Valid reports whether the unit is supported.
func (u WeightUnit) Valid() bool {
	return u == WeightUnitKilograms || u == WeightUnitPounds
}

// LengthUnit identifies how package dimensions were captured.
type LengthUnit string

const (
	LengthUnitInches      LengthUnit = "in"
	LengthUnitCentimeters LengthUnit = "cm"
)

// Valid reports whether the unit is supported.
func (u LengthUnit) Valid() bool {
	return u == LengthUnitInches || u == LengthUnitCentimeters
}

// Dimensions captures the measured box size of a package.
type Dimensions struct {
	Length float64
	Width  float64
	Height float64
	Unit   LengthUnit
}

// AdditionalFee is a staff-applied surcharge such as repacking or special handling.
type AdditionalFee struct {
	Label     string
	AmountJMD float64
}

// Package is a single parcel tracked from warehouse intake to delivery.
type Package struct {
	TrackingNumber        string
	CustomerID            string
	CustomerCode          string
	CustomerName          string
	Description           string
	Merchant              string
	Carrier               string
	CarrierTrackingNumber string
	Weight                float64
	WeightUnit            WeightUnit
	Dimensions            Dimensions
	ItemValueUSD          float64
	Status                PackageStatus
	DeliveryFeeJMD        float64
	AdditionalFees        []AdditionalFee
	AmountPaidJMD         float64
	PreAlertID            string
	DeleteReason          string
	DeletedBy             string
	DeletedAt             *time.Time
	StorageReminderSentAt *time.Time
	DateReceived          time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	SchemaVersion         int

	// Costs is derived on every read and never persisted.
	Costs PackageCosts
}

// PackageCosts holds the fee breakdown derived from a package's stored attributes.
type PackageCosts struct {
	WeightLbs              float64
	StorageDays            int
	ShippingCostJMD        float64
	StorageFeeJMD          float64
	DeliveryFeeJMD         float64
	AdditionalFeesTotalJMD float64
	TotalCostJMD           float64
	AmountPaidJMD          float64
	OutstandingBalanceJMD  float64
	CustomsDutyUSD         float64
}

// PackageListFilter narrows package listings.
type PackageListFilter struct {
	Query           string
	Statuses        []PackageStatus
	CustomerID      string
	ReceivedRange   RangeQuery[time.Time]
	IncludeReturned bool
	Pagination      Pagination
}

// PaymentMethod enumerates how a customer settled a balance.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodOnline       PaymentMethod = "online"
)

// Valid reports whether the payment method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodBankTransfer, PaymentMethodOnline:
		return true
	default:
		return false
	}
}

// PackagePayment records money received against a package balance.
type PackagePayment struct {
	ID             string
	TrackingNumber string
	AmountJMD      float64
	Method         PaymentMethod
	Reference      string
	RecordedBy     string
	RecordedAt     time.Time
}

// Customer is an account holder that packages are billed to.
type Customer struct {
	ID        string
	Code      string
	UserID    string
	Name      string
	Email     string
	Phone     string
	Locale    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreAlertStatus captures the review state of a customer pre-alert.
type PreAlertStatus string

const (
	PreAlertStatusPending PreAlertStatus = "pending"
	// PreAlertStatusApproving holds the tracking number reserved for the package while
	// an approval is in flight.
	PreAlertStatusApproving PreAlertStatus = "approving"
	PreAlertStatusApproved  PreAlertStatus = "approved"
	PreAlertStatusRejected  PreAlertStatus = "rejected"
)

// Valid reports whether the status is known.
func (s PreAlertStatus) Valid() bool {
	switch s {
	case PreAlertStatusPending, PreAlertStatusApproving, PreAlertStatusApproved, PreAlertStatusRejected:
		return true
	default:
		return false
	}
}

// PreAlert is a customer notice of an expected inbound shipment awaiting staff review.
type PreAlert struct {
	ID                    string
	CustomerID            string
	CustomerCode          string
	Carrier               string
	CarrierTrackingNumber string
	Merchant              string
	Description           string
	ItemValueUSD          float64
	ExpectedAt            *time.Time
	Status                PreAlertStatus
	InvoiceObject         string
	PackageTrackingNumber string
	ReviewedBy            string
	ReviewedAt            *time.Time
	RejectReason          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PreAlertListFilter narrows pre-alert listings.
type PreAlertListFilter struct {
	CustomerID string
	Statuses   []PreAlertStatus
	Pagination Pagination
}

// NotificationKind categorises customer notifications.
type NotificationKind string

const (
	NotificationPackageReceived  NotificationKind = "package_received"
	NotificationPackageStatus    NotificationKind = "package_status"
	NotificationPreAlertReviewed NotificationKind = "pre_alert_reviewed"
	NotificationStorageReminder  NotificationKind = "storage_reminder"
)

// Notification is a message surfaced to a customer in their portal.
type Notification struct {
	ID             string
	CustomerID     string
	Kind           NotificationKind
	Title          string
	Body           string
	TrackingNumber string
	Locale         string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// PackageEvent is published whenever a package is received or changes status.
type PackageEvent struct {
	ID             string
	Type           string
	TrackingNumber string
	CustomerID     string
	Status         PackageStatus
	PreviousStatus PackageStatus
	OccurredAt     time.Time
}

// SignedURL returns signed URL payloads for upload/download flows.
type SignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for staff review.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
