package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tas-logistics/api/internal/domain"
	pstorage "github.com/tas-logistics/api/internal/platform/storage"
	"github.com/tas-logistics/api/internal/platform/textutil"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	ErrPreAlertInvalidInput = errors.New("pre-alert: invalid input")
	ErrPreAlertNotFound     = errors.New("pre-alert: not found")
	ErrPreAlertInvalidState = errors.New("pre-alert: invalid state")
	ErrPreAlertConflict     = errors.New("pre-alert: tracking number unavailable")
	ErrPreAlertUnavailable  = errors.New("pre-alert: unavailable")
)

const (
	preAlertIDPrefix = "pa_"

	maxInvoiceSize         = int64(10 * 1024 * 1024) // 10 MiB
	preAlertEventSubmitted = "pre_alert.submitted"
	preAlertEventApproved  = "pre_alert.approved"
	preAlertEventRejected  = "pre_alert.rejected"
)

var allowedInvoiceContentTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/webp",
}

// SignedURLIssuer signs object storage URLs. *storage.Client satisfies it.
type SignedURLIssuer interface {
	SignedURL(ctx context.Context, bucket, object string, opts pstorage.SignedURLOptions) (pstorage.SignedURLResult, error)
}

// PreAlertServiceDeps bundles collaborators for the pre-alert workflow.
type PreAlertServiceDeps struct {
	PreAlerts     repositories.PreAlertRepository
	Customers     repositories.CustomerRepository
	Packages      PackageService
	Notifications NotificationService
	Audit         AuditLogService
	Storage       SignedURLIssuer
	InvoiceBucket string
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type preAlertService struct {
	alerts        repositories.PreAlertRepository
	customers     repositories.CustomerRepository
	packages      PackageService
	notifications NotificationService
	audit         AuditLogService
	storage       SignedURLIssuer
	bucket        string
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ PreAlertService = (*preAlertService)(nil)

// NewPreAlertService constructs the pre-alert workflow service.
func NewPreAlertService(deps PreAlertServiceDeps) (PreAlertService, error) {
	if deps.PreAlerts == nil {
		return nil, errors.New("pre-alert service: pre-alert repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("pre-alert service: customer repository is required")
	}
	if deps.Packages == nil {
		return nil, errors.New("pre-alert service: package service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &preAlertService{
		alerts:        deps.PreAlerts,
		customers:     deps.Customers,
		packages:      deps.Packages,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		storage:       deps.Storage,
		bucket:        strings.TrimSpace(deps.InvoiceBucket),
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

func (s *preAlertService) Submit(ctx context.Context, cmd SubmitPreAlertCommand) (PreAlert, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	customerCode := normalizeCustomerCode(cmd.CustomerCode)
	if customerID == "" || customerCode == "" {
		return PreAlert{}, fmt.Errorf("%w: customer is required", ErrPreAlertInvalidInput)
	}
	carrierRef := textutil.PlainText(cmd.CarrierTrackingNumber, maxCarrierRefLength)
	if carrierRef == "" {
		return PreAlert{}, fmt.Errorf("%w: carrier tracking number is required", ErrPreAlertInvalidInput)
	}
	if math.IsNaN(cmd.ItemValueUSD) || math.IsInf(cmd.ItemValueUSD, 0) || cmd.ItemValueUSD < 0 {
		return PreAlert{}, fmt.Errorf("%w: itemValueUsd must be a non-negative number", ErrPreAlertInvalidInput)
	}

	now := s.clock()
	var expected *time.Time
	if cmd.ExpectedAt != nil && !cmd.ExpectedAt.IsZero() {
		value := cmd.ExpectedAt.UTC()
		expected = &value
	}
	alert := PreAlert{
		ID:                    preAlertIDPrefix + s.newID(),
		CustomerID:            customerID,
		CustomerCode:          customerCode,
		Carrier:               textutil.PlainText(cmd.Carrier, maxFreeTextLength),
		CarrierTrackingNumber: carrierRef,
		Merchant:              textutil.PlainText(cmd.Merchant, maxFreeTextLength),
		Description:           textutil.PlainText(cmd.Description, maxFreeTextLength),
		ItemValueUSD:          cmd.ItemValueUSD,
		ExpectedAt:            expected,
		Status:                domain.PreAlertStatusPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.alerts.Insert(ctx, alert); err != nil {
		return PreAlert{}, s.mapRepositoryError(err)
	}
	s.record(ctx, "customer:"+customerID, AuditActorCustomer, preAlertEventSubmitted, alert.ID, map[string]any{
		"carrierTrackingNumber": alert.CarrierTrackingNumber,
	})
	return alert, nil
}

func (s *preAlertService) Get(ctx context.Context, id string) (PreAlert, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PreAlert{}, fmt.Errorf("%w: pre-alert id is required", ErrPreAlertInvalidInput)
	}
	alert, err := s.alerts.FindByID(ctx, id)
	if err != nil {
		return PreAlert{}, s.mapRepositoryError(err)
	}
	return alert, nil
}

func (s *preAlertService) List(ctx context.Context, filter PreAlertListFilter) (domain.CursorPage[PreAlert], error) {
	if filter.Pagination.PageSize < 0 {
		return domain.CursorPage[PreAlert]{}, fmt.Errorf("%w: page size must be positive", ErrPreAlertInvalidInput)
	}
	statuses := make([]domain.PreAlertStatus, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[PreAlert]{}, fmt.Errorf("%w: unknown status %q", ErrPreAlertInvalidInput, status)
		}
		if !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	filter.Statuses = statuses
	filter.CustomerID = strings.TrimSpace(filter.CustomerID)
	page, err := s.alerts.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[PreAlert]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Approve turns a pending pre-alert into exactly one package. The alert is first claimed
// as approving together with the tracking number its package will use; a retry after any
// later failure resumes with that number and adopts the package an earlier attempt wrote.
func (s *preAlertService) Approve(ctx context.Context, cmd ApprovePreAlertCommand) (PreAlertApproval, error) {
	alert, err := s.Get(ctx, cmd.PreAlertID)
	if err != nil {
		return PreAlertApproval{}, err
	}
	if alert.Status != domain.PreAlertStatusPending && alert.Status != domain.PreAlertStatusApproving {
		return PreAlertApproval{}, fmt.Errorf("%w: pre-alert %s is %s", ErrPreAlertInvalidState, alert.ID, alert.Status)
	}

	reserved := alert.PackageTrackingNumber
	if alert.Status == domain.PreAlertStatusPending || reserved == "" {
		if reserved, err = s.reserveTrackingNumber(ctx, cmd.TrackingNumber); err != nil {
			return PreAlertApproval{}, err
		}
	}

	now := s.clock()
	claimed, err := s.alerts.Update(ctx, alert.ID, func(current PreAlert) (PreAlert, error) {
		switch current.Status {
		case domain.PreAlertStatusPending:
			current.Status = domain.PreAlertStatusApproving
			current.PackageTrackingNumber = reserved
			current.UpdatedAt = now
		case domain.PreAlertStatusApproving:
			if current.PackageTrackingNumber == "" {
				current.PackageTrackingNumber = reserved
				current.UpdatedAt = now
			}
		default:
			return current, fmt.Errorf("%w: pre-alert %s is %s", ErrPreAlertInvalidState, current.ID, current.Status)
		}
		return current, nil
	})
	if err != nil {
		return PreAlertApproval{}, s.mapRepositoryError(err)
	}

	pkg, err := s.ensurePackage(ctx, claimed, cmd)
	if err != nil {
		return PreAlertApproval{}, err
	}

	actor := strings.TrimSpace(cmd.ActorID)
	firstApproval := false
	updated, err := s.alerts.Update(ctx, alert.ID, func(current PreAlert) (PreAlert, error) {
		switch {
		case current.Status == domain.PreAlertStatusApproved && current.PackageTrackingNumber == pkg.TrackingNumber:
			return current, nil
		case current.Status == domain.PreAlertStatusApproving, current.Status == domain.PreAlertStatusPending:
		default:
			return current, fmt.Errorf("%w: pre-alert %s is %s", ErrPreAlertInvalidState, current.ID, current.Status)
		}
		firstApproval = true
		current.Status = domain.PreAlertStatusApproved
		current.PackageTrackingNumber = pkg.TrackingNumber
		current.ReviewedBy = actor
		current.ReviewedAt = &now
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		s.logger(ctx, "pre_alert.approve.mark_failed", map[string]any{
			"preAlertId":     alert.ID,
			"trackingNumber": pkg.TrackingNumber,
			"error":          err.Error(),
		})
		return PreAlertApproval{}, s.mapRepositoryError(err)
	}

	if firstApproval {
		s.notify(ctx, NotifyCommand{
			CustomerID:     updated.CustomerID,
			Kind:           domain.NotificationPreAlertReviewed,
			TrackingNumber: pkg.TrackingNumber,
		})
		s.record(ctx, actor, AuditActorStaff, preAlertEventApproved, updated.ID, map[string]any{
			"trackingNumber": pkg.TrackingNumber,
		})
	}
	return PreAlertApproval{PreAlert: updated, Package: pkg}, nil
}

// reserveTrackingNumber uses the requested number or issues a fresh one.
func (s *preAlertService) reserveTrackingNumber(ctx context.Context, requested string) (string, error) {
	if trackingNumber := NormalizeTrackingNumber(requested); trackingNumber != "" {
		if !ValidTrackingNumber(trackingNumber) {
			return "", fmt.Errorf("%w: tracking number %q is malformed", ErrPreAlertInvalidInput, requested)
		}
		return trackingNumber, nil
	}
	candidate, err := s.packages.IssueTrackingNumber(ctx, IssueTrackingNumberCommand{})
	if err != nil {
		return "", err
	}
	if !candidate.Available {
		return "", fmt.Errorf("%w: issued tracking number %s is taken, retry the approval", ErrPreAlertConflict, candidate.TrackingNumber)
	}
	return candidate.TrackingNumber, nil
}

// ensurePackage returns the package stored under the alert's reserved tracking number,
// creating it when no earlier attempt did. When the number belongs to another package, or
// the package is rejected before anything is written, the reservation is released so the
// alert returns to pending.
func (s *preAlertService) ensurePackage(ctx context.Context, alert PreAlert, cmd ApprovePreAlertCommand) (Package, error) {
	trackingNumber := alert.PackageTrackingNumber
	existing, err := s.packages.Get(ctx, trackingNumber)
	switch {
	case err == nil && existing.PreAlertID == alert.ID:
		return existing, nil
	case err == nil:
		s.releaseReservation(ctx, alert)
		return Package{}, fmt.Errorf("%w: %s", ErrPackageConflict, trackingNumber)
	case errors.Is(err, ErrPackageInvalidInput):
		s.releaseReservation(ctx, alert)
		return Package{}, err
	case !errors.Is(err, ErrPackageNotFound):
		return Package{}, err
	}

	pkg, err := s.packages.Create(ctx, CreatePackageCommand{
		TrackingNumber:        trackingNumber,
		CustomerCode:          alert.CustomerCode,
		Description:           alert.Description,
		Merchant:              alert.Merchant,
		Carrier:               alert.Carrier,
		CarrierTrackingNumber: alert.CarrierTrackingNumber,
		Weight:                cmd.Weight,
		WeightUnit:            cmd.WeightUnit,
		Dimensions:            cmd.Dimensions,
		ItemValueUSD:          alert.ItemValueUSD,
		DeliveryFeeJMD:        cmd.DeliveryFeeJMD,
		PreAlertID:            alert.ID,
		ActorID:               cmd.ActorID,
	})
	switch {
	case err == nil:
		return pkg, nil
	case errors.Is(err, ErrPackageConflict):
		if existing, getErr := s.packages.Get(ctx, trackingNumber); getErr == nil {
			if existing.PreAlertID == alert.ID {
				return existing, nil
			}
			s.releaseReservation(ctx, alert)
		}
	case errors.Is(err, ErrPackageInvalidInput), errors.Is(err, ErrPackageCustomerNotFound):
		s.releaseReservation(ctx, alert)
	}
	return Package{}, err
}

func (s *preAlertService) releaseReservation(ctx context.Context, alert PreAlert) {
	now := s.clock()
	_, err := s.alerts.Update(ctx, alert.ID, func(current PreAlert) (PreAlert, error) {
		if current.Status != domain.PreAlertStatusApproving || current.PackageTrackingNumber != alert.PackageTrackingNumber {
			return current, nil
		}
		current.Status = domain.PreAlertStatusPending
		current.PackageTrackingNumber = ""
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		s.logger(ctx, "pre_alert.approve.release_failed", map[string]any{
			"preAlertId":     alert.ID,
			"trackingNumber": alert.PackageTrackingNumber,
			"error":          err.Error(),
		})
	}
}

func (s *preAlertService) Reject(ctx context.Context, cmd RejectPreAlertCommand) (PreAlert, error) {
	id := strings.TrimSpace(cmd.PreAlertID)
	if id == "" {
		return PreAlert{}, fmt.Errorf("%w: pre-alert id is required", ErrPreAlertInvalidInput)
	}
	reason := textutil.PlainText(cmd.Reason, maxReasonLength)
	if reason == "" {
		return PreAlert{}, fmt.Errorf("%w: reject reason is required", ErrPreAlertInvalidInput)
	}

	now := s.clock()
	actor := strings.TrimSpace(cmd.ActorID)
	updated, err := s.alerts.Update(ctx, id, func(current PreAlert) (PreAlert, error) {
		if current.Status != domain.PreAlertStatusPending {
			return current, fmt.Errorf("%w: pre-alert %s is %s", ErrPreAlertInvalidState, current.ID, current.Status)
		}
		current.Status = domain.PreAlertStatusRejected
		current.RejectReason = reason
		current.ReviewedBy = actor
		current.ReviewedAt = &now
		current.UpdatedAt = now
		return current, nil
	})
	if err != nil {
		return PreAlert{}, s.mapRepositoryError(err)
	}

	s.notify(ctx, NotifyCommand{
		CustomerID: updated.CustomerID,
		Kind:       domain.NotificationPreAlertReviewed,
		Detail:     "Reason: " + reason,
	})
	s.record(ctx, actor, AuditActorStaff, preAlertEventRejected, updated.ID, map[string]any{"reason": reason})
	return updated, nil
}

// IssueInvoiceUpload returns a signed PUT URL for the customer's invoice and records the
// object path on the pre-alert.
func (s *preAlertService) IssueInvoiceUpload(ctx context.Context, cmd InvoiceUploadCommand) (SignedURL, error) {
	if err := s.requireStorage(); err != nil {
		return SignedURL{}, err
	}
	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if !slices.Contains(allowedInvoiceContentTypes, contentType) {
		return SignedURL{}, fmt.Errorf("%w: content type %q is not accepted for invoices", ErrPreAlertInvalidInput, cmd.ContentType)
	}
	if cmd.SizeBytes <= 0 || cmd.SizeBytes > maxInvoiceSize {
		return SignedURL{}, fmt.Errorf("%w: invoice size must be between 1 and %d bytes", ErrPreAlertInvalidInput, maxInvoiceSize)
	}

	alert, err := s.Get(ctx, cmd.PreAlertID)
	if err != nil {
		return SignedURL{}, err
	}
	if alert.CustomerID != strings.TrimSpace(cmd.CustomerID) {
		return SignedURL{}, fmt.Errorf("%w: %s", ErrPreAlertNotFound, alert.ID)
	}
	if alert.Status != domain.PreAlertStatusPending {
		return SignedURL{}, fmt.Errorf("%w: invoices can only be attached to pending pre-alerts", ErrPreAlertInvalidState)
	}

	object, err := pstorage.BuildObjectPath(pstorage.PurposePreAlertInvoice, pstorage.PathParams{
		CustomerID: alert.CustomerID,
		PreAlertID: alert.ID,
		FileName:   cmd.FileName,
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("%w: %v", ErrPreAlertInvalidInput, err)
	}

	signed, err := s.storage.SignedURL(ctx, s.bucket, object, pstorage.SignedURLOptions{
		Upload: &pstorage.UploadOptions{
			Method:              "PUT",
			ContentType:         contentType,
			AllowedContentTypes: allowedInvoiceContentTypes,
			MaxSize:             maxInvoiceSize,
		},
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("%w: sign invoice upload: %v", ErrPreAlertUnavailable, err)
	}

	if alert.InvoiceObject != object {
		now := s.clock()
		if _, err := s.alerts.Update(ctx, alert.ID, func(current PreAlert) (PreAlert, error) {
			current.InvoiceObject = object
			current.UpdatedAt = now
			return current, nil
		}); err != nil {
			return SignedURL{}, s.mapRepositoryError(err)
		}
	}

	s.logger(ctx, "pre_alert.invoice.upload_issued", map[string]any{
		"preAlertId":  alert.ID,
		"object":      object,
		"contentType": contentType,
	})
	return toSignedURL(signed), nil
}

// IssueInvoiceDownload returns a short-lived signed GET URL. Customers asking for an
// invoice they do not own get not found rather than forbidden.
func (s *preAlertService) IssueInvoiceDownload(ctx context.Context, cmd InvoiceDownloadCommand) (SignedURL, error) {
	if err := s.requireStorage(); err != nil {
		return SignedURL{}, err
	}
	if cmd.Requester == nil {
		return SignedURL{}, fmt.Errorf("%w: requester is required", ErrPreAlertInvalidInput)
	}
	alert, err := s.Get(ctx, cmd.PreAlertID)
	if err != nil {
		return SignedURL{}, err
	}
	if alert.InvoiceObject == "" {
		return SignedURL{}, fmt.Errorf("%w: pre-alert %s has no invoice", ErrPreAlertNotFound, alert.ID)
	}

	ownerUID := ""
	if !cmd.Requester.IsStaff() {
		customer, err := s.customers.FindByUserID(ctx, cmd.Requester.UID)
		switch {
		case err == nil:
			if customer.ID == alert.CustomerID {
				ownerUID = customer.UserID
			}
		case isRepositoryNotFound(err):
		default:
			return SignedURL{}, s.mapRepositoryError(err)
		}
	}

	signed, err := s.storage.SignedURL(ctx, s.bucket, alert.InvoiceObject, pstorage.SignedURLOptions{
		Download: &pstorage.DownloadOptions{
			Disposition: "attachment",
			OwnerID:     ownerUID,
			Identity:    cmd.Requester,
		},
	})
	if err != nil {
		if errors.Is(err, pstorage.ErrPermissionDenied) {
			return SignedURL{}, fmt.Errorf("%w: %s", ErrPreAlertNotFound, alert.ID)
		}
		return SignedURL{}, fmt.Errorf("%w: sign invoice download: %v", ErrPreAlertUnavailable, err)
	}
	return toSignedURL(signed), nil
}

func (s *preAlertService) requireStorage() error {
	if s.storage == nil || s.bucket == "" {
		return fmt.Errorf("%w: invoice storage is not configured", ErrPreAlertUnavailable)
	}
	return nil
}

func (s *preAlertService) notify(ctx context.Context, cmd NotifyCommand) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.Notify(ctx, cmd); err != nil {
		s.logger(ctx, "pre_alert.notification.failed", map[string]any{
			"customerId": cmd.CustomerID,
			"error":      err.Error(),
		})
	}
}

func (s *preAlertService) record(ctx context.Context, actor, actorType, action, id string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		ActorType:  actorType,
		Action:     action,
		TargetRef:  "/pre-alerts/" + id,
		Metadata:   metadata,
		OccurredAt: s.clock(),
	})
}

func (s *preAlertService) mapRepositoryError(err error) error {
	for _, sentinel := range []error{ErrPreAlertInvalidInput, ErrPreAlertInvalidState, ErrPreAlertNotFound, ErrPreAlertConflict} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isInvalidPageToken(err) {
		return fmt.Errorf("%w: %v", ErrPreAlertInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPreAlertNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPreAlertInvalidState, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPreAlertUnavailable, err)
		}
	}
	return fmt.Errorf("pre-alert: %w", err)
}

func toSignedURL(result pstorage.SignedURLResult) SignedURL {
	return SignedURL{
		URL:       result.URL,
		Method:    result.Method,
		ExpiresAt: result.ExpiresAt,
		Headers:   result.Headers,
	}
}
