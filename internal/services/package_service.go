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
	"github.com/tas-logistics/api/internal/platform/pagination"
	"github.com/tas-logistics/api/internal/platform/textutil"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	// ErrPackageInvalidInput indicates a malformed request; it is raised before any store access.
	ErrPackageInvalidInput = errors.New("package: invalid input")
	// ErrPackageNotFound indicates the tracking number does not exist.
	ErrPackageNotFound = errors.New("package: not found")
	// ErrPackageCustomerNotFound indicates the referenced customer code does not exist.
	ErrPackageCustomerNotFound = errors.New("package: customer not found")
	// ErrPackageConflict indicates the tracking number is already in use.
	ErrPackageConflict = errors.New("package: tracking number already exists")
	// ErrPackageInvalidState indicates the package cannot be changed in its current status.
	ErrPackageInvalidState = errors.New("package: invalid state")
	// ErrPackageUnavailable indicates the package store could not be reached.
	ErrPackageUnavailable = errors.New("package: repository unavailable")
)

const (
	paymentIDPrefix = "pay_"

	PackageEventReceived      = "package.received"
	PackageEventStatusChanged = "package.status_changed"

	maxFreeTextLength   = 500
	maxReasonLength     = 500
	maxFeeLabelLength   = 80
	maxAdditionalFees   = 20
	maxCarrierRefLength = 64
)

// PackageServiceDeps bundles collaborators required to construct the package service.
type PackageServiceDeps struct {
	Packages        repositories.PackageRepository
	Customers       repositories.CustomerRepository
	TrackingNumbers *TrackingNumberIssuer
	Notifications   NotificationService
	Events          PackageEventPublisher
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type packageService struct {
	packages      repositories.PackageRepository
	customers     repositories.CustomerRepository
	issuer        *TrackingNumberIssuer
	notifications NotificationService
	events        PackageEventPublisher
	audit         AuditLogService
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ PackageService = (*packageService)(nil)

// NewPackageService wires dependencies into a concrete PackageService implementation.
func NewPackageService(deps PackageServiceDeps) (PackageService, error) {
	if deps.Packages == nil {
		return nil, errors.New("package service: package repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("package service: customer repository is required")
	}

	issuer := deps.TrackingNumbers
	if issuer == nil {
		var err error
		issuer, err = NewTrackingNumberIssuer(nil, nil, TrackingNumberIssuerConfig{})
		if err != nil {
			return nil, err
		}
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

	return &packageService{
		packages:      deps.Packages,
		customers:     deps.Customers,
		issuer:        issuer,
		notifications: deps.Notifications,
		events:        deps.Events,
		audit:         deps.Audit,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

func (s *packageService) IssueTrackingNumber(ctx context.Context, cmd IssueTrackingNumberCommand) (TrackingNumberCandidate, error) {
	candidate, err := s.issuer.Next(ctx, cmd.Prefix, cmd.Short)
	if err != nil {
		return TrackingNumberCandidate{}, fmt.Errorf("%w: %v", ErrPackageUnavailable, err)
	}
	_, err = s.packages.FindByTrackingNumber(ctx, candidate)
	switch {
	case err == nil:
		return TrackingNumberCandidate{TrackingNumber: candidate, Available: false}, nil
	case isRepositoryNotFound(err):
		return TrackingNumberCandidate{TrackingNumber: candidate, Available: true}, nil
	default:
		return TrackingNumberCandidate{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
}

// Create validates the intake, resolves the customer and inserts the package. The
// pre-check only fails fast; the repository insert is the authoritative uniqueness test.
func (s *packageService) Create(ctx context.Context, cmd CreatePackageCommand) (Package, error) {
	trackingNumber := NormalizeTrackingNumber(cmd.TrackingNumber)
	if trackingNumber == "" {
		return Package{}, fmt.Errorf("%w: tracking number is required", ErrPackageInvalidInput)
	}
	if !ValidTrackingNumber(trackingNumber) {
		return Package{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, trackingNumber)
	}
	customerCode := normalizeCustomerCode(cmd.CustomerCode)
	if customerCode == "" {
		return Package{}, fmt.Errorf("%w: customer code is required", ErrPackageInvalidInput)
	}

	weightUnit := cmd.WeightUnit
	if weightUnit == "" {
		weightUnit = domain.WeightUnitPounds
	}
	if !weightUnit.Valid() {
		return Package{}, fmt.Errorf("%w: unsupported weight unit %q", ErrPackageInvalidInput, weightUnit)
	}
	for name, value := range map[string]float64{
		"weight":         cmd.Weight,
		"itemValueUsd":   cmd.ItemValueUSD,
		"deliveryFeeJmd": cmd.DeliveryFeeJMD,
		"amountPaidJmd":  cmd.AmountPaidJMD,
	} {
		if err := validateAmount(name, value); err != nil {
			return Package{}, err
		}
	}
	dimensions, err := normalizeDimensions(cmd.Dimensions)
	if err != nil {
		return Package{}, err
	}
	fees, err := normalizeFees(cmd.AdditionalFees)
	if err != nil {
		return Package{}, err
	}

	customer, err := s.customers.FindByCode(ctx, customerCode)
	if err != nil {
		if isRepositoryNotFound(err) {
			return Package{}, fmt.Errorf("%w: %s", ErrPackageCustomerNotFound, customerCode)
		}
		return Package{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}

	if _, err := s.packages.FindByTrackingNumber(ctx, trackingNumber); err == nil {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageConflict, trackingNumber)
	} else if !isRepositoryNotFound(err) {
		return Package{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}

	now := s.clock()
	received := now
	if cmd.DateReceived != nil && !cmd.DateReceived.IsZero() {
		received = cmd.DateReceived.UTC()
	}

	pkg := Package{
		TrackingNumber:        trackingNumber,
		CustomerID:            customer.ID,
		CustomerCode:          customer.Code,
		CustomerName:          customer.Name,
		Description:           textutil.PlainText(cmd.Description, maxFreeTextLength),
		Merchant:              textutil.PlainText(cmd.Merchant, maxFreeTextLength),
		Carrier:               textutil.PlainText(cmd.Carrier, maxFreeTextLength),
		CarrierTrackingNumber: textutil.PlainText(cmd.CarrierTrackingNumber, maxCarrierRefLength),
		Weight:                cmd.Weight,
		WeightUnit:            weightUnit,
		Dimensions:            dimensions,
		ItemValueUSD:          cmd.ItemValueUSD,
		Status:                domain.PackageStatusReceived,
		DeliveryFeeJMD:        cmd.DeliveryFeeJMD,
		AdditionalFees:        fees,
		AmountPaidJMD:         cmd.AmountPaidJMD,
		PreAlertID:            strings.TrimSpace(cmd.PreAlertID),
		DateReceived:          received,
		CreatedAt:             now,
		UpdatedAt:             now,
		SchemaVersion:         2,
	}

	if err := s.packages.Insert(ctx, pkg); err != nil {
		return Package{}, s.mapRepositoryError(err, ErrPackageConflict)
	}

	s.notify(ctx, NotifyCommand{
		CustomerID:     customer.ID,
		Kind:           domain.NotificationPackageReceived,
		TrackingNumber: trackingNumber,
		Status:         pkg.Status,
		Locale:         customer.Locale,
	})
	s.publish(ctx, PackageEvent{
		Type:           PackageEventReceived,
		TrackingNumber: trackingNumber,
		CustomerID:     customer.ID,
		Status:         pkg.Status,
		OccurredAt:     now,
	})
	s.record(ctx, cmd.ActorID, "package.create", trackingNumber, nil, map[string]any{
		"customerCode": customer.Code,
		"preAlertId":   pkg.PreAlertID,
	})

	return withCosts(pkg, now), nil
}

func (s *packageService) Get(ctx context.Context, trackingNumber string) (Package, error) {
	id := NormalizeTrackingNumber(trackingNumber)
	if !ValidTrackingNumber(id) {
		return Package{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, trackingNumber)
	}
	pkg, err := s.packages.FindByTrackingNumber(ctx, id)
	if err != nil {
		return Package{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	return withCosts(pkg, s.clock()), nil
}

// List returns a page of packages with costs derived at response time. Returned packages
// are hidden unless explicitly requested by status or IncludeReturned.
func (s *packageService) List(ctx context.Context, filter PackageListFilter) (domain.CursorPage[Package], error) {
	if filter.Pagination.PageSize < 0 {
		return domain.CursorPage[Package]{}, fmt.Errorf("%w: page size must be positive", ErrPackageInvalidInput)
	}
	statuses := make([]PackageStatus, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[Package]{}, fmt.Errorf("%w: unknown status %q", ErrPackageInvalidInput, status)
		}
		if !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}
	if from, to := filter.ReceivedRange.From, filter.ReceivedRange.To; from != nil && to != nil && from.After(*to) {
		return domain.CursorPage[Package]{}, fmt.Errorf("%w: received range start is after end", ErrPackageInvalidInput)
	}
	filter.Statuses = statuses
	filter.Query = textutil.PlainText(filter.Query, 200)
	filter.CustomerID = strings.TrimSpace(filter.CustomerID)

	page, err := s.packages.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Package]{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	now := s.clock()
	for i := range page.Items {
		page.Items[i] = withCosts(page.Items[i], now)
	}
	return page, nil
}

// Update applies a partial patch. Only fields whose value differs are written; when
// nothing differs the call succeeds without a write and reports no changed fields.
func (s *packageService) Update(ctx context.Context, cmd UpdatePackageCommand) (PackageUpdateResult, error) {
	id := NormalizeTrackingNumber(cmd.TrackingNumber)
	if !ValidTrackingNumber(id) {
		return PackageUpdateResult{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, cmd.TrackingNumber)
	}
	if err := validateUpdate(cmd); err != nil {
		return PackageUpdateResult{}, err
	}

	var fees *[]AdditionalFee
	if cmd.AdditionalFees != nil {
		normalized, err := normalizeFees(*cmd.AdditionalFees)
		if err != nil {
			return PackageUpdateResult{}, err
		}
		fees = &normalized
	}
	var dims *Dimensions
	if cmd.Dimensions != nil {
		normalized, err := normalizeDimensions(cmd.Dimensions)
		if err != nil {
			return PackageUpdateResult{}, err
		}
		dims = &normalized
	}

	now := s.clock()
	mutation, err := s.packages.Mutate(ctx, id, func(current Package) (Package, []PackageField, error) {
		if current.Status == domain.PackageStatusReturned {
			return current, nil, fmt.Errorf("%w: package %s has been returned", ErrPackageInvalidState, current.TrackingNumber)
		}
		patch := packagePatch{next: current}
		patch.text(domain.PackageFieldDescription, &patch.next.Description, textutil.OptionalPlainText(cmd.Description, maxFreeTextLength))
		patch.text(domain.PackageFieldMerchant, &patch.next.Merchant, textutil.OptionalPlainText(cmd.Merchant, maxFreeTextLength))
		patch.text(domain.PackageFieldCarrier, &patch.next.Carrier, textutil.OptionalPlainText(cmd.Carrier, maxFreeTextLength))
		patch.text(domain.PackageFieldCarrierTrackingNumber, &patch.next.CarrierTrackingNumber, textutil.OptionalPlainText(cmd.CarrierTrackingNumber, maxCarrierRefLength))
		patch.number(domain.PackageFieldWeight, &patch.next.Weight, cmd.Weight)
		patch.number(domain.PackageFieldItemValueUSD, &patch.next.ItemValueUSD, cmd.ItemValueUSD)
		patch.number(domain.PackageFieldDeliveryFeeJMD, &patch.next.DeliveryFeeJMD, cmd.DeliveryFeeJMD)
		if cmd.WeightUnit != nil && *cmd.WeightUnit != patch.next.WeightUnit {
			patch.next.WeightUnit = *cmd.WeightUnit
			patch.mark(domain.PackageFieldWeightUnit)
		}
		if dims != nil && *dims != patch.next.Dimensions {
			patch.next.Dimensions = *dims
			patch.mark(domain.PackageFieldDimensions)
		}
		if fees != nil && !slices.Equal(*fees, patch.next.AdditionalFees) {
			patch.next.AdditionalFees = *fees
			patch.mark(domain.PackageFieldAdditionalFees)
		}
		if cmd.DateReceived != nil && !cmd.DateReceived.Equal(patch.next.DateReceived) {
			patch.next.DateReceived = cmd.DateReceived.UTC()
			patch.mark(domain.PackageFieldDateReceived)
		}
		if cmd.Status != nil && *cmd.Status != patch.next.Status {
			patch.next.Status = *cmd.Status
			patch.mark(domain.PackageFieldStatus)
		}
		if len(patch.changed) > 0 {
			patch.next.UpdatedAt = now
		}
		return patch.next, patch.changed, nil
	})
	if err != nil {
		return PackageUpdateResult{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}

	if len(mutation.Changed) > 0 {
		s.afterMutation(ctx, cmd.ActorID, "package.update", mutation, now)
	}
	return PackageUpdateResult{Package: withCosts(mutation.After, now), ChangedFields: mutation.Changed}, nil
}

// Delete soft-deletes the package by moving it to the terminal returned status. Deleting
// a returned package succeeds without a write.
func (s *packageService) Delete(ctx context.Context, cmd DeletePackageCommand) (Package, error) {
	id := NormalizeTrackingNumber(cmd.TrackingNumber)
	if !ValidTrackingNumber(id) {
		return Package{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, cmd.TrackingNumber)
	}
	reason := textutil.PlainText(cmd.Reason, maxReasonLength)
	if reason == "" {
		return Package{}, fmt.Errorf("%w: delete reason is required", ErrPackageInvalidInput)
	}

	now := s.clock()
	mutation, err := s.packages.Mutate(ctx, id, func(current Package) (Package, []PackageField, error) {
		if current.Status == domain.PackageStatusReturned {
			return current, nil, nil
		}
		next := current
		next.Status = domain.PackageStatusReturned
		next.DeleteReason = reason
		next.DeletedBy = strings.TrimSpace(cmd.ActorID)
		deletedAt := now
		next.DeletedAt = &deletedAt
		next.UpdatedAt = now
		return next, []PackageField{
			domain.PackageFieldStatus,
			domain.PackageFieldDeleteReason,
			domain.PackageFieldDeletedBy,
			domain.PackageFieldDeletedAt,
		}, nil
	})
	if err != nil {
		return Package{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	if len(mutation.Changed) > 0 {
		s.afterMutation(ctx, cmd.ActorID, "package.delete", mutation, now)
	}
	return withCosts(mutation.After, now), nil
}

// RecordPayment adds a payment to the ledger and increments amountPaidJmd atomically.
func (s *packageService) RecordPayment(ctx context.Context, cmd RecordPaymentCommand) (PaymentReceipt, error) {
	id := NormalizeTrackingNumber(cmd.TrackingNumber)
	if !ValidTrackingNumber(id) {
		return PaymentReceipt{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, cmd.TrackingNumber)
	}
	if math.IsNaN(cmd.AmountJMD) || math.IsInf(cmd.AmountJMD, 0) || cmd.AmountJMD <= 0 {
		return PaymentReceipt{}, fmt.Errorf("%w: payment amount must be greater than zero", ErrPackageInvalidInput)
	}
	method := cmd.Method
	if method == "" {
		method = domain.PaymentMethodCash
	}
	if !method.Valid() {
		return PaymentReceipt{}, fmt.Errorf("%w: unsupported payment method %q", ErrPackageInvalidInput, method)
	}

	now := s.clock()
	payment := PackagePayment{
		ID:             paymentIDPrefix + s.newID(),
		TrackingNumber: id,
		AmountJMD:      cmd.AmountJMD,
		Method:         method,
		Reference:      textutil.PlainText(cmd.Reference, maxCarrierRefLength),
		RecordedBy:     strings.TrimSpace(cmd.ActorID),
		RecordedAt:     now,
	}
	updated, err := s.packages.AppendPayment(ctx, payment, func(current Package) error {
		if current.Status == domain.PackageStatusReturned {
			return fmt.Errorf("%w: package %s has been returned", ErrPackageInvalidState, current.TrackingNumber)
		}
		return nil
	})
	if err != nil {
		return PaymentReceipt{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}

	s.record(ctx, cmd.ActorID, "package.payment.record", id, map[string]AuditLogDiff{
		string(domain.PackageFieldAmountPaidJMD): {Before: updated.AmountPaidJMD - payment.AmountJMD, After: updated.AmountPaidJMD},
	}, map[string]any{
		"paymentId": payment.ID,
		"method":    string(payment.Method),
		"reference": payment.Reference,
	})
	return PaymentReceipt{Payment: payment, Package: withCosts(updated, now)}, nil
}

func (s *packageService) ListPayments(ctx context.Context, trackingNumber string) ([]PackagePayment, error) {
	id := NormalizeTrackingNumber(trackingNumber)
	if !ValidTrackingNumber(id) {
		return nil, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, trackingNumber)
	}
	if _, err := s.packages.FindByTrackingNumber(ctx, id); err != nil {
		return nil, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	payments, err := s.packages.ListPayments(ctx, id)
	if err != nil {
		return nil, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	return payments, nil
}

// ApplyCarrierStatus moves a package forward along the carrier leg of the lifecycle.
// Reports that would move the package backwards, or that arrive after it was returned,
// are accepted and ignored.
func (s *packageService) ApplyCarrierStatus(ctx context.Context, cmd CarrierStatusCommand) (PackageUpdateResult, error) {
	id := NormalizeTrackingNumber(cmd.TrackingNumber)
	if !ValidTrackingNumber(id) {
		return PackageUpdateResult{}, fmt.Errorf("%w: tracking number %q is malformed", ErrPackageInvalidInput, cmd.TrackingNumber)
	}
	switch cmd.Status {
	case domain.PackageStatusShipped, domain.PackageStatusInTransit, domain.PackageStatusDelivered:
	default:
		return PackageUpdateResult{}, fmt.Errorf("%w: carriers cannot report status %q", ErrPackageInvalidInput, cmd.Status)
	}

	now := s.clock()
	mutation, err := s.packages.Mutate(ctx, id, func(current Package) (Package, []PackageField, error) {
		if current.Status == domain.PackageStatusReturned || cmd.Status.Rank() <= current.Status.Rank() {
			return current, nil, nil
		}
		next := current
		next.Status = cmd.Status
		next.UpdatedAt = now
		return next, []PackageField{domain.PackageFieldStatus}, nil
	})
	if err != nil {
		return PackageUpdateResult{}, s.mapRepositoryError(err, ErrPackageUnavailable)
	}
	if len(mutation.Changed) > 0 {
		actor := "carrier:" + strings.TrimSpace(cmd.Source)
		s.afterMutation(ctx, actor, "package.carrier_status", mutation, now)
	}
	return PackageUpdateResult{Package: withCosts(mutation.After, now), ChangedFields: mutation.Changed}, nil
}

func (s *packageService) afterMutation(ctx context.Context, actor, action string, mutation repositories.PackageMutation, now time.Time) {
	before, after := mutation.Before, mutation.After
	diff := make(map[string]AuditLogDiff, len(mutation.Changed))
	for _, field := range mutation.Changed {
		diff[string(field)] = AuditLogDiff{Before: auditFieldValue(before, field), After: auditFieldValue(after, field)}
	}
	s.record(ctx, actor, action, after.TrackingNumber, diff, nil)

	if before.Status == after.Status {
		return
	}
	s.publish(ctx, PackageEvent{
		Type:           PackageEventStatusChanged,
		TrackingNumber: after.TrackingNumber,
		CustomerID:     after.CustomerID,
		Status:         after.Status,
		PreviousStatus: before.Status,
		OccurredAt:     now,
	})
	switch after.Status {
	case domain.PackageStatusReadyToShip, domain.PackageStatusDelivered:
		s.notify(ctx, NotifyCommand{
			CustomerID:     after.CustomerID,
			Kind:           domain.NotificationPackageStatus,
			TrackingNumber: after.TrackingNumber,
			Status:         after.Status,
		})
	}
}

func (s *packageService) notify(ctx context.Context, cmd NotifyCommand) {
	if s.notifications == nil || strings.TrimSpace(cmd.CustomerID) == "" {
		return
	}
	if _, err := s.notifications.Notify(ctx, cmd); err != nil {
		s.logger(ctx, "package.notification.failed", map[string]any{
			"trackingNumber": cmd.TrackingNumber,
			"kind":           string(cmd.Kind),
			"error":          err.Error(),
		})
	}
}

func (s *packageService) publish(ctx context.Context, event PackageEvent) {
	if s.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = s.newID()
	}
	if err := s.events.PublishPackageEvent(ctx, event); err != nil {
		s.logger(ctx, "package.event.publish.failed", map[string]any{
			"type":           event.Type,
			"trackingNumber": event.TrackingNumber,
			"status":         string(event.Status),
			"error":          err.Error(),
		})
	}
}

func (s *packageService) record(ctx context.Context, actor, action, trackingNumber string, diff map[string]AuditLogDiff, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	actorType := AuditActorStaff
	if strings.HasPrefix(actor, "carrier:") {
		actorType = AuditActorCarrier
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actor,
		ActorType:  actorType,
		Action:     action,
		TargetRef:  "/packages/" + trackingNumber,
		Diff:       diff,
		Metadata:   metadata,
		OccurredAt: s.clock(),
	})
}

// mapRepositoryError converts repository failures into package sentinels. Conflicts on
// inserts mean a duplicate tracking number; on transactional updates they mean contention,
// so the caller chooses which sentinel a conflict maps to.
func (s *packageService) mapRepositoryError(err error, conflict error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrPackageInvalidInput, ErrPackageInvalidState, ErrPackageNotFound, ErrPackageConflict, ErrPackageCustomerNotFound} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isInvalidPageToken(err) {
		return fmt.Errorf("%w: %v", ErrPackageInvalidInput, err)
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPackageNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPackageUnavailable, err)
		}
	}
	return err
}

type packagePatch struct {
	next    Package
	changed []PackageField
}

func (p *packagePatch) mark(field PackageField) {
	p.changed = append(p.changed, field)
}

func (p *packagePatch) text(field PackageField, dst *string, value *string) {
	if value != nil && *value != *dst {
		*dst = *value
		p.mark(field)
	}
}

func (p *packagePatch) number(field PackageField, dst *float64, value *float64) {
	if value != nil && *value != *dst {
		*dst = *value
		p.mark(field)
	}
}

func validateUpdate(cmd UpdatePackageCommand) error {
	for name, value := range map[string]*float64{
		"weight":         cmd.Weight,
		"itemValueUsd":   cmd.ItemValueUSD,
		"deliveryFeeJmd": cmd.DeliveryFeeJMD,
	} {
		if value == nil {
			continue
		}
		if err := validateAmount(name, *value); err != nil {
			return err
		}
	}
	if cmd.WeightUnit != nil && !cmd.WeightUnit.Valid() {
		return fmt.Errorf("%w: unsupported weight unit %q", ErrPackageInvalidInput, *cmd.WeightUnit)
	}
	if cmd.DateReceived != nil && cmd.DateReceived.IsZero() {
		return fmt.Errorf("%w: dateReceived must be a valid timestamp", ErrPackageInvalidInput)
	}
	if cmd.Status != nil {
		switch {
		case !cmd.Status.Valid():
			return fmt.Errorf("%w: unknown status %q", ErrPackageInvalidInput, *cmd.Status)
		case *cmd.Status == domain.PackageStatusReturned:
			return fmt.Errorf("%w: use delete to mark a package returned", ErrPackageInvalidInput)
		}
	}
	return nil
}

func validateAmount(name string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return fmt.Errorf("%w: %s must be a non-negative number", ErrPackageInvalidInput, name)
	}
	return nil
}

func normalizeDimensions(dims *Dimensions) (Dimensions, error) {
	if dims == nil {
		return Dimensions{}, nil
	}
	out := *dims
	for name, value := range map[string]float64{"length": out.Length, "width": out.Width, "height": out.Height} {
		if err := validateAmount("dimensions."+name, value); err != nil {
			return Dimensions{}, err
		}
	}
	if out.Unit == "" {
		out.Unit = domain.LengthUnitInches
	}
	if !out.Unit.Valid() {
		return Dimensions{}, fmt.Errorf("%w: unsupported dimension unit %q", ErrPackageInvalidInput, out.Unit)
	}
	if out.Length == 0 && out.Width == 0 && out.Height == 0 {
		return Dimensions{}, nil
	}
	return out, nil
}

func normalizeFees(fees []AdditionalFee) ([]AdditionalFee, error) {
	if len(fees) == 0 {
		return nil, nil
	}
	if len(fees) > maxAdditionalFees {
		return nil, fmt.Errorf("%w: at most %d additional fees are allowed", ErrPackageInvalidInput, maxAdditionalFees)
	}
	out := make([]AdditionalFee, 0, len(fees))
	for i, fee := range fees {
		label := textutil.PlainText(fee.Label, maxFeeLabelLength)
		if label == "" {
			return nil, fmt.Errorf("%w: additionalFees[%d].label is required", ErrPackageInvalidInput, i)
		}
		if err := validateAmount(fmt.Sprintf("additionalFees[%d].amountJmd", i), fee.AmountJMD); err != nil {
			return nil, err
		}
		out = append(out, AdditionalFee{Label: label, AmountJMD: fee.AmountJMD})
	}
	return out, nil
}

func normalizeCustomerCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func isInvalidPageToken(err error) bool {
	return errors.Is(err, pagination.ErrInvalidPageToken)
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func auditFieldValue(pkg Package, field PackageField) any {
	switch field {
	case domain.PackageFieldDescription:
		return pkg.Description
	case domain.PackageFieldMerchant:
		return pkg.Merchant
	case domain.PackageFieldCarrier:
		return pkg.Carrier
	case domain.PackageFieldCarrierTrackingNumber:
		return pkg.CarrierTrackingNumber
	case domain.PackageFieldWeight:
		return pkg.Weight
	case domain.PackageFieldWeightUnit:
		return string(pkg.WeightUnit)
	case domain.PackageFieldDimensions:
		d := pkg.Dimensions
		return fmt.Sprintf("%gx%gx%g %s", d.Length, d.Width, d.Height, d.Unit)
	case domain.PackageFieldItemValueUSD:
		return pkg.ItemValueUSD
	case domain.PackageFieldStatus:
		return string(pkg.Status)
	case domain.PackageFieldDeliveryFeeJMD:
		return pkg.DeliveryFeeJMD
	case domain.PackageFieldAdditionalFees:
		total := 0.0
		for _, fee := range pkg.AdditionalFees {
			total += fee.AmountJMD
		}
		return total
	case domain.PackageFieldAmountPaidJMD:
		return pkg.AmountPaidJMD
	case domain.PackageFieldDateReceived:
		return pkg.DateReceived
	case domain.PackageFieldDeleteReason:
		return pkg.DeleteReason
	case domain.PackageFieldDeletedBy:
		return pkg.DeletedBy
	case domain.PackageFieldDeletedAt:
		return pkg.DeletedAt
	default:
		return nil
	}
}
