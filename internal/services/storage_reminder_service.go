package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	ErrStorageReminderInvalidInput = errors.New("storage reminder: invalid input")
	ErrStorageReminderUnavailable  = errors.New("storage reminder: unavailable")
)

const (
	defaultReminderLeadDays = 2
	defaultReminderBatch    = 100
	maxReminderBatch        = 500
)

// StorageReminderServiceDeps bundles collaborators for the storage reminder job.
type StorageReminderServiceDeps struct {
	Packages      repositories.PackageRepository
	Notifications NotificationService
	// LeadDays is how many days before the free storage window closes customers are told.
	// Nil uses the default; zero reminds on the day the window closes.
	LeadDays *int
	// BatchSize caps a run when the caller does not pass a limit.
	BatchSize int
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type storageReminderService struct {
	packages      repositories.PackageRepository
	notifications NotificationService
	leadDays      int
	batch         int
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
}

var _ StorageReminderService = (*storageReminderService)(nil)

// NewStorageReminderService constructs the job run by the external scheduler.
func NewStorageReminderService(deps StorageReminderServiceDeps) (StorageReminderService, error) {
	if deps.Packages == nil {
		return nil, errors.New("storage reminder service: package repository is required")
	}
	if deps.Notifications == nil {
		return nil, errors.New("storage reminder service: notification service is required")
	}
	lead := defaultReminderLeadDays
	if deps.LeadDays != nil {
		lead = *deps.LeadDays
	}
	if lead < 0 || lead > freeStorageDays {
		return nil, fmt.Errorf("storage reminder service: lead days must be between 0 and %d", freeStorageDays)
	}
	batch := deps.BatchSize
	switch {
	case batch == 0:
		batch = defaultReminderBatch
	case batch < 0 || batch > maxReminderBatch:
		return nil, fmt.Errorf("storage reminder service: batch size must be between 1 and %d", maxReminderBatch)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &storageReminderService{
		packages:      deps.Packages,
		notifications: deps.Notifications,
		leadDays:      lead,
		batch:         batch,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Run notifies every held package that has reached the reminder threshold and has not
// been reminded yet. A package is stamped only after its notification is stored, so a
// failed notification is retried on the next run.
func (s *storageReminderService) Run(ctx context.Context, cmd StorageReminderCommand) (StorageReminderResult, error) {
	limit := cmd.Limit
	switch {
	case limit < 0:
		return StorageReminderResult{}, fmt.Errorf("%w: limit must be positive", ErrStorageReminderInvalidInput)
	case limit == 0:
		limit = s.batch
	case limit > maxReminderBatch:
		limit = maxReminderBatch
	}

	now := s.clock()
	threshold := freeStorageDays - s.leadDays
	candidates, err := s.packages.ListStorageCandidates(ctx, repositories.StorageCandidateFilter{
		Statuses: []domain.PackageStatus{
			domain.PackageStatusReceived,
			domain.PackageStatusInProcessing,
			domain.PackageStatusReadyToShip,
		},
		ReceivedBefore: now.Add(-time.Duration(threshold) * storageDayLength),
		Limit:          limit,
	})
	if err != nil {
		return StorageReminderResult{}, fmt.Errorf("%w: list candidates: %v", ErrStorageReminderUnavailable, err)
	}

	result := StorageReminderResult{Candidates: len(candidates)}
	for _, pkg := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		days := StorageDays(pkg.DateReceived, pkg.CreatedAt, now)
		if days < threshold || pkg.StorageReminderSentAt != nil {
			continue
		}
		if err := s.remind(ctx, pkg, days, now); err != nil {
			result.Failed++
			s.logger(ctx, "storage_reminder.failed", map[string]any{
				"trackingNumber": pkg.TrackingNumber,
				"error":          err.Error(),
			})
			continue
		}
		result.Reminded++
	}

	s.logger(ctx, "storage_reminder.completed", map[string]any{
		"candidates": result.Candidates,
		"reminded":   result.Reminded,
		"failed":     result.Failed,
	})
	return result, nil
}

func (s *storageReminderService) remind(ctx context.Context, pkg Package, days int, now time.Time) error {
	if _, err := s.notifications.Notify(ctx, NotifyCommand{
		CustomerID:     pkg.CustomerID,
		Kind:           domain.NotificationStorageReminder,
		TrackingNumber: pkg.TrackingNumber,
		Status:         pkg.Status,
		Detail:         storageReminderDetail(days),
	}); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	_, err := s.packages.Mutate(ctx, pkg.TrackingNumber, func(current Package) (Package, []PackageField, error) {
		if current.StorageReminderSentAt != nil {
			return current, nil, nil
		}
		next := current
		sentAt := now
		next.StorageReminderSentAt = &sentAt
		return next, []PackageField{domain.PackageFieldStorageReminderSentAt}, nil
	})
	if err != nil {
		return fmt.Errorf("stamp reminder: %w", err)
	}
	return nil
}

func storageReminderDetail(days int) string {
	remaining := freeStorageDays - days
	if remaining <= 0 {
		return fmt.Sprintf("Storage is now charged at JMD %d per day.", storageDayFeeJMD)
	}
	unit := "days"
	if remaining == 1 {
		unit = "day"
	}
	return fmt.Sprintf("Free storage ends in %d %s, after which JMD %d per day applies.", remaining, unit, storageDayFeeJMD)
}
