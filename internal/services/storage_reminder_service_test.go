package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
)

func heldPackage(trackingNumber string, status domain.PackageStatus, received time.Time) domain.Package {
	return domain.Package{
		TrackingNumber: trackingNumber,
		CustomerID:     "cus_1",
		Status:         status,
		DateReceived:   received,
		CreatedAt:      received,
	}
}

func leadDays(n int) *int { return &n }

func TestStorageReminderServiceRemindsDuePackages(t *testing.T) {
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	repo := newMemoryPackageRepo()
	sent := now.AddDate(0, 0, -1)
	for _, pkg := range []domain.Package{
		heldPackage("TAS-DUE", domain.PackageStatusReceived, now.AddDate(0, 0, -5)),
		heldPackage("TAS-LATE", domain.PackageStatusReadyToShip, now.AddDate(0, 0, -9)),
		heldPackage("TAS-FRESH", domain.PackageStatusReceived, now.AddDate(0, 0, -2)),
		heldPackage("TAS-GONE", domain.PackageStatusShipped, now.AddDate(0, 0, -12)),
	} {
		repo.packages[pkg.TrackingNumber] = pkg
	}
	already := heldPackage("TAS-DONE", domain.PackageStatusReceived, now.AddDate(0, 0, -6))
	already.StorageReminderSentAt = &sent
	repo.packages[already.TrackingNumber] = already

	notifications := &captureNotifications{}
	svc, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      repo,
		Notifications: notifications,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new storage reminder service: %v", err)
	}

	result, err := svc.Run(context.Background(), StorageReminderCommand{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Candidates != 2 || result.Reminded != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, tn := range []string{"TAS-DUE", "TAS-LATE"} {
		stamp := repo.packages[tn].StorageReminderSentAt
		if stamp == nil || !stamp.Equal(now) {
			t.Fatalf("expected %s stamped at %v, got %v", tn, now, stamp)
		}
	}
	if repo.packages["TAS-FRESH"].StorageReminderSentAt != nil {
		t.Fatalf("fresh package must not be reminded")
	}

	details := map[string]string{}
	for _, cmd := range notifications.commands {
		if cmd.Kind != domain.NotificationStorageReminder {
			t.Fatalf("unexpected notification kind %q", cmd.Kind)
		}
		details[cmd.TrackingNumber] = cmd.Detail
	}
	if got := details["TAS-DUE"]; got != "Free storage ends in 2 days, after which JMD 50 per day applies." {
		t.Fatalf("unexpected detail %q", got)
	}
	if got := details["TAS-LATE"]; got != "Storage is now charged at JMD 50 per day." {
		t.Fatalf("unexpected detail %q", got)
	}

	second, err := svc.Run(context.Background(), StorageReminderCommand{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Reminded != 0 {
		t.Fatalf("expected reminders to be sent once, got %+v", second)
	}
}

func TestStorageReminderServiceLeavesUnstampedOnNotifyFailure(t *testing.T) {
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	repo := newMemoryPackageRepo()
	repo.packages["TAS-DUE"] = heldPackage("TAS-DUE", domain.PackageStatusInProcessing, now.AddDate(0, 0, -6))

	var events []string
	svc, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      repo,
		Notifications: &captureNotifications{err: errors.New("firestore unavailable")},
		LeadDays:      leadDays(1),
		Clock:         func() time.Time { return now },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new storage reminder service: %v", err)
	}

	result, err := svc.Run(context.Background(), StorageReminderCommand{Limit: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Failed != 1 || result.Reminded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if repo.packages["TAS-DUE"].StorageReminderSentAt != nil {
		t.Fatalf("package must stay unstamped so the next run retries")
	}
	if len(events) == 0 || events[0] != "storage_reminder.failed" {
		t.Fatalf("expected failure to be logged, got %v", events)
	}
}

func TestStorageReminderServiceZeroLeadDaysWaitsForWindowEnd(t *testing.T) {
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	repo := newMemoryPackageRepo()
	repo.packages["TAS-SOON"] = heldPackage("TAS-SOON", domain.PackageStatusReceived, now.AddDate(0, 0, -5))
	repo.packages["TAS-CLOSED"] = heldPackage("TAS-CLOSED", domain.PackageStatusReceived, now.AddDate(0, 0, -8))

	svc, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      repo,
		Notifications: &captureNotifications{},
		LeadDays:      leadDays(0),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new storage reminder service: %v", err)
	}

	result, err := svc.Run(context.Background(), StorageReminderCommand{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reminded != 1 || repo.packages["TAS-CLOSED"].StorageReminderSentAt == nil {
		t.Fatalf("expected only the package past its free window reminded, got %+v", result)
	}
	if repo.packages["TAS-SOON"].StorageReminderSentAt != nil {
		t.Fatalf("package two days from the window end must wait with zero lead days")
	}
}

func TestNewStorageReminderServiceValidatesLeadDays(t *testing.T) {
	_, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      newMemoryPackageRepo(),
		Notifications: &captureNotifications{},
		LeadDays:      leadDays(8),
	})
	if err == nil {
		t.Fatalf("expected lead days beyond the free window to be rejected")
	}
}

func TestStorageReminderServiceRejectsNegativeLimit(t *testing.T) {
	svc, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      newMemoryPackageRepo(),
		Notifications: &captureNotifications{},
	})
	if err != nil {
		t.Fatalf("new storage reminder service: %v", err)
	}
	if _, err := svc.Run(context.Background(), StorageReminderCommand{Limit: -1}); !errors.Is(err, ErrStorageReminderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStorageReminderServiceBatchSize(t *testing.T) {
	now := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	repo := newMemoryPackageRepo()
	for i, tn := range []string{"TAS-A", "TAS-B", "TAS-C"} {
		repo.packages[tn] = heldPackage(tn, domain.PackageStatusReceived, now.AddDate(0, 0, -6-i))
	}
	svc, err := NewStorageReminderService(StorageReminderServiceDeps{
		Packages:      repo,
		Notifications: &captureNotifications{},
		BatchSize:     2,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new storage reminder service: %v", err)
	}

	result, err := svc.Run(context.Background(), StorageReminderCommand{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Candidates != 2 {
		t.Fatalf("expected configured batch to cap the run, got %+v", result)
	}
	if repo.packages["TAS-C"].StorageReminderSentAt == nil {
		t.Fatalf("expected oldest package to be reminded first")
	}

	for _, size := range []int{-1, 501} {
		if _, err := NewStorageReminderService(StorageReminderServiceDeps{
			Packages:      repo,
			Notifications: &captureNotifications{},
			BatchSize:     size,
		}); err == nil {
			t.Fatalf("expected batch size %d to be rejected", size)
		}
	}
}
