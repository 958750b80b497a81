package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/textutil"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	ErrNotificationInvalidInput = errors.New("notification: invalid input")
	ErrNotificationNotFound     = errors.New("notification: not found")
	ErrNotificationUnavailable  = errors.New("notification: repository unavailable")
)

const (
	notificationIDPrefix  = "ntf_"
	maxNotificationDetail = 300
)

// NotificationServiceDeps bundles collaborators for the notification recorder.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Clock         func() time.Time
	IDGenerator   func() string
}

type notificationService struct {
	repo  repositories.NotificationRepository
	clock func() time.Time
	newID func() string
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the service that records customer notifications.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &notificationService{
		repo:  deps.Notifications,
		clock: func() time.Time { return clock().UTC() },
		newID: idGen,
	}, nil
}

// Notify renders and stores a notification. Delivery over other channels is left to
// consumers of the package event stream.
func (s *notificationService) Notify(ctx context.Context, cmd NotifyCommand) (Notification, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Notification{}, fmt.Errorf("%w: customer id is required", ErrNotificationInvalidInput)
	}
	locale, err := textutil.CanonicalLocale(cmd.Locale)
	if err != nil || locale == "" {
		locale = textutil.DefaultLocale
	}
	trackingNumber := NormalizeTrackingNumber(cmd.TrackingNumber)
	detail := textutil.PlainText(cmd.Detail, maxNotificationDetail)

	title, body, err := renderNotification(cmd.Kind, trackingNumber, cmd.Status, detail, locale)
	if err != nil {
		return Notification{}, err
	}

	notification := Notification{
		ID:             notificationIDPrefix + s.newID(),
		CustomerID:     customerID,
		Kind:           cmd.Kind,
		Title:          title,
		Body:           body,
		TrackingNumber: trackingNumber,
		Locale:         locale,
		CreatedAt:      s.clock(),
	}
	if err := s.repo.Insert(ctx, notification); err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return notification, nil
}

func (s *notificationService) List(ctx context.Context, customerID string, page Pagination) (domain.CursorPage[Notification], error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: customer id is required", ErrNotificationInvalidInput)
	}
	if page.PageSize < 0 {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: page size must be positive", ErrNotificationInvalidInput)
	}
	result, err := s.repo.ListByCustomer(ctx, customerID, page)
	if err != nil {
		return domain.CursorPage[Notification]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

// MarkRead stamps readAt on the customer's notification. Notifications owned by someone
// else are reported as not found.
func (s *notificationService) MarkRead(ctx context.Context, customerID, notificationID string) (Notification, error) {
	customerID = strings.TrimSpace(customerID)
	notificationID = strings.TrimSpace(notificationID)
	if customerID == "" || notificationID == "" {
		return Notification{}, fmt.Errorf("%w: customer id and notification id are required", ErrNotificationInvalidInput)
	}
	notification, err := s.repo.MarkRead(ctx, customerID, notificationID, s.clock())
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return notification, nil
}

func (s *notificationService) mapRepositoryError(err error) error {
	if isInvalidPageToken(err) {
		return fmt.Errorf("%w: %v", ErrNotificationInvalidInput, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotificationNotFound, err)
		case repoErr.IsUnavailable(), repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrNotificationUnavailable, err)
		}
	}
	return fmt.Errorf("notification: %w", err)
}

func renderNotification(kind domain.NotificationKind, trackingNumber string, status PackageStatus, detail, locale string) (string, string, error) {
	var title, body string
	switch kind {
	case domain.NotificationPackageReceived:
		if trackingNumber == "" {
			return "", "", fmt.Errorf("%w: tracking number is required", ErrNotificationInvalidInput)
		}
		title = textutil.TitleCase("package received", locale)
		body = fmt.Sprintf("Package %s has arrived at our warehouse.", trackingNumber)
	case domain.NotificationPackageStatus:
		if trackingNumber == "" || !status.Valid() {
			return "", "", fmt.Errorf("%w: tracking number and status are required", ErrNotificationInvalidInput)
		}
		title = textutil.Humanize(string(status), locale)
		body = fmt.Sprintf("Package %s is now %s.", trackingNumber, strings.ReplaceAll(string(status), "_", " "))
	case domain.NotificationPreAlertReviewed:
		title = textutil.TitleCase("pre-alert reviewed", locale)
		body = "Your pre-alert has been reviewed."
		if trackingNumber != "" {
			body = fmt.Sprintf("Your pre-alert has been approved as package %s.", trackingNumber)
		}
	case domain.NotificationStorageReminder:
		if trackingNumber == "" {
			return "", "", fmt.Errorf("%w: tracking number is required", ErrNotificationInvalidInput)
		}
		title = textutil.TitleCase("storage fees approaching", locale)
		body = fmt.Sprintf("Package %s is close to the end of its free storage period.", trackingNumber)
	default:
		return "", "", fmt.Errorf("%w: unsupported notification kind %q", ErrNotificationInvalidInput, kind)
	}
	if detail != "" {
		body += " " + detail
	}
	return title, body, nil
}
