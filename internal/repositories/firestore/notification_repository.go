package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/tas-logistics/api/internal/domain"
	pfirestore "github.com/tas-logistics/api/internal/platform/firestore"
	"github.com/tas-logistics/api/internal/platform/pagination"
	"github.com/tas-logistics/api/internal/repositories"
)

const notificationsCollection = "notifications"

type notificationDocument struct {
	CustomerID     string     `firestore:"customerId"`
	Kind           string     `firestore:"kind"`
	Title          string     `firestore:"title"`
	Body           string     `firestore:"body"`
	TrackingNumber string     `firestore:"trackingNumber,omitempty"`
	Locale         string     `firestore:"locale,omitempty"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	ReadAt         *time.Time `firestore:"readAt"`
}

// NotificationRepository persists customer notifications in a flat collection.
type NotificationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.Notification]
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Notification](provider, notificationsCollection, encodeNotification, decodeNotification)
	return &NotificationRepository{provider: provider, base: base}, nil
}

func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return errors.New("notification repository: id is required")
	}
	_, err := r.base.Create(ctx, notification.ID, notification)
	return err
}

// ListByCustomer returns a customer's notifications newest first.
func (r *NotificationRepository) ListByCustomer(ctx context.Context, customerID string, page domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository: customer id is required")
	}
	cursor, err := pagination.DecodeToken(page.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}
	pageSize := pagination.Normalize(page.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", id).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.At, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}

	result := domain.CursorPage[domain.Notification]{}
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{At: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, err
		}
		result.NextPageToken = token
	}
	result.Items = make([]domain.Notification, 0, len(docs))
	for _, doc := range docs {
		result.Items = append(result.Items, doc.Data)
	}
	return result, nil
}

// MarkRead stamps readAt on a notification owned by the customer. Notifications of other
// customers report not found. Already-read notifications keep their original stamp.
func (r *NotificationRepository) MarkRead(ctx context.Context, customerID, notificationID string, readAt time.Time) (domain.Notification, error) {
	if r == nil || r.provider == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}

	var updated domain.Notification
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(notificationID))
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}
		if current.Data.CustomerID != strings.TrimSpace(customerID) {
			return pfirestore.NotFoundError("notifications.markRead", "notification not found")
		}
		updated = current.Data
		if updated.ReadAt != nil {
			return nil
		}
		stamp := readAt.UTC()
		updated.ReadAt = &stamp
		return tx.Update(ref, []firestore.Update{{Path: "readAt", Value: stamp}})
	})
	if err != nil {
		return domain.Notification{}, pfirestore.WrapError("notifications.markRead", err)
	}
	return updated, nil
}

func encodeNotification(_ context.Context, n domain.Notification) (any, error) {
	return notificationDocument{
		CustomerID:     n.CustomerID,
		Kind:           string(n.Kind),
		Title:          n.Title,
		Body:           n.Body,
		TrackingNumber: n.TrackingNumber,
		Locale:         n.Locale,
		CreatedAt:      n.CreatedAt.UTC(),
		ReadAt:         cloneTime(n.ReadAt),
	}, nil
}

func decodeNotification(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Notification, error) {
	var doc notificationDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Notification{}, fmt.Errorf("decode notification %s: %w", snap.Ref.ID, err)
	}
	return domain.Notification{
		ID:             snap.Ref.ID,
		CustomerID:     doc.CustomerID,
		Kind:           domain.NotificationKind(doc.Kind),
		Title:          doc.Title,
		Body:           doc.Body,
		TrackingNumber: doc.TrackingNumber,
		Locale:         doc.Locale,
		CreatedAt:      doc.CreatedAt.UTC(),
		ReadAt:         cloneTime(doc.ReadAt),
	}, nil
}
