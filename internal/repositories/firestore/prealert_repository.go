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

const preAlertsCollection = "preAlerts"

type preAlertDocument struct {
	CustomerID            string     `firestore:"customerId"`
	CustomerCode          string     `firestore:"customerCode"`
	Carrier               string     `firestore:"carrier"`
	CarrierTrackingNumber string     `firestore:"carrierTrackingNumber"`
	Merchant              string     `firestore:"merchant"`
	Description           string     `firestore:"description"`
	ItemValueUSD          float64    `firestore:"itemValueUsd"`
	ExpectedAt            *time.Time `firestore:"expectedAt"`
	Status                string     `firestore:"status"`
	InvoiceObject         string     `firestore:"invoiceObject,omitempty"`
	PackageTrackingNumber string     `firestore:"packageTrackingNumber,omitempty"`
	ReviewedBy            string     `firestore:"reviewedBy,omitempty"`
	ReviewedAt            *time.Time `firestore:"reviewedAt,omitempty"`
	RejectReason          string     `firestore:"rejectReason,omitempty"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
}

// PreAlertRepository persists customer pre-alerts.
type PreAlertRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[domain.PreAlert]
}

var _ repositories.PreAlertRepository = (*PreAlertRepository)(nil)

// NewPreAlertRepository constructs a Firestore-backed pre-alert repository.
func NewPreAlertRepository(provider *pfirestore.Provider) (*PreAlertRepository, error) {
	if provider == nil {
		return nil, errors.New("pre-alert repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.PreAlert](provider, preAlertsCollection, encodePreAlert, decodePreAlert)
	return &PreAlertRepository{provider: provider, base: base}, nil
}

func (r *PreAlertRepository) Insert(ctx context.Context, alert domain.PreAlert) error {
	if r == nil || r.base == nil {
		return errors.New("pre-alert repository not initialised")
	}
	if strings.TrimSpace(alert.ID) == "" {
		return errors.New("pre-alert repository: id is required")
	}
	_, err := r.base.Create(ctx, alert.ID, alert)
	return err
}

func (r *PreAlertRepository) FindByID(ctx context.Context, id string) (domain.PreAlert, error) {
	if r == nil || r.base == nil {
		return domain.PreAlert{}, errors.New("pre-alert repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PreAlert{}, err
	}
	return doc.Data, nil
}

// List returns pre-alerts newest first, optionally scoped to a customer and statuses.
func (r *PreAlertRepository) List(ctx context.Context, filter domain.PreAlertListFilter) (domain.CursorPage[domain.PreAlert], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.PreAlert]{}, errors.New("pre-alert repository not initialised")
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.PreAlert]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if id := strings.TrimSpace(filter.CustomerID); id != "" {
			q = q.Where("customerId", "==", id)
		}
		switch len(filter.Statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", string(filter.Statuses[0]))
		default:
			values := make([]string, len(filter.Statuses))
			for i, s := range filter.Statuses {
				values[i] = string(s)
			}
			q = q.Where("status", "in", values)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.At, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.PreAlert]{}, err
	}

	page := domain.CursorPage[domain.PreAlert]{}
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{At: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.PreAlert]{}, err
		}
		page.NextPageToken = token
	}
	page.Items = make([]domain.PreAlert, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

// Update applies fn to the stored pre-alert inside a transaction.
func (r *PreAlertRepository) Update(ctx context.Context, id string, fn func(current domain.PreAlert) (domain.PreAlert, error)) (domain.PreAlert, error) {
	if r == nil || r.provider == nil {
		return domain.PreAlert{}, errors.New("pre-alert repository not initialised")
	}
	if fn == nil {
		return domain.PreAlert{}, errors.New("pre-alert repository: update function is required")
	}

	var updated domain.PreAlert
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(id))
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("preAlerts.update.get", err)
		}
		current, err := r.base.Decode(ctx, snap)
		if err != nil {
			return err
		}
		next, err := fn(current.Data)
		if err != nil {
			return err
		}
		next.ID = current.Data.ID
		encoded, err := r.base.Encode(ctx, next)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, encoded); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.PreAlert{}, pfirestore.WrapError("preAlerts.update", err)
	}
	return updated, nil
}

func encodePreAlert(_ context.Context, a domain.PreAlert) (any, error) {
	return preAlertDocument{
		CustomerID:            a.CustomerID,
		CustomerCode:          a.CustomerCode,
		Carrier:               a.Carrier,
		CarrierTrackingNumber: a.CarrierTrackingNumber,
		Merchant:              a.Merchant,
		Description:           a.Description,
		ItemValueUSD:          a.ItemValueUSD,
		ExpectedAt:            cloneTime(a.ExpectedAt),
		Status:                string(a.Status),
		InvoiceObject:         a.InvoiceObject,
		PackageTrackingNumber: a.PackageTrackingNumber,
		ReviewedBy:            a.ReviewedBy,
		ReviewedAt:            cloneTime(a.ReviewedAt),
		RejectReason:          a.RejectReason,
		CreatedAt:             a.CreatedAt.UTC(),
		UpdatedAt:             a.UpdatedAt.UTC(),
	}, nil
}

func decodePreAlert(_ context.Context, snap *firestore.DocumentSnapshot) (domain.PreAlert, error) {
	var doc preAlertDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PreAlert{}, fmt.Errorf("decode pre-alert %s: %w", snap.Ref.ID, err)
	}
	return domain.PreAlert{
		ID:                    snap.Ref.ID,
		CustomerID:            doc.CustomerID,
		CustomerCode:          doc.CustomerCode,
		Carrier:               doc.Carrier,
		CarrierTrackingNumber: doc.CarrierTrackingNumber,
		Merchant:              doc.Merchant,
		Description:           doc.Description,
		ItemValueUSD:          doc.ItemValueUSD,
		ExpectedAt:            cloneTime(doc.ExpectedAt),
		Status:                domain.PreAlertStatus(doc.Status),
		InvoiceObject:         doc.InvoiceObject,
		PackageTrackingNumber: doc.PackageTrackingNumber,
		ReviewedBy:            doc.ReviewedBy,
		ReviewedAt:            cloneTime(doc.ReviewedAt),
		RejectReason:          doc.RejectReason,
		CreatedAt:             doc.CreatedAt.UTC(),
		UpdatedAt:             doc.UpdatedAt.UTC(),
	}, nil
}
