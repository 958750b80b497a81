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

const customersCollection = "customers"

type customerDocument struct {
	ID        string    `firestore:"id"`
	Code      string    `firestore:"code"`
	UserID    string    `firestore:"userId"`
	Name      string    `firestore:"name"`
	Email     string    `firestore:"email"`
	Phone     string    `firestore:"phone"`
	Locale    string    `firestore:"locale"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CustomerRepository stores customers keyed by their customer code.
type CustomerRepository struct {
	base *pfirestore.BaseRepository[domain.Customer]
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[domain.Customer](provider, customersCollection, encodeCustomer, decodeCustomer)
	return &CustomerRepository{base: base}, nil
}

// Insert creates the customer document; an existing code is a conflict.
func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) error {
	if r == nil || r.base == nil {
		return errors.New("customer repository not initialised")
	}
	code := strings.TrimSpace(customer.Code)
	if code == "" {
		return errors.New("customer repository: code is required")
	}
	_, err := r.base.Create(ctx, code, customer)
	return err
}

// FindByCode loads a customer by code.
func (r *CustomerRepository) FindByCode(ctx context.Context, code string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Customer{}, err
	}
	return doc.Data, nil
}

// FindByUserID resolves the customer linked to an authenticated user.
func (r *CustomerRepository) FindByUserID(ctx context.Context, userID string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Customer{}, errors.New("customer repository: user id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, pfirestore.NotFoundError("customers.findByUserId", "customer not linked to user")
	}
	return docs[0].Data, nil
}

// List returns customers newest first.
func (r *CustomerRepository) List(ctx context.Context, filter repositories.CustomerListFilter) (domain.CursorPage[domain.Customer], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Customer]{}, errors.New("customer repository not initialised")
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Customer]{}, err
	}
	pageSize := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.At, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Customer]{}, err
	}

	page := domain.CursorPage[domain.Customer]{}
	if len(docs) > pageSize {
		docs = docs[:pageSize]
		last := docs[len(docs)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{At: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Customer]{}, err
		}
		page.NextPageToken = token
	}
	page.Items = make([]domain.Customer, 0, len(docs))
	for _, doc := range docs {
		page.Items = append(page.Items, doc.Data)
	}
	return page, nil
}

func encodeCustomer(_ context.Context, c domain.Customer) (any, error) {
	return customerDocument{
		ID:        c.ID,
		Code:      c.Code,
		UserID:    c.UserID,
		Name:      c.Name,
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:     c.Phone,
		Locale:    c.Locale,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}, nil
}

func decodeCustomer(_ context.Context, snap *firestore.DocumentSnapshot) (domain.Customer, error) {
	var doc customerDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Customer{}, fmt.Errorf("decode customer %s: %w", snap.Ref.ID, err)
	}
	customer := domain.Customer{
		ID:        doc.ID,
		Code:      doc.Code,
		UserID:    doc.UserID,
		Name:      doc.Name,
		Email:     doc.Email,
		Phone:     doc.Phone,
		Locale:    doc.Locale,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if customer.Code == "" {
		customer.Code = snap.Ref.ID
	}
	return customer, nil
}
