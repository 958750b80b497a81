package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/textutil"
	"github.com/tas-logistics/api/internal/repositories"
)

var (
	ErrCustomerInvalidInput = errors.New("customer: invalid input")
	ErrCustomerNotFound     = errors.New("customer: not found")
	ErrCustomerConflict     = errors.New("customer: already exists")
	ErrCustomerUnavailable  = errors.New("customer: repository unavailable")
)

const (
	customerIDPrefix     = "cus_"
	customerCodePrefix   = "CUST"
	customerCodePad      = 3
	customerCounterScope = "customers"

	maxCustomerNameLength = 120
	maxPhoneLength        = 32
)

// CustomerServiceDeps bundles collaborators for the customer directory.
type CustomerServiceDeps struct {
	Customers   repositories.CustomerRepository
	Counters    CounterService
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
}

type customerService struct {
	customers repositories.CustomerRepository
	counters  CounterService
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
}

// NewCustomerService constructs the customer directory service.
func NewCustomerService(deps CustomerServiceDeps) (CustomerService, error) {
	if deps.Customers == nil {
		return nil, errors.New("customer service: customer repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("customer service: counter service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &customerService{
		customers: deps.Customers,
		counters:  deps.Counters,
		audit:     deps.Audit,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
	}, nil
}

// Create registers a customer and assigns the next CUSTnnn code. A Firebase user may own
// at most one customer record.
func (s *customerService) Create(ctx context.Context, cmd CreateCustomerCommand) (Customer, error) {
	name := textutil.PlainText(cmd.Name, maxCustomerNameLength)
	if name == "" {
		return Customer{}, fmt.Errorf("%w: name is required", ErrCustomerInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return Customer{}, fmt.Errorf("%w: email %q is malformed", ErrCustomerInvalidInput, cmd.Email)
		}
	}
	locale, err := textutil.CanonicalLocale(cmd.Locale)
	if err != nil {
		return Customer{}, fmt.Errorf("%w: %v", ErrCustomerInvalidInput, err)
	}
	if locale == "" {
		locale = textutil.DefaultLocale
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID != "" {
		if _, err := s.customers.FindByUserID(ctx, userID); err == nil {
			return Customer{}, fmt.Errorf("%w: user %s already has a customer account", ErrCustomerConflict, userID)
		} else if !isRepositoryNotFound(err) {
			return Customer{}, s.mapRepositoryError(err)
		}
	}

	code, err := s.counters.Next(ctx, customerCounterScope, customerCodePrefix, CounterGenerationOptions{
		Prefix:    customerCodePrefix,
		PadLength: customerCodePad,
	})
	if err != nil {
		return Customer{}, fmt.Errorf("%w: allocate customer code: %v", ErrCustomerUnavailable, err)
	}

	now := s.clock()
	customer := Customer{
		ID:        customerIDPrefix + s.newID(),
		Code:      code.Formatted,
		UserID:    userID,
		Name:      name,
		Email:     email,
		Phone:     textutil.PlainText(cmd.Phone, maxPhoneLength),
		Locale:    locale,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.customers.Insert(ctx, customer); err != nil {
		return Customer{}, s.mapRepositoryError(err)
	}

	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:                 cmd.ActorID,
			Action:                "customer.create",
			TargetRef:             "/customers/" + customer.Code,
			Metadata:              map[string]any{"email": customer.Email, "userId": customer.UserID},
			SensitiveMetadataKeys: []string{"email"},
			OccurredAt:            now,
		})
	}
	return customer, nil
}

func (s *customerService) GetByCode(ctx context.Context, code string) (Customer, error) {
	code = normalizeCustomerCode(code)
	if code == "" {
		return Customer{}, fmt.Errorf("%w: customer code is required", ErrCustomerInvalidInput)
	}
	customer, err := s.customers.FindByCode(ctx, code)
	if err != nil {
		return Customer{}, s.mapRepositoryError(err)
	}
	return customer, nil
}

func (s *customerService) GetByUserID(ctx context.Context, userID string) (Customer, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Customer{}, fmt.Errorf("%w: user id is required", ErrCustomerInvalidInput)
	}
	customer, err := s.customers.FindByUserID(ctx, userID)
	if err != nil {
		return Customer{}, s.mapRepositoryError(err)
	}
	return customer, nil
}

func (s *customerService) List(ctx context.Context, page Pagination) (domain.CursorPage[Customer], error) {
	if page.PageSize < 0 {
		return domain.CursorPage[Customer]{}, fmt.Errorf("%w: page size must be positive", ErrCustomerInvalidInput)
	}
	result, err := s.customers.List(ctx, repositories.CustomerListFilter{Pagination: page})
	if err != nil {
		return domain.CursorPage[Customer]{}, s.mapRepositoryError(err)
	}
	return result, nil
}

func (s *customerService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCustomerInvalidInput) || errors.Is(err, ErrCustomerConflict) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCustomerNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCustomerConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCustomerUnavailable, err)
		}
	}
	if isInvalidPageToken(err) {
		return fmt.Errorf("%w: %v", ErrCustomerInvalidInput, err)
	}
	return fmt.Errorf("customer: %w", err)
}
