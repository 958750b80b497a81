package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tas-logistics/api/internal/domain"
)

func newCustomerServiceForTest(t *testing.T, repo *stubCustomerRepo, counters CounterService) (CustomerService, *captureAudit) {
	t.Helper()
	audit := &captureAudit{}
	svc, err := NewCustomerService(CustomerServiceDeps{
		Customers:   repo,
		Counters:    counters,
		Audit:       audit,
		Clock:       func() time.Time { return time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "01HCUST" },
	})
	if err != nil {
		t.Fatalf("new customer service: %v", err)
	}
	return svc, audit
}

func TestCustomerServiceCreateAssignsCode(t *testing.T) {
	repo := &stubCustomerRepo{}
	var captured CounterGenerationOptions
	counters := &stubCounterService{
		nextFn: func(_ context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
			if scope != "customers" || name != "CUST" {
				t.Fatalf("unexpected counter %s:%s", scope, name)
			}
			captured = opts
			return CounterValue{Value: 7, Formatted: "CUST007"}, nil
		},
	}
	svc, audit := newCustomerServiceForTest(t, repo, counters)

	customer, err := svc.Create(context.Background(), CreateCustomerCommand{
		UserID:  "uid-1",
		Name:    " <b>Jane</b> Brown ",
		Email:   " Jane@Example.com ",
		Locale:  "en_jm",
		ActorID: "staff:uid-9",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if customer.ID != "cus_01HCUST" || customer.Code != "CUST007" {
		t.Fatalf("unexpected identifiers %q/%q", customer.ID, customer.Code)
	}
	if customer.Name != "Jane Brown" || customer.Email != "jane@example.com" || customer.Locale != "en-JM" {
		t.Fatalf("unexpected normalisation %#v", customer)
	}
	if captured.PadLength != 3 || captured.Prefix != "CUST" {
		t.Fatalf("unexpected counter options %#v", captured)
	}
	if _, ok := repo.customers["CUST007"]; !ok {
		t.Fatalf("expected customer stored by code")
	}
	if len(audit.records) != 1 || audit.records[0].TargetRef != "/customers/CUST007" {
		t.Fatalf("unexpected audit records %#v", audit.records)
	}
}

func TestCustomerServiceCreateDefaultsLocale(t *testing.T) {
	counters := &stubCounterService{nextFn: func(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
		return CounterValue{Formatted: "CUST001"}, nil
	}}
	svc, _ := newCustomerServiceForTest(t, &stubCustomerRepo{}, counters)

	customer, err := svc.Create(context.Background(), CreateCustomerCommand{Name: "Walk-in"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if customer.Locale != "en-JM" {
		t.Fatalf("expected default locale, got %q", customer.Locale)
	}
}

func TestCustomerServiceCreateValidation(t *testing.T) {
	counters := &stubCounterService{nextFn: func(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
		t.Fatalf("counter should not be consumed for invalid input")
		return CounterValue{}, nil
	}}
	svc, _ := newCustomerServiceForTest(t, &stubCustomerRepo{}, counters)

	tests := []CreateCustomerCommand{
		{Name: "  "},
		{Name: "Jane", Email: "not-an-email"},
		{Name: "Jane", Locale: "not a locale!"},
	}
	for _, cmd := range tests {
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrCustomerInvalidInput) {
			t.Fatalf("expected invalid input for %#v, got %v", cmd, err)
		}
	}
}

func TestCustomerServiceCreateRejectsSecondAccountForUser(t *testing.T) {
	repo := &stubCustomerRepo{customers: map[string]domain.Customer{
		"CUST001": {ID: "cus_1", Code: "CUST001", UserID: "uid-1"},
	}}
	counters := &stubCounterService{nextFn: func(context.Context, string, string, CounterGenerationOptions) (CounterValue, error) {
		t.Fatalf("counter should not be consumed for duplicate user")
		return CounterValue{}, nil
	}}
	svc, _ := newCustomerServiceForTest(t, repo, counters)

	if _, err := svc.Create(context.Background(), CreateCustomerCommand{UserID: "uid-1", Name: "Jane"}); !errors.Is(err, ErrCustomerConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCustomerServiceLookups(t *testing.T) {
	repo := &stubCustomerRepo{customers: map[string]domain.Customer{
		"CUST001": {ID: "cus_1", Code: "CUST001", UserID: "uid-1"},
	}}
	svc, _ := newCustomerServiceForTest(t, repo, &stubCounterService{})

	got, err := svc.GetByCode(context.Background(), " cust001 ")
	if err != nil || got.ID != "cus_1" {
		t.Fatalf("GetByCode = %#v, %v", got, err)
	}
	if _, err := svc.GetByCode(context.Background(), "CUST404"); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got, err := svc.GetByUserID(context.Background(), "uid-1"); err != nil || got.Code != "CUST001" {
		t.Fatalf("GetByUserID = %#v, %v", got, err)
	}
	if _, err := svc.GetByUserID(context.Background(), ""); !errors.Is(err, ErrCustomerInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	repo.findErr = repoStatusError{unavailable: true}
	if _, err := svc.GetByCode(context.Background(), "CUST001"); !errors.Is(err, ErrCustomerUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
