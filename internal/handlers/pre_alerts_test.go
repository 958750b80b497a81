package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/services"
)

type stubPreAlertService struct {
	submitFn   func(context.Context, services.SubmitPreAlertCommand) (services.PreAlert, error)
	getFn      func(context.Context, string) (services.PreAlert, error)
	listFn     func(context.Context, services.PreAlertListFilter) (domain.CursorPage[services.PreAlert], error)
	approveFn  func(context.Context, services.ApprovePreAlertCommand) (services.PreAlertApproval, error)
	rejectFn   func(context.Context, services.RejectPreAlertCommand) (services.PreAlert, error)
	uploadFn   func(context.Context, services.InvoiceUploadCommand) (services.SignedURL, error)
	downloadFn func(context.Context, services.InvoiceDownloadCommand) (services.SignedURL, error)
}

func (s *stubPreAlertService) Submit(ctx context.Context, cmd services.SubmitPreAlertCommand) (services.PreAlert, error) {
	if s.submitFn == nil {
		return services.PreAlert{}, errors.New("not implemented")
	}
	return s.submitFn(ctx, cmd)
}

func (s *stubPreAlertService) Get(ctx context.Context, id string) (services.PreAlert, error) {
	if s.getFn == nil {
		return services.PreAlert{}, services.ErrPreAlertNotFound
	}
	return s.getFn(ctx, id)
}

func (s *stubPreAlertService) List(ctx context.Context, filter services.PreAlertListFilter) (domain.CursorPage[services.PreAlert], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.PreAlert]{}, nil
	}
	return s.listFn(ctx, filter)
}

func (s *stubPreAlertService) Approve(ctx context.Context, cmd services.ApprovePreAlertCommand) (services.PreAlertApproval, error) {
	if s.approveFn == nil {
		return services.PreAlertApproval{}, errors.New("not implemented")
	}
	return s.approveFn(ctx, cmd)
}

func (s *stubPreAlertService) Reject(ctx context.Context, cmd services.RejectPreAlertCommand) (services.PreAlert, error) {
	if s.rejectFn == nil {
		return services.PreAlert{}, errors.New("not implemented")
	}
	return s.rejectFn(ctx, cmd)
}

func (s *stubPreAlertService) IssueInvoiceUpload(ctx context.Context, cmd services.InvoiceUploadCommand) (services.SignedURL, error) {
	if s.uploadFn == nil {
		return services.SignedURL{}, errors.New("not implemented")
	}
	return s.uploadFn(ctx, cmd)
}

func (s *stubPreAlertService) IssueInvoiceDownload(ctx context.Context, cmd services.InvoiceDownloadCommand) (services.SignedURL, error) {
	if s.downloadFn == nil {
		return services.SignedURL{}, errors.New("not implemented")
	}
	return s.downloadFn(ctx, cmd)
}

func newPreAlertTestRouter(svc services.PreAlertService) http.Handler {
	h := NewPreAlertHandlers(newTestAuthenticator(), svc)
	r := chi.NewRouter()
	r.Route("/pre-alerts", h.Routes)
	return r
}

func samplePreAlert() services.PreAlert {
	created := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	return services.PreAlert{
		ID:                    "pa_1",
		CustomerID:            "cus_1",
		CustomerCode:          "CUST001",
		CarrierTrackingNumber: "1Z999",
		Status:                domain.PreAlertStatusPending,
		InvoiceObject:         "pre-alerts/cus_1/pa_1/invoice.pdf",
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

func TestPreAlertHandlersListFiltersByStatus(t *testing.T) {
	var got services.PreAlertListFilter
	router := newPreAlertTestRouter(&stubPreAlertService{
		listFn: func(_ context.Context, filter services.PreAlertListFilter) (domain.CursorPage[services.PreAlert], error) {
			got = filter
			return domain.CursorPage[services.PreAlert]{Items: []services.PreAlert{samplePreAlert()}}, nil
		},
	})

	rr := doJSONRequest(t, router, http.MethodGet, "/pre-alerts?status=pending", "clerk", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(got.Statuses) != 1 || got.Statuses[0] != domain.PreAlertStatusPending {
		t.Fatalf("unexpected filter %+v", got)
	}
	body := decodeJSON[preAlertListPayload](t, rr)
	if len(body.Items) != 1 || !body.Items[0].HasInvoice {
		t.Fatalf("unexpected payload %+v", body)
	}

	rr = doJSONRequest(t, router, http.MethodGet, "/pre-alerts?status=lost", "clerk", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	rr = doJSONRequest(t, router, http.MethodGet, "/pre-alerts", "customer", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected customers to be forbidden, got %d", rr.Code)
	}
}

func TestPreAlertHandlersApprove(t *testing.T) {
	var got services.ApprovePreAlertCommand
	router := newPreAlertTestRouter(&stubPreAlertService{
		approveFn: func(_ context.Context, cmd services.ApprovePreAlertCommand) (services.PreAlertApproval, error) {
			got = cmd
			alert := samplePreAlert()
			alert.Status = domain.PreAlertStatusApproved
			alert.PackageTrackingNumber = "TAS-PA-1"
			pkg := samplePackage()
			pkg.TrackingNumber = "TAS-PA-1"
			pkg.PreAlertID = alert.ID
			return services.PreAlertApproval{PreAlert: alert, Package: pkg}, nil
		},
	})

	rr := doJSONRequest(t, router, http.MethodPost, "/pre-alerts/pa_1:approve", "clerk", map[string]any{
		"trackingNumber": "TAS-PA-1",
		"weight":         1.2,
		"weightUnit":     "kg",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.PreAlertID != "pa_1" || got.ActorID != "uid-clerk" || got.WeightUnit != domain.WeightUnitKilograms {
		t.Fatalf("unexpected command %+v", got)
	}
	body := decodeJSON[preAlertApprovalPayload](t, rr)
	if body.PreAlert.Status != "approved" || body.Package.PreAlertID != "pa_1" {
		t.Fatalf("unexpected payload %+v", body)
	}

	rr = doJSONRequest(t, router, http.MethodPost, "/pre-alerts/pa_1:approve", "support", map[string]any{})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected support to be forbidden from approving, got %d", rr.Code)
	}
}

func TestPreAlertHandlersErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: pa_x", services.ErrPreAlertNotFound), http.StatusNotFound, "pre_alert_not_found"},
		{fmt.Errorf("%w: already approved", services.ErrPreAlertInvalidState), http.StatusConflict, "invalid_state"},
		{fmt.Errorf("%w: TAS-PA-1", services.ErrPackageConflict), http.StatusConflict, "tracking_number_conflict"},
		{fmt.Errorf("%w: CUST001", services.ErrPackageCustomerNotFound), http.StatusNotFound, "customer_not_found"},
		{fmt.Errorf("%w: storage", services.ErrPreAlertUnavailable), http.StatusServiceUnavailable, "pre_alert_unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			router := newPreAlertTestRouter(&stubPreAlertService{
				approveFn: func(context.Context, services.ApprovePreAlertCommand) (services.PreAlertApproval, error) {
					return services.PreAlertApproval{}, tc.err
				},
			})
			rr := doJSONRequest(t, router, http.MethodPost, "/pre-alerts/pa_1:approve", "admin", map[string]any{})
			if rr.Code != tc.status || errorCodeOf(t, rr) != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPreAlertHandlersReject(t *testing.T) {
	var got services.RejectPreAlertCommand
	router := newPreAlertTestRouter(&stubPreAlertService{
		rejectFn: func(_ context.Context, cmd services.RejectPreAlertCommand) (services.PreAlert, error) {
			got = cmd
			alert := samplePreAlert()
			alert.Status = domain.PreAlertStatusRejected
			alert.RejectReason = cmd.Reason
			return alert, nil
		},
	})

	rr := doJSONRequest(t, router, http.MethodPost, "/pre-alerts/pa_1:reject", "support", map[string]any{"reason": "duplicate"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Reason != "duplicate" || got.ActorID != "uid-support" {
		t.Fatalf("unexpected command %+v", got)
	}
	if body := decodeJSON[preAlertPayload](t, rr); body.RejectReason != "duplicate" {
		t.Fatalf("unexpected payload %+v", body)
	}
}

func TestPreAlertHandlersDownloadInvoicePassesRequester(t *testing.T) {
	expires := time.Date(2025, 3, 3, 9, 5, 0, 0, time.UTC)
	var requester string
	router := newPreAlertTestRouter(&stubPreAlertService{
		downloadFn: func(_ context.Context, cmd services.InvoiceDownloadCommand) (services.SignedURL, error) {
			requester = cmd.Requester.UID
			if cmd.Requester.UID == "uid-other" {
				return services.SignedURL{}, fmt.Errorf("%w: pa_1", services.ErrPreAlertNotFound)
			}
			return services.SignedURL{URL: "https://storage.example/invoice", Method: http.MethodGet, ExpiresAt: expires}, nil
		},
	})

	rr := doJSONRequest(t, router, http.MethodGet, "/pre-alerts/pa_1/invoice", "customer", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if requester != "uid-owner" {
		t.Fatalf("expected requester uid-owner, got %q", requester)
	}
	body := decodeJSON[signedURLPayload](t, rr)
	if body.Method != http.MethodGet || body.ExpiresAt != "2025-03-03T09:05:00Z" {
		t.Fatalf("unexpected payload %+v", body)
	}

	rr = doJSONRequest(t, router, http.MethodGet, "/pre-alerts/pa_1/invoice", "customer-2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected other customers to get 404, got %d", rr.Code)
	}
	rr = doJSONRequest(t, router, http.MethodGet, "/pre-alerts/pa_1/invoice", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected anonymous callers to get 401, got %d", rr.Code)
	}
}
