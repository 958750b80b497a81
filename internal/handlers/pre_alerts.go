package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/services"
)

// PreAlertHandlers exposes the staff review queue for customer pre-alerts.
type PreAlertHandlers struct {
	authn     *auth.Authenticator
	preAlerts services.PreAlertService
}

// NewPreAlertHandlers constructs pre-alert review handlers.
func NewPreAlertHandlers(authn *auth.Authenticator, preAlerts services.PreAlertService) *PreAlertHandlers {
	return &PreAlertHandlers{
		authn:     authn,
		preAlerts: preAlerts,
	}
}

// Routes wires the /pre-alerts endpoints.
func (h *PreAlertHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	staff := requireCapabilities(h.authn, auth.CapabilityWarehouseStaff, auth.CapabilityCustomerSupport)

	r.With(staff).Get("/", h.listPreAlerts)
	r.With(staff).Get("/{preAlertID}", h.getPreAlert)
	r.With(requireCapabilities(h.authn, auth.CapabilityWarehouseStaff)).Post("/{preAlertID}:approve", h.approvePreAlert)
	r.With(staff).Post("/{preAlertID}:reject", h.rejectPreAlert)
	// Owners are checked by the service; any authenticated caller may ask.
	r.With(requireCapabilities(h.authn)).Get("/{preAlertID}/invoice", h.downloadInvoice)
}

func (h *PreAlertHandlers) listPreAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}

	filter, err := parsePreAlertListFilter(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.CustomerID = strings.TrimSpace(r.URL.Query().Get("customerId"))

	page, err := h.preAlerts.List(ctx, filter)
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPreAlertListPayload(page))
}

func parsePreAlertListFilter(query url.Values) (services.PreAlertListFilter, error) {
	var filter services.PreAlertListFilter
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.PreAlertStatus(raw)
		if !status.Valid() {
			return services.PreAlertListFilter{}, errors.New("invalid status " + raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	paging, err := pageFromQuery(query)
	if err != nil {
		return services.PreAlertListFilter{}, err
	}
	filter.Pagination = paging
	return filter, nil
}

func (h *PreAlertHandlers) getPreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	alert, err := h.preAlerts.Get(ctx, chi.URLParam(r, "preAlertID"))
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPreAlertPayload(alert))
}

type approvePreAlertRequest struct {
	TrackingNumber string             `json:"trackingNumber"`
	Weight         float64            `json:"weight"`
	WeightUnit     string             `json:"weightUnit"`
	Dimensions     *dimensionsPayload `json:"dimensions"`
	DeliveryFeeJMD float64            `json:"deliveryFeeJmd"`
}

type preAlertApprovalPayload struct {
	PreAlert preAlertPayload `json:"preAlert"`
	Package  packagePayload  `json:"package"`
}

func (h *PreAlertHandlers) approvePreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req approvePreAlertRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	approval, err := h.preAlerts.Approve(ctx, services.ApprovePreAlertCommand{
		PreAlertID:     chi.URLParam(r, "preAlertID"),
		TrackingNumber: req.TrackingNumber,
		Weight:         req.Weight,
		WeightUnit:     domain.WeightUnit(strings.ToLower(strings.TrimSpace(req.WeightUnit))),
		Dimensions:     req.Dimensions.toDomain(),
		DeliveryFeeJMD: req.DeliveryFeeJMD,
		ActorID:        identity.UID,
	})
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, preAlertApprovalPayload{
		PreAlert: buildPreAlertPayload(approval.PreAlert),
		Package:  buildPackagePayload(approval.Package),
	})
}

type rejectPreAlertRequest struct {
	Reason string `json:"reason"`
}

func (h *PreAlertHandlers) rejectPreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req rejectPreAlertRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	alert, err := h.preAlerts.Reject(ctx, services.RejectPreAlertCommand{
		PreAlertID: chi.URLParam(r, "preAlertID"),
		Reason:     req.Reason,
		ActorID:    identity.UID,
	})
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPreAlertPayload(alert))
}

func (h *PreAlertHandlers) downloadInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	signed, err := h.preAlerts.IssueInvoiceDownload(ctx, services.InvoiceDownloadCommand{
		PreAlertID: chi.URLParam(r, "preAlertID"),
		Requester:  identity,
	})
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

type preAlertPayload struct {
	ID                    string  `json:"id"`
	CustomerID            string  `json:"customerId"`
	CustomerCode          string  `json:"customerCode"`
	Carrier               string  `json:"carrier,omitempty"`
	CarrierTrackingNumber string  `json:"carrierTrackingNumber"`
	Merchant              string  `json:"merchant,omitempty"`
	Description           string  `json:"description,omitempty"`
	ItemValueUSD          float64 `json:"itemValueUsd"`
	ExpectedAt            *string `json:"expectedAt,omitempty"`
	Status                string  `json:"status"`
	HasInvoice            bool    `json:"hasInvoice"`
	PackageTrackingNumber string  `json:"packageTrackingNumber,omitempty"`
	ReviewedBy            string  `json:"reviewedBy,omitempty"`
	ReviewedAt            *string `json:"reviewedAt,omitempty"`
	RejectReason          string  `json:"rejectReason,omitempty"`
	CreatedAt             string  `json:"createdAt,omitempty"`
	UpdatedAt             string  `json:"updatedAt,omitempty"`
}

type preAlertListPayload struct {
	Items         []preAlertPayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

type signedURLPayload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	ExpiresAt string            `json:"expiresAt"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func buildPreAlertPayload(alert services.PreAlert) preAlertPayload {
	return preAlertPayload{
		ID:                    alert.ID,
		CustomerID:            alert.CustomerID,
		CustomerCode:          alert.CustomerCode,
		Carrier:               alert.Carrier,
		CarrierTrackingNumber: alert.CarrierTrackingNumber,
		Merchant:              alert.Merchant,
		Description:           alert.Description,
		ItemValueUSD:          alert.ItemValueUSD,
		ExpectedAt:            formatTimePtr(alert.ExpectedAt),
		Status:                string(alert.Status),
		HasInvoice:            alert.InvoiceObject != "",
		PackageTrackingNumber: alert.PackageTrackingNumber,
		ReviewedBy:            alert.ReviewedBy,
		ReviewedAt:            formatTimePtr(alert.ReviewedAt),
		RejectReason:          alert.RejectReason,
		CreatedAt:             formatTime(alert.CreatedAt),
		UpdatedAt:             formatTime(alert.UpdatedAt),
	}
}

func buildPreAlertListPayload(page domain.CursorPage[services.PreAlert]) preAlertListPayload {
	items := make([]preAlertPayload, 0, len(page.Items))
	for _, alert := range page.Items {
		items = append(items, buildPreAlertPayload(alert))
	}
	return preAlertListPayload{Items: items, NextPageToken: page.NextPageToken}
}

func buildSignedURLPayload(signed services.SignedURL) signedURLPayload {
	return signedURLPayload{
		URL:       signed.URL,
		Method:    signed.Method,
		ExpiresAt: formatTime(signed.ExpiresAt),
		Headers:   signed.Headers,
	}
}

func writePreAlertError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrPreAlertInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPreAlertNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("pre_alert_not_found", "pre-alert not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPreAlertInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPreAlertConflict):
		httpx.WriteError(ctx, w, httpx.NewError("tracking_number_conflict", "no free tracking number could be issued; retry", http.StatusConflict))
	case errors.Is(err, services.ErrPreAlertUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("pre_alert_unavailable", "pre-alert service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		// Approval surfaces package creation errors unchanged.
		writePackageError(ctx, w, err)
	}
}
