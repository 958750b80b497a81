package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/platform/requestctx"
	"github.com/tas-logistics/api/internal/services"
)

// PackageHandlers exposes the staff package endpoints.
type PackageHandlers struct {
	authn    *auth.Authenticator
	packages services.PackageService
}

// NewPackageHandlers constructs package handlers guarded by capability checks.
func NewPackageHandlers(authn *auth.Authenticator, packages services.PackageService) *PackageHandlers {
	return &PackageHandlers{
		authn:    authn,
		packages: packages,
	}
}

// TrackingNumberRoutes wires the /tracking-numbers endpoint.
func (h *PackageHandlers) TrackingNumberRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireCapabilities(h.authn, auth.CapabilityWarehouseStaff)).Post("/", h.issueTrackingNumber)
}

// Routes wires the /packages endpoints.
func (h *PackageHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	readers := requireCapabilities(h.authn, auth.CapabilityWarehouseStaff, auth.CapabilityCustomerSupport)
	writers := requireCapabilities(h.authn, auth.CapabilityWarehouseStaff)
	cashiers := requireCapabilities(h.authn, auth.CapabilityCustomerSupport)

	r.With(writers).Post("/", h.createPackage)
	r.With(readers).Get("/", h.listPackages)
	r.Route("/{trackingNumber}", func(r chi.Router) {
		r.With(readers).Get("/", h.getPackage)
		r.With(writers).Patch("/", h.updatePackage)
		r.With(writers).Delete("/", h.deletePackage)
		r.With(cashiers).Post("/payments", h.recordPayment)
		r.With(cashiers).Get("/payments", h.listPayments)
	})
}

// requireCapabilities returns the capability middleware, or a pass-through when no
// authenticator is configured.
func requireCapabilities(authn *auth.Authenticator, caps ...auth.Capability) func(http.Handler) http.Handler {
	if authn == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return authn.RequireCapabilities(caps...)
}

type issueTrackingNumberRequest struct {
	Prefix string `json:"prefix"`
	Short  *bool  `json:"short"`
}

func (h *PackageHandlers) issueTrackingNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}

	var req issueTrackingNumberRequest
	if r.ContentLength != 0 {
		body, err := readLimitedBody(r, maxJSONBodySize)
		switch {
		case errors.Is(err, errEmptyBody):
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		case err != nil:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		default:
			if err := json.Unmarshal(body, &req); err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
				return
			}
		}
	}

	candidate, err := h.packages.IssueTrackingNumber(ctx, services.IssueTrackingNumberCommand{
		Prefix: req.Prefix,
		Short:  req.Short,
	})
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, trackingNumberPayload{
		TrackingNumber: candidate.TrackingNumber,
		Available:      candidate.Available,
	})
}

type trackingNumberPayload struct {
	TrackingNumber string `json:"trackingNumber"`
	Available      bool   `json:"available"`
}

type dimensionsPayload struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Unit   string  `json:"unit,omitempty"`
}

type additionalFeePayload struct {
	Label     string  `json:"label"`
	AmountJMD float64 `json:"amountJmd"`
}

type createPackageRequest struct {
	TrackingNumber        string                 `json:"trackingNumber"`
	CustomerCode          string                 `json:"customerCode"`
	Description           string                 `json:"description"`
	Merchant              string                 `json:"merchant"`
	Carrier               string                 `json:"carrier"`
	CarrierTrackingNumber string                 `json:"carrierTrackingNumber"`
	Weight                float64                `json:"weight"`
	WeightUnit            string                 `json:"weightUnit"`
	Dimensions            *dimensionsPayload     `json:"dimensions"`
	ItemValueUSD          float64                `json:"itemValueUsd"`
	DeliveryFeeJMD        float64                `json:"deliveryFeeJmd"`
	AdditionalFees        []additionalFeePayload `json:"additionalFees"`
	AmountPaidJMD         float64                `json:"amountPaidJmd"`
	DateReceived          string                 `json:"dateReceived"`
}

func (h *PackageHandlers) createPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createPackageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	received, err := parseOptionalTimeParam("dateReceived", req.DateReceived)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	pkg, err := h.packages.Create(ctx, services.CreatePackageCommand{
		TrackingNumber:        req.TrackingNumber,
		CustomerCode:          req.CustomerCode,
		Description:           req.Description,
		Merchant:              req.Merchant,
		Carrier:               req.Carrier,
		CarrierTrackingNumber: req.CarrierTrackingNumber,
		Weight:                req.Weight,
		WeightUnit:            domain.WeightUnit(strings.ToLower(strings.TrimSpace(req.WeightUnit))),
		Dimensions:            req.Dimensions.toDomain(),
		ItemValueUSD:          req.ItemValueUSD,
		DeliveryFeeJMD:        req.DeliveryFeeJMD,
		AdditionalFees:        toDomainFees(req.AdditionalFees),
		AmountPaidJMD:         req.AmountPaidJMD,
		DateReceived:          received,
		ActorID:               identity.UID,
	})
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+url.PathEscape(pkg.TrackingNumber))
	writeJSONResponse(w, http.StatusCreated, buildPackagePayload(pkg))
}

func (h *PackageHandlers) listPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}

	filter, err := parsePackageListFilter(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.packages.List(ctx, filter)
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPackageListPayload(page))
}

func parsePackageListFilter(query url.Values) (services.PackageListFilter, error) {
	filter := services.PackageListFilter{
		Query:      strings.TrimSpace(query.Get("q")),
		CustomerID: strings.TrimSpace(query.Get("customerId")),
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.PackageStatus(raw)
		if !status.Valid() {
			return services.PackageListFilter{}, errors.New("invalid status " + raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	from, err := parseOptionalTimeParam("receivedFrom", query.Get("receivedFrom"))
	if err != nil {
		return services.PackageListFilter{}, err
	}
	to, err := parseOptionalTimeParam("receivedTo", query.Get("receivedTo"))
	if err != nil {
		return services.PackageListFilter{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return services.PackageListFilter{}, errors.New("receivedTo must not be before receivedFrom")
	}
	filter.ReceivedRange = domain.RangeQuery[time.Time]{From: from, To: to}

	includeReturned, err := parseOptionalBoolParam("includeReturned", query.Get("includeReturned"))
	if err != nil {
		return services.PackageListFilter{}, err
	}
	if includeReturned != nil {
		filter.IncludeReturned = *includeReturned
	}

	paging, err := pageFromQuery(query)
	if err != nil {
		return services.PackageListFilter{}, err
	}
	filter.Pagination = paging
	return filter, nil
}

func (h *PackageHandlers) getPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}

	pkg, err := h.packages.Get(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPackagePayload(pkg))
}

type updatePackageRequest struct {
	Description           *string                 `json:"description"`
	Merchant              *string                 `json:"merchant"`
	Carrier               *string                 `json:"carrier"`
	CarrierTrackingNumber *string                 `json:"carrierTrackingNumber"`
	Weight                *float64                `json:"weight"`
	WeightUnit            *string                 `json:"weightUnit"`
	Dimensions            *dimensionsPayload      `json:"dimensions"`
	ItemValueUSD          *float64                `json:"itemValueUsd"`
	Status                *string                 `json:"status"`
	DeliveryFeeJMD        *float64                `json:"deliveryFeeJmd"`
	AdditionalFees        *[]additionalFeePayload `json:"additionalFees"`
	DateReceived          *string                 `json:"dateReceived"`
}

type packageUpdatePayload struct {
	Package       packagePayload `json:"package"`
	ChangedFields []string       `json:"changedFields"`
}

func (h *PackageHandlers) updatePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req updatePackageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	cmd := services.UpdatePackageCommand{
		TrackingNumber:        chi.URLParam(r, "trackingNumber"),
		ActorID:               identity.UID,
		Description:           req.Description,
		Merchant:              req.Merchant,
		Carrier:               req.Carrier,
		CarrierTrackingNumber: req.CarrierTrackingNumber,
		Weight:                req.Weight,
		Dimensions:            req.Dimensions.toDomain(),
		ItemValueUSD:          req.ItemValueUSD,
		DeliveryFeeJMD:        req.DeliveryFeeJMD,
	}
	if req.WeightUnit != nil {
		unit := domain.WeightUnit(strings.ToLower(strings.TrimSpace(*req.WeightUnit)))
		cmd.WeightUnit = &unit
	}
	if req.Status != nil {
		status := domain.PackageStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
		cmd.Status = &status
	}
	if req.AdditionalFees != nil {
		fees := toDomainFees(*req.AdditionalFees)
		if fees == nil {
			fees = []services.AdditionalFee{}
		}
		cmd.AdditionalFees = &fees
	}
	if req.DateReceived != nil {
		received, err := parseTimeParam(strings.TrimSpace(*req.DateReceived))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid dateReceived: "+err.Error(), http.StatusBadRequest))
			return
		}
		cmd.DateReceived = &received
	}

	result, err := h.packages.Update(ctx, cmd)
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}

	changed := make([]string, 0, len(result.ChangedFields))
	for _, field := range result.ChangedFields {
		changed = append(changed, string(field))
	}
	writeJSONResponse(w, http.StatusOK, packageUpdatePayload{
		Package:       buildPackagePayload(result.Package),
		ChangedFields: changed,
	})
}

type deletePackageRequest struct {
	Reason string `json:"reason"`
}

func (h *PackageHandlers) deletePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	req := deletePackageRequest{Reason: r.URL.Query().Get("reason")}
	if strings.TrimSpace(req.Reason) == "" && !decodeJSONBody(w, r, &req) {
		return
	}

	pkg, err := h.packages.Delete(ctx, services.DeletePackageCommand{
		TrackingNumber: chi.URLParam(r, "trackingNumber"),
		Reason:         req.Reason,
		ActorID:        identity.UID,
	})
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPackagePayload(pkg))
}

type recordPaymentRequest struct {
	AmountJMD float64 `json:"amountJmd"`
	Method    string  `json:"method"`
	Reference string  `json:"reference"`
}

type paymentPayload struct {
	ID             string  `json:"id"`
	TrackingNumber string  `json:"trackingNumber"`
	AmountJMD      float64 `json:"amountJmd"`
	Method         string  `json:"method"`
	Reference      string  `json:"reference,omitempty"`
	RecordedBy     string  `json:"recordedBy,omitempty"`
	RecordedAt     string  `json:"recordedAt"`
}

type paymentReceiptPayload struct {
	Payment paymentPayload `json:"payment"`
	Package packagePayload `json:"package"`
}

func (h *PackageHandlers) recordPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req recordPaymentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	receipt, err := h.packages.RecordPayment(ctx, services.RecordPaymentCommand{
		TrackingNumber: chi.URLParam(r, "trackingNumber"),
		AmountJMD:      req.AmountJMD,
		Method:         domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.Method))),
		Reference:      req.Reference,
		ActorID:        identity.UID,
	})
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, paymentReceiptPayload{
		Payment: buildPaymentPayload(receipt.Payment),
		Package: buildPackagePayload(receipt.Package),
	})
}

func (h *PackageHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}

	payments, err := h.packages.ListPayments(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	items := make([]paymentPayload, 0, len(payments))
	for _, payment := range payments {
		items = append(items, buildPaymentPayload(payment))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

// packagePayload flattens the stored record and its derived costs into one document.
type packagePayload struct {
	TrackingNumber         string                 `json:"trackingNumber"`
	CustomerID             string                 `json:"customerId"`
	CustomerCode           string                 `json:"customerCode"`
	CustomerName           string                 `json:"customerName,omitempty"`
	Description            string                 `json:"description,omitempty"`
	Merchant               string                 `json:"merchant,omitempty"`
	Carrier                string                 `json:"carrier,omitempty"`
	CarrierTrackingNumber  string                 `json:"carrierTrackingNumber,omitempty"`
	Weight                 float64                `json:"weight"`
	WeightUnit             string                 `json:"weightUnit"`
	Dimensions             *dimensionsPayload     `json:"dimensions,omitempty"`
	ItemValueUSD           float64                `json:"itemValueUsd"`
	Status                 string                 `json:"status"`
	AdditionalFees         []additionalFeePayload `json:"additionalFees"`
	PreAlertID             string                 `json:"preAlertId,omitempty"`
	DeleteReason           string                 `json:"deleteReason,omitempty"`
	DeletedBy              string                 `json:"deletedBy,omitempty"`
	DeletedAt              *string                `json:"deletedAt,omitempty"`
	StorageReminderSentAt  *string                `json:"storageReminderSentAt,omitempty"`
	DateReceived           string                 `json:"dateReceived,omitempty"`
	CreatedAt              string                 `json:"createdAt,omitempty"`
	UpdatedAt              string                 `json:"updatedAt,omitempty"`
	WeightLbs              float64                `json:"weightLbs"`
	StorageDays            int                    `json:"storageDays"`
	ShippingCostJMD        float64                `json:"shippingCostJmd"`
	StorageFeeJMD          float64                `json:"storageFeeJmd"`
	DeliveryFeeJMD         float64                `json:"deliveryFeeJmd"`
	AdditionalFeesTotalJMD float64                `json:"additionalFeesTotalJmd"`
	TotalCostJMD           float64                `json:"totalCostJmd"`
	AmountPaidJMD          float64                `json:"amountPaidJmd"`
	OutstandingBalanceJMD  float64                `json:"outstandingBalanceJmd"`
	CustomsDutyUSD         float64                `json:"customsDutyUsd"`
}

type packageListPayload struct {
	Items         []packagePayload `json:"items"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

func buildPackagePayload(pkg services.Package) packagePayload {
	payload := packagePayload{
		TrackingNumber:         pkg.TrackingNumber,
		CustomerID:             pkg.CustomerID,
		CustomerCode:           pkg.CustomerCode,
		CustomerName:           pkg.CustomerName,
		Description:            pkg.Description,
		Merchant:               pkg.Merchant,
		Carrier:                pkg.Carrier,
		CarrierTrackingNumber:  pkg.CarrierTrackingNumber,
		Weight:                 pkg.Weight,
		WeightUnit:             string(pkg.WeightUnit),
		ItemValueUSD:           pkg.ItemValueUSD,
		Status:                 string(pkg.Status),
		AdditionalFees:         make([]additionalFeePayload, 0, len(pkg.AdditionalFees)),
		PreAlertID:             pkg.PreAlertID,
		DeleteReason:           pkg.DeleteReason,
		DeletedBy:              pkg.DeletedBy,
		DeletedAt:              formatTimePtr(pkg.DeletedAt),
		StorageReminderSentAt:  formatTimePtr(pkg.StorageReminderSentAt),
		DateReceived:           formatTime(pkg.DateReceived),
		CreatedAt:              formatTime(pkg.CreatedAt),
		UpdatedAt:              formatTime(pkg.UpdatedAt),
		WeightLbs:              pkg.Costs.WeightLbs,
		StorageDays:            pkg.Costs.StorageDays,
		ShippingCostJMD:        pkg.Costs.ShippingCostJMD,
		StorageFeeJMD:          pkg.Costs.StorageFeeJMD,
		DeliveryFeeJMD:         pkg.Costs.DeliveryFeeJMD,
		AdditionalFeesTotalJMD: pkg.Costs.AdditionalFeesTotalJMD,
		TotalCostJMD:           pkg.Costs.TotalCostJMD,
		AmountPaidJMD:          pkg.Costs.AmountPaidJMD,
		OutstandingBalanceJMD:  pkg.Costs.OutstandingBalanceJMD,
		CustomsDutyUSD:         pkg.Costs.CustomsDutyUSD,
	}
	if dims := pkg.Dimensions; dims.Length > 0 || dims.Width > 0 || dims.Height > 0 {
		payload.Dimensions = &dimensionsPayload{
			Length: dims.Length,
			Width:  dims.Width,
			Height: dims.Height,
			Unit:   string(dims.Unit),
		}
	}
	for _, fee := range pkg.AdditionalFees {
		payload.AdditionalFees = append(payload.AdditionalFees, additionalFeePayload{
			Label:     fee.Label,
			AmountJMD: fee.AmountJMD,
		})
	}
	return payload
}

func buildPackageListPayload(page domain.CursorPage[services.Package]) packageListPayload {
	items := make([]packagePayload, 0, len(page.Items))
	for _, pkg := range page.Items {
		items = append(items, buildPackagePayload(pkg))
	}
	return packageListPayload{Items: items, NextPageToken: page.NextPageToken}
}

func buildPaymentPayload(payment services.PackagePayment) paymentPayload {
	return paymentPayload{
		ID:             payment.ID,
		TrackingNumber: payment.TrackingNumber,
		AmountJMD:      payment.AmountJMD,
		Method:         string(payment.Method),
		Reference:      payment.Reference,
		RecordedBy:     payment.RecordedBy,
		RecordedAt:     formatTime(payment.RecordedAt),
	}
}

func (d *dimensionsPayload) toDomain() *services.Dimensions {
	if d == nil {
		return nil
	}
	return &services.Dimensions{
		Length: d.Length,
		Width:  d.Width,
		Height: d.Height,
		Unit:   domain.LengthUnit(strings.ToLower(strings.TrimSpace(d.Unit))),
	}
}

func toDomainFees(fees []additionalFeePayload) []services.AdditionalFee {
	if len(fees) == 0 {
		return nil
	}
	result := make([]services.AdditionalFee, 0, len(fees))
	for _, fee := range fees {
		result = append(result, services.AdditionalFee{Label: fee.Label, AmountJMD: fee.AmountJMD})
	}
	return result
}

func writePackageError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrPackageInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPackageCustomerNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customer_not_found", "customer not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPackageNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("package_not_found", "package not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPackageConflict):
		httpx.WriteError(ctx, w, httpx.NewError("tracking_number_conflict", "tracking number already exists; generate a new one and retry", http.StatusConflict))
	case errors.Is(err, services.ErrPackageInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPackageUnavailable):
		requestctx.Logger(ctx).Warn("package repository unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("package_unavailable", "package service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		writeInternalError(ctx, w, err)
	}
}
