package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/services"
)

// MeHandlers exposes the customer portal: the caller's own packages, pre-alerts and
// notifications.
type MeHandlers struct {
	authn         *auth.Authenticator
	customers     services.CustomerService
	packages      services.PackageService
	preAlerts     services.PreAlertService
	notifications services.NotificationService
}

// MeOption customises the portal handlers.
type MeOption func(*MeHandlers)

// WithMePackages enables the /me/packages endpoints.
func WithMePackages(svc services.PackageService) MeOption {
	return func(h *MeHandlers) { h.packages = svc }
}

// WithMePreAlerts enables the /me/pre-alerts endpoints.
func WithMePreAlerts(svc services.PreAlertService) MeOption {
	return func(h *MeHandlers) { h.preAlerts = svc }
}

// WithMeNotifications enables the /me/notifications endpoints.
func WithMeNotifications(svc services.NotificationService) MeOption {
	return func(h *MeHandlers) { h.notifications = svc }
}

// NewMeHandlers constructs portal handlers. Every route resolves the caller's customer
// record from the Firebase UID before touching any data.
func NewMeHandlers(authn *auth.Authenticator, customers services.CustomerService, opts ...MeOption) *MeHandlers {
	h := &MeHandlers{
		authn:     authn,
		customers: customers,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(requireCapabilities(h.authn, auth.CapabilityCustomer))
	r.Get("/", h.getProfile)
	r.Route("/packages", func(r chi.Router) {
		r.Get("/", h.listPackages)
		r.Get("/{trackingNumber}", h.getPackage)
	})
	r.Route("/pre-alerts", func(r chi.Router) {
		r.Get("/", h.listPreAlerts)
		r.Post("/", h.submitPreAlert)
		r.Get("/{preAlertID}", h.getPreAlert)
		r.Post("/{preAlertID}/invoice-upload", h.issueInvoiceUpload)
	})
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", h.listNotifications)
		r.Post("/{notificationID}:read", h.markNotificationRead)
	})
}

// currentCustomer resolves the customer linked to the caller, writing the error response
// itself on failure.
func (h *MeHandlers) currentCustomer(ctx context.Context, w http.ResponseWriter) (services.Customer, bool) {
	if h.customers == nil {
		writeServiceUnavailable(ctx, w, "customer")
		return services.Customer{}, false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return services.Customer{}, false
	}
	customer, err := h.customers.GetByUserID(ctx, identity.UID)
	if err != nil {
		if errors.Is(err, services.ErrCustomerNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("customer_not_found", "no customer account is linked to this user", http.StatusNotFound))
			return services.Customer{}, false
		}
		writeCustomerError(ctx, w, err)
		return services.Customer{}, false
	}
	return customer, true
}

// meProfilePayload adds sign-in account state from Firebase to the customer record.
type meProfilePayload struct {
	customerPayload
	EmailVerified *bool `json:"emailVerified,omitempty"`
}

func (h *MeHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}
	payload := meProfilePayload{customerPayload: buildCustomerPayload(customer)}
	// The account lookup is optional; the profile is still served without it.
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		if user, err := identity.User(ctx); err == nil && user != nil {
			verified := user.EmailVerified
			payload.EmailVerified = &verified
		}
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *MeHandlers) listPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	filter, err := parsePackageListFilter(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.CustomerID = customer.ID
	filter.IncludeReturned = false

	page, err := h.packages.List(ctx, filter)
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPackageListPayload(page))
}

func (h *MeHandlers) getPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	pkg, err := h.packages.Get(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}
	if pkg.CustomerID != customer.ID {
		httpx.WriteError(ctx, w, httpx.NewError("package_not_found", "package not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPackagePayload(pkg))
}

type submitPreAlertRequest struct {
	Carrier               string  `json:"carrier"`
	CarrierTrackingNumber string  `json:"carrierTrackingNumber"`
	Merchant              string  `json:"merchant"`
	Description           string  `json:"description"`
	ItemValueUSD          float64 `json:"itemValueUsd"`
	ExpectedAt            string  `json:"expectedAt"`
}

func (h *MeHandlers) submitPreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	var req submitPreAlertRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	expected, err := parseOptionalTimeParam("expectedAt", req.ExpectedAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	alert, err := h.preAlerts.Submit(ctx, services.SubmitPreAlertCommand{
		CustomerID:            customer.ID,
		CustomerCode:          customer.Code,
		Carrier:               req.Carrier,
		CarrierTrackingNumber: req.CarrierTrackingNumber,
		Merchant:              req.Merchant,
		Description:           req.Description,
		ItemValueUSD:          req.ItemValueUSD,
		ExpectedAt:            expected,
	})
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+alert.ID)
	writeJSONResponse(w, http.StatusCreated, buildPreAlertPayload(alert))
}

func (h *MeHandlers) listPreAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	filter, err := parsePreAlertListFilter(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.CustomerID = customer.ID

	page, err := h.preAlerts.List(ctx, filter)
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPreAlertListPayload(page))
}

func (h *MeHandlers) getPreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	alert, err := h.preAlerts.Get(ctx, chi.URLParam(r, "preAlertID"))
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	if alert.CustomerID != customer.ID {
		httpx.WriteError(ctx, w, httpx.NewError("pre_alert_not_found", "pre-alert not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPreAlertPayload(alert))
}

type invoiceUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

func (h *MeHandlers) issueInvoiceUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.preAlerts == nil {
		writeServiceUnavailable(ctx, w, "pre_alert")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	var req invoiceUploadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	signed, err := h.preAlerts.IssueInvoiceUpload(ctx, services.InvoiceUploadCommand{
		PreAlertID:  chi.URLParam(r, "preAlertID"),
		CustomerID:  customer.ID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		writePreAlertError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

type notificationPayload struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	TrackingNumber string  `json:"trackingNumber,omitempty"`
	Locale         string  `json:"locale,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	ReadAt         *string `json:"readAt,omitempty"`
}

type notificationListPayload struct {
	Items         []notificationPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

func (h *MeHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		writeServiceUnavailable(ctx, w, "notification")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	paging, err := pageFromQuery(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.notifications.List(ctx, customer.ID, paging)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	items := make([]notificationPayload, 0, len(page.Items))
	for _, notification := range page.Items {
		items = append(items, buildNotificationPayload(notification))
	}
	writeJSONResponse(w, http.StatusOK, notificationListPayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *MeHandlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		writeServiceUnavailable(ctx, w, "notification")
		return
	}
	customer, ok := h.currentCustomer(ctx, w)
	if !ok {
		return
	}

	notification, err := h.notifications.MarkRead(ctx, customer.ID, chi.URLParam(r, "notificationID"))
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildNotificationPayload(notification))
}

func buildNotificationPayload(notification domain.Notification) notificationPayload {
	return notificationPayload{
		ID:             notification.ID,
		Kind:           string(notification.Kind),
		Title:          notification.Title,
		Body:           notification.Body,
		TrackingNumber: notification.TrackingNumber,
		Locale:         notification.Locale,
		CreatedAt:      formatTime(notification.CreatedAt),
		ReadAt:         formatTimePtr(notification.ReadAt),
	}
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotificationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
	case errors.Is(err, services.ErrNotificationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("notification_unavailable", "notifications temporarily unavailable", http.StatusServiceUnavailable))
	default:
		writeInternalError(ctx, w, err)
	}
}
