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

// CustomerHandlers exposes the customer directory to support staff.
type CustomerHandlers struct {
	authn     *auth.Authenticator
	customers services.CustomerService
}

// NewCustomerHandlers constructs customer directory handlers.
func NewCustomerHandlers(authn *auth.Authenticator, customers services.CustomerService) *CustomerHandlers {
	return &CustomerHandlers{
		authn:     authn,
		customers: customers,
	}
}

// Routes wires the /customers endpoints.
func (h *CustomerHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(requireCapabilities(h.authn, auth.CapabilityCustomerSupport))
	r.Get("/", h.listCustomers)
	r.Post("/", h.createCustomer)
	r.Get("/{customerCode}", h.getCustomer)
}

type createCustomerRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Locale string `json:"locale"`
}

type customerPayload struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	UserID    string `json:"userId,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Locale    string `json:"locale,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (h *CustomerHandlers) createCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		writeServiceUnavailable(ctx, w, "customer")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createCustomerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	customer, err := h.customers.Create(ctx, services.CreateCustomerCommand{
		UserID:  req.UserID,
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Locale:  req.Locale,
		ActorID: identity.UID,
	})
	if err != nil {
		writeCustomerError(ctx, w, err)
		return
	}

	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+url.PathEscape(customer.Code))
	writeJSONResponse(w, http.StatusCreated, buildCustomerPayload(customer))
}

func (h *CustomerHandlers) listCustomers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		writeServiceUnavailable(ctx, w, "customer")
		return
	}

	paging, err := pageFromQuery(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.customers.List(ctx, paging)
	if err != nil {
		writeCustomerError(ctx, w, err)
		return
	}

	items := make([]customerPayload, 0, len(page.Items))
	for _, customer := range page.Items {
		items = append(items, buildCustomerPayload(customer))
	}
	writeJSONResponse(w, http.StatusOK, customerListPayload{Items: items, NextPageToken: page.NextPageToken})
}

type customerListPayload struct {
	Items         []customerPayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

func (h *CustomerHandlers) getCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		writeServiceUnavailable(ctx, w, "customer")
		return
	}

	customer, err := h.customers.GetByCode(ctx, chi.URLParam(r, "customerCode"))
	if err != nil {
		writeCustomerError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCustomerPayload(customer))
}

func buildCustomerPayload(customer domain.Customer) customerPayload {
	return customerPayload{
		ID:        customer.ID,
		Code:      customer.Code,
		UserID:    customer.UserID,
		Name:      customer.Name,
		Email:     customer.Email,
		Phone:     customer.Phone,
		Locale:    customer.Locale,
		CreatedAt: formatTime(customer.CreatedAt),
		UpdatedAt: formatTime(customer.UpdatedAt),
	}
}

func writeCustomerError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrCustomerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCustomerNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("customer_not_found", "customer not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCustomerConflict):
		httpx.WriteError(ctx, w, httpx.NewError("customer_conflict", "customer already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCustomerUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("customer_unavailable", "customer directory temporarily unavailable", http.StatusServiceUnavailable))
	default:
		writeInternalError(ctx, w, err)
	}
}
