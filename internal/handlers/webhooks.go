package handlers

import (
	"net/http"
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

// WebhookHandlers receives signed callbacks from carriers. Signature verification runs
// as group middleware before these handlers.
type WebhookHandlers struct {
	packages services.PackageService
}

// NewWebhookHandlers constructs carrier webhook handlers.
func NewWebhookHandlers(packages services.PackageService) *WebhookHandlers {
	return &WebhookHandlers{packages: packages}
}

// Routes wires the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/carriers/status", h.carrierStatus)
}

// carrierStatusRequest follows the carriers' snake_case wire format.
type carrierStatusRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
	OccurredAt     string `json:"occurred_at"`
	Carrier        string `json:"carrier"`
}

type carrierStatusPayload struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Applied        bool   `json:"applied"`
}

func (h *WebhookHandlers) carrierStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}

	var req carrierStatusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	var occurredAt time.Time
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurred_at "+err.Error(), http.StatusBadRequest))
			return
		}
		occurredAt = ts
	}

	source := strings.TrimSpace(req.Carrier)
	if source == "" {
		if meta, ok := auth.HMACMetadataFromContext(ctx); ok && meta != nil {
			source = meta.SecretName
		}
	}

	result, err := h.packages.ApplyCarrierStatus(ctx, services.CarrierStatusCommand{
		TrackingNumber: req.TrackingNumber,
		Status:         domain.PackageStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		OccurredAt:     occurredAt,
		Source:         source,
	})
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}

	applied := len(result.ChangedFields) > 0
	if !applied {
		requestctx.Logger(ctx).Info("carrier status ignored",
			zap.String("trackingNumber", result.Package.TrackingNumber),
			zap.String("reported", req.Status),
			zap.String("current", string(result.Package.Status)),
		)
	}
	writeJSONResponse(w, http.StatusAccepted, carrierStatusPayload{
		TrackingNumber: result.Package.TrackingNumber,
		Status:         string(result.Package.Status),
		Applied:        applied,
	})
}
