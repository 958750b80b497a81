package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/services"
)

// AdminHandlers exposes operator-only endpoints.
type AdminHandlers struct {
	authn  *auth.Authenticator
	system services.SystemService
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, system services.SystemService) *AdminHandlers {
	return &AdminHandlers{authn: authn, system: system}
}

// Routes wires the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(requireCapabilities(h.authn, auth.CapabilityAdmin)).Get("/audit-logs", h.listAuditLogs)
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actorType"`
	Action    string         `json:"action"`
	TargetRef string         `json:"targetRef"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

type auditLogListPayload struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

func (h *AdminHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		writeServiceUnavailable(ctx, w, "system")
		return
	}

	query := r.URL.Query()
	paging, err := pageFromQuery(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	from, err := parseOptionalTimeParam("from", query.Get("from"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	to, err := parseOptionalTimeParam("to", query.Get("to"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if from != nil && to != nil && to.Before(*from) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must not be before from", http.StatusBadRequest))
		return
	}

	page, err := h.system.ListAuditLogs(ctx, services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("targetRef")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actorType")),
		Action:    strings.TrimSpace(query.Get("action")),
		DateRange: domain.RangeQuery[time.Time]{From: from, To: to},
		Pagination: paging,
	})
	if err != nil {
		writeInternalError(ctx, w, err)
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			Metadata:  entry.Metadata,
			Diff:      entry.Diff,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListPayload{Items: items, NextPageToken: page.NextPageToken})
}
