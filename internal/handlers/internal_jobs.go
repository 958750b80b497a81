package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tas-logistics/api/internal/platform/auth"
	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/platform/requestctx"
	"github.com/tas-logistics/api/internal/services"
)

// InternalJobHandlers exposes scheduler-triggered jobs. The /internal group is guarded by
// OIDC service identity middleware.
type InternalJobHandlers struct {
	reminders services.StorageReminderService
	system    services.SystemService
}

// NewInternalJobHandlers constructs handlers for scheduled jobs.
func NewInternalJobHandlers(reminders services.StorageReminderService, system services.SystemService) *InternalJobHandlers {
	return &InternalJobHandlers{reminders: reminders, system: system}
}

// Routes wires the /internal endpoints.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/storage-reminders", h.runStorageReminders)
	r.Post("/jobs/package-schema-migrations", h.runPackageSchemaMigration)
}

type jobRequest struct {
	Limit int `json:"limit"`
}

type storageReminderPayload struct {
	Candidates int `json:"candidates"`
	Reminded   int `json:"reminded"`
	Failed     int `json:"failed"`
}

type schemaMigrationPayload struct {
	Migrated int `json:"migrated"`
}

func (h *InternalJobHandlers) runStorageReminders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reminders == nil {
		writeServiceUnavailable(ctx, w, "storage_reminder")
		return
	}
	req, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}

	result, err := h.reminders.Run(ctx, services.StorageReminderCommand{Limit: req.Limit})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrStorageReminderInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrStorageReminderUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("storage_reminder_unavailable", "storage reminder job unavailable", http.StatusServiceUnavailable))
		default:
			writeInternalError(ctx, w, err)
		}
		return
	}

	requestctx.Logger(ctx).Info("storage reminder job finished",
		zap.String("caller", callerSubject(r)),
		zap.Int("candidates", result.Candidates),
		zap.Int("reminded", result.Reminded),
		zap.Int("failed", result.Failed),
	)
	writeJSONResponse(w, http.StatusOK, storageReminderPayload{
		Candidates: result.Candidates,
		Reminded:   result.Reminded,
		Failed:     result.Failed,
	})
}

func (h *InternalJobHandlers) runPackageSchemaMigration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		writeServiceUnavailable(ctx, w, "system")
		return
	}
	req, ok := decodeJobRequest(w, r)
	if !ok {
		return
	}

	result, err := h.system.MigratePackageSchema(ctx, services.MigratePackageSchemaCommand{Limit: req.Limit})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSystemInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrSystemUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("migration_unavailable", "package schema migration unavailable", http.StatusServiceUnavailable))
		default:
			writeInternalError(ctx, w, err)
		}
		return
	}

	requestctx.Logger(ctx).Info("package schema migration batch finished",
		zap.String("caller", callerSubject(r)),
		zap.Int("migrated", result.Migrated),
	)
	writeJSONResponse(w, http.StatusOK, schemaMigrationPayload{Migrated: result.Migrated})
}

// decodeJobRequest accepts an empty body as "use defaults".
func decodeJobRequest(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	var req jobRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if !decodeJSONBody(w, r, &req) {
		return req, false
	}
	if req.Limit < 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "limit must not be negative", http.StatusBadRequest))
		return req, false
	}
	return req, true
}

func callerSubject(r *http.Request) string {
	if identity, ok := auth.ServiceIdentityFromContext(r.Context()); ok && identity != nil {
		if identity.Email != "" {
			return identity.Email
		}
		return identity.Subject
	}
	return ""
}
