package handlers

import (
	"cmp"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tas-logistics/api/internal/domain"
	"github.com/tas-logistics/api/internal/platform/requestctx"
	"github.com/tas-logistics/api/internal/services"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.SystemService
	clock  func() time.Time
}

// HealthOption customises health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService sets the service whose dependency report backs /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the clock used for uptime and timestamps.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type probeView struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type healthView struct {
	Status      string               `json:"status"`
	Version     string               `json:"version,omitempty"`
	CommitSHA   string               `json:"commitSha,omitempty"`
	Environment string               `json:"environment,omitempty"`
	Uptime      string               `json:"uptime"`
	Timestamp   string               `json:"timestamp"`
	Checks      map[string]probeView `json:"checks,omitempty"`
	Details     []string             `json:"details,omitempty"`
}

func (h *HealthHandlers) baseView(status string, now time.Time) healthView {
	return healthView{
		Status:      status,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	}
}

// Healthz answers liveness probes. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, h.baseView(domain.HealthStatusOK, h.clock().UTC()))
}

// Readyz answers readiness probes from the dependency report. Only an error status, meaning a
// critical dependency failed, takes the instance out of rotation; degraded still serves.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.clock().UTC()
	w.Header().Set("Cache-Control", "no-store")

	if h.system == nil {
		view := h.baseView(domain.HealthStatusOK, now)
		view.Checks = map[string]probeView{}
		writeJSONResponse(w, http.StatusOK, view)
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(ctx).Warn("readiness report failed", zap.Error(err))
		view := h.baseView(domain.HealthStatusError, now)
		view.Checks = map[string]probeView{}
		view.Details = []string{err.Error()}
		writeJSONResponse(w, http.StatusServiceUnavailable, view)
		return
	}

	view := h.baseView(cmp.Or(strings.TrimSpace(report.Status), domain.HealthStatusOK), now)
	view.Version = cmp.Or(report.Version, view.Version)
	view.CommitSHA = cmp.Or(report.CommitSHA, view.CommitSHA)
	view.Environment = cmp.Or(report.Environment, view.Environment)
	if report.Uptime > 0 {
		view.Uptime = report.Uptime.Round(time.Second).String()
	}
	if !report.GeneratedAt.IsZero() {
		view.Timestamp = report.GeneratedAt.UTC().Format(time.RFC3339)
	}
	view.Checks, view.Details = summarizeProbes(report.Checks)

	code := http.StatusOK
	if view.Status == domain.HealthStatusError {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, view)
}

// summarizeProbes renders each check and lists a "name: reason" line for every failing one,
// sorted by name.
func summarizeProbes(checks map[string]domain.SystemHealthCheck) (map[string]probeView, []string) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make(map[string]probeView, len(names))
	var failing []string
	for _, name := range names {
		check := checks[name]
		views[name] = probeView{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status == domain.HealthStatusOK {
			continue
		}
		reason := cmp.Or(strings.TrimSpace(check.Error), strings.TrimSpace(check.Detail), check.Status)
		failing = append(failing, name+": "+reason)
	}
	return views, failing
}
