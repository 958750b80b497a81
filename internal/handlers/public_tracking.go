package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tas-logistics/api/internal/platform/httpx"
	"github.com/tas-logistics/api/internal/services"
)

const (
	defaultPublicTrackingLimit  = 30
	defaultPublicTrackingWindow = time.Minute
)

// PublicHandlers serves unauthenticated endpoints. Responses expose only what a tracking
// number holder may see.
type PublicHandlers struct {
	packages services.PackageService
	limit    int
	window   time.Duration
	clock    func() time.Time
	limiter  rateLimiter
}

// PublicOption customises the public handlers.
type PublicOption func(*PublicHandlers)

// WithPublicTrackingRateLimit sets the per-client request budget for tracking lookups.
// A non-positive limit disables limiting.
func WithPublicTrackingRateLimit(limit int, window time.Duration) PublicOption {
	return func(h *PublicHandlers) {
		h.limit = limit
		if window > 0 {
			h.window = window
		}
	}
}

// WithPublicClock overrides the clock used by the rate limiter.
func WithPublicClock(clock func() time.Time) PublicOption {
	return func(h *PublicHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewPublicHandlers constructs public tracking handlers.
func NewPublicHandlers(packages services.PackageService, opts ...PublicOption) *PublicHandlers {
	h := &PublicHandlers{
		packages: packages,
		limit:    defaultPublicTrackingLimit,
		window:   defaultPublicTrackingWindow,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.limiter = newClientRateLimiter(h.limit, h.window, h.clock)
	return h
}

// Routes wires the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/tracking/{trackingNumber}", h.trackPackage)
}

type publicTrackingPayload struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	DateReceived   string `json:"dateReceived,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

func (h *PublicHandlers) trackPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.packages == nil {
		writeServiceUnavailable(ctx, w, "package")
		return
	}
	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(clientIP(r)); !ok {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many tracking requests; try again later", http.StatusTooManyRequests).WithRetryAfter(wait))
			return
		}
	}

	pkg, err := h.packages.Get(ctx, chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writePackageError(ctx, w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, publicTrackingPayload{
		TrackingNumber: pkg.TrackingNumber,
		Status:         string(pkg.Status),
		DateReceived:   formatTime(pkg.DateReceived),
		UpdatedAt:      formatTime(pkg.UpdatedAt),
	})
}
