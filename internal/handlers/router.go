package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tas-logistics/api/internal/platform/httpx"
)

// RouteRegistrar attaches one group's handlers to its sub-router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one mounted prefix under /api/v1. Groups without a registrar answer 501
// so clients can tell a disabled surface from a wrong path.
type routeGroup struct {
	registrar RouteRegistrar
	guards    []middlewareFunc
}

type routerConfig struct {
	basePath    string
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (cfg *routerConfig) group(path string) *routeGroup {
	g, ok := cfg.groups[path]
	if !ok {
		g = &routeGroup{}
		cfg.groups[path] = g
	}
	return g
}

type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// Mount order. Public tracking comes first so its rate limiter never sits behind auth.
var groupPaths = []string{
	"/public",
	"/me",
	"/tracking-numbers",
	"/packages",
	"/customers",
	"/pre-alerts",
	"/admin",
	"/webhooks",
	"/internal",
}

// NewRouter builds the API router: request id, real ip and a request timeout for every
// route, /healthz and /readyz at the root, and the feature groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath:    defaultAPIPrefix,
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(defaultTimeout)},
		groups:      make(map[string]*routeGroup),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, path := range groupPaths {
			g := cfg.group(path)
			api.Route(path, func(sub chi.Router) {
				for _, mw := range g.guards {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.registrar == nil {
					answerNotImplemented(sub, path)
					return
				}
				g.registrar(sub)
			})
		}
	})
	return r
}

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func withGroup(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(path).registrar = reg
	}
}

func withGuards(path string, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(path)
		g.guards = append(g.guards, mw...)
	}
}

// WithPublicRoutes mounts unauthenticated tracking lookups under /public.
func WithPublicRoutes(reg RouteRegistrar) Option { return withGroup("/public", reg) }

// WithMeRoutes mounts the signed-in customer's own resources under /me.
func WithMeRoutes(reg RouteRegistrar) Option { return withGroup("/me", reg) }

func WithTrackingNumberRoutes(reg RouteRegistrar) Option {
	return withGroup("/tracking-numbers", reg)
}

func WithPackageRoutes(reg RouteRegistrar) Option { return withGroup("/packages", reg) }

func WithCustomerRoutes(reg RouteRegistrar) Option { return withGroup("/customers", reg) }

func WithPreAlertRoutes(reg RouteRegistrar) Option { return withGroup("/pre-alerts", reg) }

func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup("/admin", reg) }

// WithWebhookRoutes mounts carrier callbacks; pair it with WithWebhookMiddlewares for
// signature checks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroup("/webhooks", reg) }

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGuards("/webhooks", mw)
}

// WithInternalRoutes mounts scheduler and push endpoints; pair it with
// WithInternalMiddlewares for OIDC.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroup("/internal", reg) }

func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGuards("/internal", mw)
}

func answerNotImplemented(r chi.Router, path string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", path[1:]+" routes are not enabled", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
