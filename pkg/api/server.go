package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/dtc/pkg/auth"
	"github.com/platinummonkey/dtc/pkg/httputil"
	"github.com/platinummonkey/dtc/pkg/middleware"
	"github.com/platinummonkey/dtc/pkg/observability"
)

// Deps are the services behind the API. Billing may be nil, in which case
// billing routes answer 503.
type Deps struct {
	Accounts     AccountService
	Capsules     CapsuleService
	Billing      BillingService
	MediaLinks   MediaLinkParser
	Auth         Authenticator
	LoginLimiter middleware.Limiter
	Health       *observability.HealthChecker
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// Options tune the HTTP layer
type Options struct {
	CORSOrigins    []string
	MaxUploadBytes int64
}

// Server is the HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer wires every route and the middleware chain
func NewServer(deps Deps, opts Options) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNopMetrics()
	}
	audit := auth.NewAuditLogger(deps.Logger)

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "route not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if deps.Health != nil {
		router.HandleFunc("/health/live", deps.Health.Liveness).Methods(http.MethodGet)
		router.HandleFunc("/health/ready", deps.Health.Readiness).Methods(http.MethodGet)
	}
	if deps.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods(http.MethodGet)
	}

	var loginLimit func(http.Handler) http.Handler
	if deps.LoginLimiter != nil {
		loginLimit = middleware.RateLimit(deps.LoginLimiter, "login", deps.Logger)
	}

	authHandlers := NewAuthHandlers(deps.Accounts, audit, loginLimit)
	accountHandlers := NewAccountHandlers(deps.Accounts, deps.Billing, deps.Auth, audit)
	capsuleHandlers := NewCapsuleHandlers(deps.Capsules, deps.MediaLinks)
	billingHandlers := NewBillingHandlers(deps.Billing)
	adminHandlers := NewAdminHandlers(deps.Accounts, deps.Billing, deps.Auth, audit)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Public routes come first so the authenticated subrouter never sees them
	authHandlers.RegisterRoutes(v1)
	billingHandlers.RegisterPublicRoutes(v1)
	capsuleHandlers.RegisterPublicRoutes(v1)

	protected := v1.NewRoute().Subrouter()
	protected.Use(deps.Auth.Handler)
	accountHandlers.RegisterRoutes(protected)
	capsuleHandlers.RegisterRoutes(protected)
	billingHandlers.RegisterRoutes(protected)

	admin := protected.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.RequireRole(auth.RoleAdmin))
	adminHandlers.RegisterRoutes(admin)

	var inner http.Handler = router
	if opts.MaxUploadBytes > 0 {
		inner = httputil.MaxBytesMiddleware(opts.MaxUploadBytes)(inner)
	}
	handler := httputil.Chain(
		httputil.RequestIDMiddleware(deps.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		middleware.ClientIP,
		httputil.CORSMiddleware(opts.CORSOrigins),
	)(inner)

	return &Server{
		router:  router,
		handler: otelhttp.NewHandler(handler, "dtc-api"),
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the route table for inspection
func (s *Server) Router() *mux.Router {
	return s.router
}
