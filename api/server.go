/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the front desk app
  6. Tracing:    OpenTelemetry server span per request
  7. Auth:       Bearer token -> actor in context (identity.Middleware)
  8. Rate limit: Token bucket on writes only

ROUTE GROUPS:
  /api/settlements/*   Settlement, acknowledgment, notes
  /api/memberships/*   Purchase, derived balance, entries
  /api/members/*       Member balance and balance stream
  /api/admin/*         Reconciliation (admin role)
  /metrics             Prometheus
  /healthz             Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/warp/membership-ledger/identity"
	"github.com/warp/membership-ledger/logger"
	"github.com/warp/membership-ledger/observability"
)

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	Auth        *identity.Manager // nil disables token verification
	CORSOrigins []string
	RateLimit   float64 // write requests per second; 0 disables
	RateBurst   int
	Metrics     http.Handler // served at /metrics when set
	Logger      *logger.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.With("component", "http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	staff := identity.RequireRole(identity.RoleStaff, identity.RoleAdmin)
	anyone := identity.RequireRole(identity.RoleMember, identity.RoleStaff, identity.RoleAdmin)
	admin := identity.RequireRole(identity.RoleAdmin)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(observability.HTTPMiddleware("membership-ledger/api"))
		if cfg.Auth != nil {
			r.Use(identity.Middleware(cfg.Auth))
		}
		r.Use(limitWrites(cfg.RateLimit, cfg.RateBurst))

		// Settlement routes
		r.Route("/settlements", func(r chi.Router) {
			r.With(staff).Post("/", h.Settle)
			r.With(anyone).Get("/{id}", h.GetEntry)
			r.With(anyone).Post("/{id}/acknowledgment", h.Acknowledge)
			r.With(staff).Patch("/{id}/notes", h.AmendNotes)
		})

		// Membership routes
		r.Route("/memberships", func(r chi.Router) {
			r.With(staff).Post("/", h.CreateMembership)
			r.With(anyone).Get("/{id}/balance", h.GetMembershipBalance)
			r.With(anyone).Get("/{id}/entries", h.GetMembershipEntries)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Use(anyone)
			r.Get("/{id}/balance", h.GetMemberBalance)
			r.Get("/{id}/balance/stream", h.StreamMemberBalance)
		})

		// Admin routes
		r.Route("/admin/reconciliation", func(r chi.Router) {
			r.Use(admin)
			r.Get("/", h.GetReconciliationStatus)
			r.Post("/run", h.RunReconciliation)
			r.Get("/flags", h.ListFlags)
			r.Post("/flags/{id}/resolve", h.ResolveFlag)
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// limitWrites applies one shared token bucket to non-GET requests.
func limitWrites(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
