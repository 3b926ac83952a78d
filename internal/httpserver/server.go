// Package httpserver hosts the operator ops API: health/ready/metrics and
// the /ops/v1 surface for replaying dead-lettered webhook and payment
// trigger jobs, and reading/patching sanitized tenant settings. The
// tenant-facing API is out of scope per spec §1 — this is an internal
// operator console only.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/settld/backend/internal/adminauth"
	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/telemetry"
)

// Server wires the chi router and every ops-API handler group.
type Server struct {
	Router    *chi.Mux
	OpsRouter chi.Router
	Logger    *slog.Logger
	startedAt time.Time
}

// NewServer builds the router, global middleware, and health endpoints.
// Domain handler groups (ReplayHandlers, SettingsHandlers) are mounted on
// OpsRouter after construction.
func NewServer(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, metricsReg *prometheus.Registry, sessionMgr *adminauth.SessionManager, oidcAuth *adminauth.OIDCAuthenticator) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(RequestLogger(logger))
	s.Router.Use(Metrics(metrics))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}).ServeHTTP)

	s.Router.Route("/ops/v1", func(r chi.Router) {
		r.Use(adminauth.Middleware(sessionMgr, oidcAuth, logger))
		r.Use(adminauth.RequireAuth)
		s.OpsRouter = r
	})

	return s
}

// ReadyChecker reports whether a dependency is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// MountReadyz installs /readyz with the given dependency checks. They run in
// map iteration order, which is not defined; the first failing check found
// names itself in the response.
func (s *Server) MountReadyz(checks map[string]ReadyChecker) {
	s.Router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				s.Logger.Error("readiness check failed", "dependency", name, "error", err)
				RespondError(w, http.StatusServiceUnavailable, "unavailable", name+" not ready")
				return
			}
		}
		Respond(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

// MountAuth installs the operator login endpoints on the unauthenticated
// prefix of /ops/v1 (auth discovery, local login, OIDC redirect/callback).
func (s *Server) MountAuth(login *adminauth.LoginHandler) {
	s.Router.Route("/ops/v1/auth", func(r chi.Router) {
		r.Get("/config", login.HandleAuthConfig)
		r.Post("/login", login.HandleLogin)
		r.Get("/oidc/login", login.HandleOIDCLogin)
		r.Get("/oidc/callback", login.HandleOIDCCallback)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
