// Package web exposes the service over HTTP: OAuth login, object metadata,
// queries, CSV preview, the insert wizard and bulk job tracking.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/forcebench/forcebench/internal/config"
	"github.com/forcebench/forcebench/internal/job"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/metrics"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/storage"
	"github.com/forcebench/forcebench/internal/vault"
	"github.com/forcebench/forcebench/internal/web/middleware"
	"github.com/forcebench/forcebench/internal/wizard"
)

// HistoryStore persists and lists executed queries.
type HistoryStore interface {
	Record(ctx context.Context, h storage.QueryHistory) (string, error)
	List(ctx context.Context, subjectID string, limit int) ([]storage.QueryHistory, error)
}

// AuditLister reads the operation audit trail.
type AuditLister interface {
	List(ctx context.Context, subjectID string, limit int) ([]storage.DataOperation, error)
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries the collaborators a Server drives. History, Audits, DB,
// Metrics and ResetData are optional; their endpoints degrade gracefully.
type Deps struct {
	Client    *salesforce.Client
	Vault     *vault.Vault
	Jobs      *job.Orchestrator
	Wizard    *wizard.Manager
	History   HistoryStore
	Audits    AuditLister
	DB        Pinger
	Metrics   *metrics.Recorder
	ResetData func(ctx context.Context) error
}

// Server is the HTTP front of the service.
type Server struct {
	cfg      *config.Config
	client   *salesforce.Client
	vault    *vault.Vault
	jobs     *job.Orchestrator
	wizard   *wizard.Manager
	history  HistoryStore
	audits   AuditLister
	db       Pinger
	metrics  *metrics.Recorder
	reset    func(ctx context.Context) error
	sessions *middleware.Sessions
	logins   *loginStates

	router *chi.Mux
	server *http.Server
}

// NewServer wires the router, middleware stack and all routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		client:   deps.Client,
		vault:    deps.Vault,
		jobs:     deps.Jobs,
		wizard:   deps.Wizard,
		history:  deps.History,
		audits:   deps.Audits,
		db:       deps.DB,
		metrics:  deps.Metrics,
		reset:    deps.ResetData,
		sessions: middleware.NewSessions(cfg.Web.SessionSecret, cfg.Web.SessionTTL),
		logins:   newLoginStates(loginStateTTL),
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Web.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5))
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders)

	if s.cfg.Rate.Enabled {
		limiter := middleware.NewRateLimiter(s.cfg.Rate.RequestsPerSecond, s.cfg.Rate.Burst)
		s.router.Use(limiter.Handler)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Get("/callback", s.handleCallback)
		r.Group(func(r chi.Router) {
			r.Use(s.sessions.Require)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
		})
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.sessions.Require)

		r.Get("/objects", s.handleListObjects)
		r.Get("/objects/{name}/fields", s.handleObjectFields)
		r.Get("/objects/{name}/template", s.handleObjectTemplate)
		r.Get("/metadata/{type}", s.handleListMetadata)

		r.Post("/query", s.handleQuery)
		r.Get("/query/more", s.handleQueryMore)
		r.Get("/query/history", s.handleQueryHistory)
		r.Post("/search", s.handleSearch)
		r.Post("/apex/execute", s.handleExecuteApex)
		r.Get("/limits", s.handleLimits)
		r.Get("/operations", s.handleOperations)

		r.Post("/csv/preview", s.handleCSVPreview)

		r.Post("/wizard", s.handleWizardCreate)
		r.Get("/wizard/{id}", s.handleWizardGet)
		r.Post("/wizard/{id}/event", s.handleWizardEvent)
		r.Post("/wizard/{id}/file", s.handleWizardFile)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/abort", s.handleJobAbort)
		r.Get("/jobs/{id}/errors", s.handleJobErrors)

		if s.cfg.Web.AdminEnabled {
			r.Post("/admin/reset", s.handleAdminReset)
		}
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).Error("health check db ping", "error", err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			respondJSON(w, r, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	respondJSON(w, r, http.StatusOK, status)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
