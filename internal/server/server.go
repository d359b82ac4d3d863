// Package server exposes the HTTP surface: the authenticated scheduler tick,
// provider OAuth callbacks, the tenant connection API, and the super-admin
// fleet API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/admin"
	"github.com/cofferbank/coffer/internal/audit"
	"github.com/cofferbank/coffer/internal/config"
	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/jobs"
	"github.com/cofferbank/coffer/internal/scheduler"
	"github.com/cofferbank/coffer/internal/syncengine"
	"github.com/cofferbank/coffer/internal/tenancy"
)

// Config holds server configuration and dependencies.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Config  *config.Config
	DevMode bool

	Tenancy     *tenancy.Repository
	Connections *connections.Repository
	ConnectSvc  *connections.Service
	Engine      *syncengine.Engine
	Dispatcher  *scheduler.Dispatcher
	Admin       *admin.Service
	Jobs        *jobs.Repository
	Audit       *audit.Repository
	Databases   []*database.DB
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	tenancy    *tenancy.Repository
	conns      *connections.Repository
	connectSvc *connections.Service
	engine     *syncengine.Engine
	dispatcher *scheduler.Dispatcher
	admin      *admin.Service
	jobs       *jobs.Repository
	audit      *audit.Repository
	databases  []*database.DB
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		cfg:        cfg.Config,
		tenancy:    cfg.Tenancy,
		conns:      cfg.Connections,
		connectSvc: cfg.ConnectSvc,
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		admin:      cfg.Admin,
		jobs:       cfg.Jobs,
		audit:      cfg.Audit,
		databases:  cfg.Databases,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // tick requests may run for the full tick deadline
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Tenant-ID", "X-Super-Admin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/scheduler/tick/{bucket}", s.handleTick)

		r.Get("/callbacks/{provider}", s.handleCallback)
		r.Post("/callbacks/{provider}", s.handleCallback)

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/authorize", s.handleStartAuthorization)
			r.Post("/direct", s.handleCreateDirectConnection)
			r.Get("/{id}", s.handleGetConnection)
			r.Delete("/{id}", s.handleRevokeConnection)
			r.Post("/{id}/sync", s.handleManualSync)
			r.Put("/{id}/schedule", s.handleUpdateSchedule)
			r.Get("/{id}/jobs", s.handleConnectionJobs)
			r.Get("/{id}/events", s.handleConnectionEvents)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/connections", s.handleFleetConnections)
			r.Post("/connections/{id}/sync", s.handleAdminTriggerSync)
			r.Put("/connections/{id}/schedule", s.handleAdminUpdateSchedule)
			r.Put("/connections/schedules", s.handleAdminBulkSchedules)
			r.Get("/health", s.handleFleetHealth)
			r.Get("/jobs", s.handleAdminJobs)
			r.Post("/jobs/archive", s.handleAdminArchive)
			r.Get("/audit", s.handleAdminAudit)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
