package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/cases"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scan"
	"github.com/opensource-finance/kestrel/internal/window"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the API serves. Bus and Cache may be nil.
type Deps struct {
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Cases   *cases.Service
	Scans   *scan.Runner
	Windows *window.Service
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging and metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(ActorMiddleware(cfg.ElevatedActors))

		// Upstream data
		r.Post("/transactions", handler.IngestTransactions)
		r.Post("/actors", handler.SaveActor)

		// Scans
		r.Post("/scans", handler.RunScan)
		r.Get("/scans/{id}", handler.GetScan)

		// Cases
		r.Get("/cases", handler.ListCases)
		r.Post("/cases", handler.OpenCase)
		r.Route("/cases/{id}", func(r chi.Router) {
			r.Get("/", handler.GetCase)
			r.Get("/events", handler.AllowedEvents)
			r.Post("/events", handler.Transition)
			r.Post("/evidence", handler.AddEvidence)
			r.Post("/hypotheses", handler.AddHypothesis)
			r.Post("/hypotheses/{hid}/confirm", handler.ConfirmHypothesis)
			r.Post("/hypotheses/{hid}/reject", handler.RejectHypothesis)
			r.Post("/diagnose", handler.Diagnose)
			r.Post("/actions", handler.RecommendActions)
			r.Get("/audit", handler.AuditLog)
			r.Get("/replay", handler.Replay)
			r.Get("/report", handler.Report)
		})

		// Actions
		r.Post("/actions/{id}/approve", handler.ApproveAction)
		r.Post("/actions/{id}/reject", handler.RejectAction)
		r.Post("/actions/{id}/execute", handler.StartExecution)
		r.Post("/actions/{id}/complete", handler.CompleteExecution)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
