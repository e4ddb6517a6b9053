package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

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

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Route("/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(AuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))
		}

		// Stateless analysis
		r.Post("/assess", handler.Assess)
		r.Post("/assess/batch", handler.AssessBatch)
		r.Post("/aml", handler.AnalyzeAML)

		r.Route("/integrity", func(r chi.Router) {
			r.Post("/seal", handler.Seal)
			r.Post("/verify", handler.Verify)
			r.Post("/audit", handler.Audit)
		})

		// Full pipeline
		r.Post("/transactions", handler.Ingest)
		r.Get("/transactions/{id}", handler.GetTransaction)

		// Suspicious activity counters
		r.Post("/activity", handler.ReportActivity)
		r.Get("/activity", handler.Snapshot)
		r.Delete("/activity/{userId}", handler.ResetActivity)
		if deps.Stream != nil {
			r.Get("/alerts/stream", deps.Stream.ServeHTTP)
		}

		// Custom scoring rules
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
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
