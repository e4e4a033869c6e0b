// Package server provides the HTTP server and routing for Finch.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/database"
	"github.com/anshultibby/finch-sub002/internal/events"
	"github.com/anshultibby/finch-sub002/internal/modules/execution"
	"github.com/anshultibby/finch-sub002/internal/modules/ledger"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// Config holds server dependencies
type Config struct {
	Port         int
	Log          zerolog.Logger
	StrategyRepo *strategy.Repository
	Orchestrator *execution.Orchestrator
	AuditRepo    *execution.Repository
	LedgerRepo   ledger.RepositoryInterface
	Events       *events.Manager
	Databases    []*database.DB
}

// Server is the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	strategies := NewStrategyHandlers(s.cfg.StrategyRepo, s.cfg.LedgerRepo, s.cfg.Events, s.log)
	executions := NewExecutionHandlers(s.cfg.Orchestrator, s.cfg.AuditRepo, s.log)
	system := NewSystemHandlers(s.cfg.Databases, s.log)
	stream := NewEventsStreamHandler(s.cfg.Events, s.log)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", system.Health)

		r.Route("/strategies", func(r chi.Router) {
			r.Get("/", strategies.List)
			r.Post("/", strategies.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", strategies.Get)
				r.Delete("/", strategies.Delete)
				r.Put("/config", strategies.UpdateConfig)
				r.Put("/flags", strategies.SetFlags)
				r.Get("/ledger", strategies.Ledger)

				r.Post("/trigger", executions.Trigger)
				r.Post("/stop", executions.Stop)
				r.Get("/executions", executions.History)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", executions.Recent)
			r.Get("/{id}", executions.Get)
		})

		r.Get("/events/ws", stream.ServeHTTP)
	})
}

// Start begins serving HTTP requests, blocking until shutdown
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// respondJSON writes a JSON response with the given status
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
