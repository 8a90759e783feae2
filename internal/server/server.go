package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/bus"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/orchestrator"
)

// DossierSource reads finalized dossiers for the HTTP surface. Both the
// Postgres store and the in-memory store implement it.
type DossierSource interface {
	GetDossier(ctx context.Context, runID uuid.UUID) (model.Dossier, error)
}

// ServerConfig holds the dependencies and settings for the HTTP server.
type ServerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          bus.Bus
	Dossiers     DossierSource
	Logger       *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// APIKeyHash is the Argon2id hash of the API key. Empty disables auth.
	APIKeyHash string
	// DefaultPolicy fills in tenant policy fields the request omits.
	DefaultPolicy model.TenantPolicy
	// MaxRequestBodyBytes bounds the size of accepted request bodies.
	MaxRequestBodyBytes int64
	// EventStreamBuffer is the per-subscriber SSE channel depth.
	EventStreamBuffer int
	Version           string
}

// Server is the HTTP API server.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware wired.
func New(cfg ServerConfig) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	if cfg.EventStreamBuffer <= 0 {
		cfg.EventStreamBuffer = 256
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/abort", s.handleAbortRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/dossier", s.handleGetDossier)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", s.handleStreamEvents)

	var handler http.Handler = mux
	handler = authMiddleware(cfg.APIKeyHash, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the wired handler chain for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
