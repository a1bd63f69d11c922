// Package server is the Job Manager's HTTP status surface: health, queue and
// group usage, job and agent listings, and the MCP operator endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/vlhc/tunelab/internal/jobmanager"
	"github.com/vlhc/tunelab/internal/model"
	"github.com/vlhc/tunelab/internal/ratelimit"
)

// Monitor is the read-only view of the Job Manager the server reports on.
type Monitor interface {
	Ready() <-chan struct{}
	Overview() jobmanager.Overview
	Job(ctx context.Context, id int64) (*model.Job, error)
	Agents() []*model.Agent
}

// Server is the status HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds the dependencies and settings of a Server. MCPServer and
// Limiter may be nil.
type Config struct {
	Monitor   Monitor
	Logger    *slog.Logger
	MCPServer *mcpserver.MCPServer
	Limiter   ratelimit.Limiter

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a Server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{mon: cfg.Monitor, logger: cfg.Logger, version: cfg.Version}
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc("status:"), cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /v1/status", limited(http.HandlerFunc(h.status)))
	mux.Handle("GET /v1/jobs/{id}", limited(http.HandlerFunc(h.job)))
	mux.Handle("GET /v1/agents", limited(http.HandlerFunc(h.agents)))
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Outermost first: request ID, security headers, tracing, logging, recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = newTracing().middleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	return s.httpServer.Shutdown(ctx)
}
