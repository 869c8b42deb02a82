package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/artemgetmann/mindmirror/internal/gateway"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// Server is the MindMirror public HTTP server: the streaming gateway
// mounts, the token issuance surface, and health.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	DB      *storage.DB
	Gateway *gateway.Gateway
	Logger  *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	Version      string
	MemoryQuota  int
	PublicURL    string
	CORSAllowedOrigins []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.DB, cfg.Logger, cfg.Version, cfg.MemoryQuota, cfg.PublicURL)

	mux := http.NewServeMux()

	// Streaming session endpoint; GET and POST are both accepted at open.
	mux.Handle("GET /sse", http.HandlerFunc(cfg.Gateway.HandleSSE))
	mux.Handle("POST /sse", http.HandlerFunc(cfg.Gateway.HandleSSE))

	// Companion tool-call frames, authenticated by session binding.
	mux.Handle("/messages/", http.HandlerFunc(cfg.Gateway.HandleMessages))

	// Token issuance surface.
	mux.Handle("POST /api/generate-token", http.HandlerFunc(h.HandleGenerateToken))
	mux.Handle("POST /api/join-waitlist", http.HandlerFunc(h.HandleJoinWaitlist))

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// WriteTimeout stays unset: the SSE stream endpoint is
			// long-lived by contract and imposes no stream timeout.
			IdleTimeout: 2 * cfg.ReadTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
