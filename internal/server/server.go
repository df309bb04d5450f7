// Package server implements the HTTP surface of the arbiter: the
// Chainlink external adapter endpoint plus health, readiness, and the
// OpenAPI document. Every /evaluate outcome, success or failure, is
// shaped into the adapter envelope so the bridge never sees a bare
// error body.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/ratelimit"
	"github.com/verdikta/arbiter/internal/service/evaluate"
)

// Evaluator runs one arbitration request end to end. Satisfied by the
// evaluate service.
type Evaluator interface {
	Evaluate(ctx context.Context, req model.EvaluateRequest) (*evaluate.Outcome, error)
}

// StoreHealth reports the content-store gateway circuit states for the
// readiness probe. Satisfied by the ipfs client.
type StoreHealth interface {
	Healthy() bool
	GatewayStates() map[string]string
}

// ProviderDirectory lists the configured model backends. Satisfied by
// the provider registry.
type ProviderDirectory interface {
	Names() []string
}

// Server is the arbiter HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec,
// ExtraRoutes, Middleware.
type Config struct {
	// Required dependencies.
	Evaluator Evaluator
	Store     StoreHealth
	Providers ProviderDirectory
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte

	// Caller extension points, applied in registration order.
	ExtraRoutes map[string]http.Handler
	Middleware  []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Evaluator:           cfg.Evaluator,
		Store:               cfg.Store,
		Providers:           cfg.Providers,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Rate limiting keys on client IP; the bridge is the only expected
	// caller, so the limiter mostly guards against a misconfigured node
	// hammering the jury.
	evalRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc)

	mux := http.NewServeMux()

	mux.Handle("POST /evaluate", evalRL(http.HandlerFunc(h.HandleEvaluate)))

	// Probes and the OpenAPI document (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	for pattern, handler := range cfg.ExtraRoutes {
		mux.Handle(pattern, handler)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Caller-supplied middleware wraps the whole chain.
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
