package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/fleet/internal/ratelimit"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/storage"
)

// Server is the fleet HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Pinger, Limiter, Broker, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store      storage.Store
	Robots     *fleet.Registry
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Pinger    Pinger
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Robots:              cfg.Robots,
		Dispatcher:          cfg.Dispatcher,
		Broker:              cfg.Broker,
		Pinger:              cfg.Pinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	submitRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Dispatch (rate limited by client IP).
	mux.Handle("POST /v1/submit", submitRL(http.HandlerFunc(h.HandleSubmit)))

	// Robots.
	mux.HandleFunc("GET /v1/robots", h.HandleListRobots)
	mux.HandleFunc("GET /v1/robots/{name}", h.HandleGetRobot)
	mux.HandleFunc("POST /v1/robots/{name}/cancel", h.HandleCancelJob)
	mux.HandleFunc("POST /v1/robots/{name}/clear-queue", h.HandleClearQueue)
	mux.HandleFunc("POST /v1/robots/{name}/activate", h.HandleActivate)
	mux.HandleFunc("POST /v1/robots/{name}/deactivate", h.HandleDeactivate)

	// Requests.
	mux.HandleFunc("GET /v1/requests", h.HandleListRequests)
	mux.HandleFunc("GET /v1/requests/{id}", h.HandleGetRequest)

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(newHTTPMetrics(), handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve serves HTTP requests on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
