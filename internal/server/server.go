package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/ctxutil"
	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/policy"
	"github.com/ashita-ai/kansa/internal/ratelimit"
)

// Server is the governance gateway HTTP server.
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

// RoleMiddlewareFn builds RBAC middleware for routes registered outside
// this package.
type RoleMiddlewareFn func(roles ...model.Role) func(http.Handler) http.Handler

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Idempotency, Store, Limiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Manager  *governance.Manager
	Ledger   *ledger.Ledger
	Policy   *policy.Evaluator
	Registry *auth.Registry
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker      *Broker
	Idempotency IdempotencyStore
	Store       Pinger
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	PolicyFile          string
	MaxRequestBodyBytes int64
	TrustProxy          bool
	OpenAPISpec         []byte // Served at /openapi.yaml when set.

	// ExtraRoutes are called once after the built-in routes are registered.
	// They share the mux, the auth chain and tracing.
	ExtraRoutes []func(mux *http.ServeMux, roleFn RoleMiddlewareFn)
	// Middlewares wrap the root handler, first-registered outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Manager:             cfg.Manager,
		Ledger:              cfg.Ledger,
		Policy:              cfg.Policy,
		PolicyFile:          cfg.PolicyFile,
		Registry:            cfg.Registry,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Idempotency:         cfg.Idempotency,
		Store:               cfg.Store,
		StoreName:           cfg.StoreName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		TrustProxy:          cfg.TrustProxy,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limits. Proposals and actions share one per-principal bucket;
	// token issuance is limited per client address.
	apiRL := ratelimit.Middleware(cfg.Limiter, "api", principalKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ipKeyFunc(cfg.TrustProxy), reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agent routes.
	agentRole := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/decisions", apiRL(agentRole(http.HandlerFunc(h.HandlePropose))))
	mux.Handle("POST /v1/windows/{window_id}/execution", apiRL(agentRole(http.HandlerFunc(h.HandleExecution))))

	// Operator routes.
	operatorRole := requireRole(model.RoleOperator)
	mux.Handle("POST /v1/windows/{window_id}/actions", apiRL(operatorRole(http.HandlerFunc(h.HandleAction))))
	mux.Handle("POST /v1/windows/{window_id}/ack", apiRL(operatorRole(http.HandlerFunc(h.HandleAcknowledge))))

	// Read routes (every role).
	readRole := requireRole(model.RoleReader, model.RoleOperator, model.RoleAgent)
	mux.Handle("GET /v1/windows/{window_id}", apiRL(readRole(http.HandlerFunc(h.HandleStatus))))
	mux.Handle("GET /v1/windows/{window_id}/audit", apiRL(readRole(http.HandlerFunc(h.HandleAudit))))
	mux.Handle("GET /v1/windows/{window_id}/verify", apiRL(readRole(http.HandlerFunc(h.HandleVerify))))

	// Subscription endpoint (no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	// Admin routes (admin is exempt from rate limits).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/admin/policy/reload", adminOnly(http.HandlerFunc(h.HandlePolicyReload)))
	mux.Handle("POST /v1/admin/anonymize", adminOnly(http.HandlerFunc(h.HandleAnonymize)))
	mux.Handle("POST /v1/admin/checkpoint", adminOnly(http.HandlerFunc(h.HandleCheckpoint)))

	// MCP StreamableHTTP transport (auth required, agent or reader).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				return ctxutil.WithNetworkContext(ctx, networkContext(r, cfg.TrustProxy))
			}),
		)
		mux.Handle("/mcp", apiRL(readRole(mcpHTTP)))
	}

	// Health and the API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
