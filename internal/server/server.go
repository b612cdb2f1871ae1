package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/auth"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/ratelimit"
	"github.com/ashita-ai/monban/internal/storage"
)

// Server is the Monban HTTP server.
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

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): DB, Verifier, Broker, MCPServer,
// and the rate limiters.
type ServerConfig struct {
	// Required dependencies.
	Decisions    pipeline.DecisionStore
	Orchestrator *pipeline.Orchestrator
	Policies     *policy.Engine
	Gate         *approval.Gate
	Recorder     *audit.Recorder
	JWTMgr       *auth.JWTManager
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	DB            *storage.DB
	Verifier      *approval.Ed25519Verifier
	Broker        *Broker
	MCPServer     *mcpserver.MCPServer
	SubmitLimiter ratelimit.Limiter // action submission, keyed by agent
	QueryLimiter  ratelimit.Limiter // read paths, keyed by agent
	AuthLimiter   ratelimit.Limiter // token endpoint, keyed by IP

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Decisions:           cfg.Decisions,
		Orchestrator:        cfg.Orchestrator,
		Policies:            cfg.Policies,
		Gate:                cfg.Gate,
		Verifier:            cfg.Verifier,
		Recorder:            cfg.Recorder,
		JWTMgr:              cfg.JWTMgr,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	submitRL := ratelimit.Middleware(cfg.SubmitLimiter, agentKeyFunc, reqIDFunc)
	queryRL := ratelimit.Middleware(cfg.QueryLimiter, agentKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Action submission and cancellation (agent+, submission rate limit).
	agentUp := requireRole(model.RoleAgent)
	mux.Handle("POST /v1/actions", submitRL(agentUp(http.HandlerFunc(h.HandleSubmitAction))))
	mux.Handle("POST /v1/decisions/{decision_id}/cancel", submitRL(agentUp(http.HandlerFunc(h.HandleCancelDecision))))

	// Decision reads (reader+, query rate limit). The recent route is
	// registered before the wildcard so the mux matches it literally.
	readerUp := requireRole(model.RoleReader)
	mux.Handle("GET /v1/decisions/recent", queryRL(readerUp(http.HandlerFunc(h.HandleListDecisions))))
	mux.Handle("GET /v1/decisions/{decision_id}", queryRL(readerUp(http.HandlerFunc(h.HandleGetDecision))))

	// Attestations (approver+, submission rate limit).
	approverUp := requireRole(model.RoleApprover)
	mux.Handle("POST /v1/decisions/{decision_id}/attestations", submitRL(approverUp(http.HandlerFunc(h.HandleSubmitAttestation))))

	// Audit trail read path (reader+, query rate limit).
	mux.Handle("GET /v1/audit", queryRL(readerUp(http.HandlerFunc(h.HandleListAuditRecords))))
	mux.Handle("GET /v1/audit/root", queryRL(readerUp(http.HandlerFunc(h.HandleAuditRoot))))
	mux.Handle("GET /v1/audit/checkpoints", queryRL(readerUp(http.HandlerFunc(h.HandleListCheckpoints))))

	// Policy configuration (admin only except the read, no rate limit).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("GET /v1/policy", queryRL(readerUp(http.HandlerFunc(h.HandleGetPolicy))))
	mux.Handle("POST /v1/policy/invariants", adminOnly(http.HandlerFunc(h.HandleAddInvariant)))
	mux.Handle("DELETE /v1/policy/invariants/{invariant_id}", adminOnly(http.HandlerFunc(h.HandleRemoveInvariant)))
	mux.Handle("POST /v1/policy/allowlist", adminOnly(http.HandlerFunc(h.HandleAddAllowlist)))
	mux.Handle("POST /v1/policy/denylist", adminOnly(http.HandlerFunc(h.HandleAddDenylist)))
	mux.Handle("PUT /v1/policy/quorum", adminOnly(http.HandlerFunc(h.HandleSetQuorum)))

	// Agent management (admin only).
	mux.Handle("POST /v1/agents", adminOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("GET /v1/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("DELETE /v1/agents/{agent_id}", adminOnly(http.HandlerFunc(h.HandleDeleteAgent)))

	// Subscription endpoint (reader+, no rate limit — long-lived connection).
	mux.Handle("GET /v1/subscribe", readerUp(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (auth required, agent+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", agentUp(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

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

// agentKeyFunc extracts the agent ID from the request context for rate
// limiting. Returns empty string for admins (exempt from rate limits).
func agentKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return ""
	}
	return claims.AgentID
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
