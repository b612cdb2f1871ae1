package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/auth"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	decisions           pipeline.DecisionStore
	orch                *pipeline.Orchestrator
	policies            *policy.Engine
	gate                *approval.Gate
	verifier            *approval.Ed25519Verifier
	recorder            *audit.Recorder
	jwtMgr              *auth.JWTManager
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, Verifier, Broker. When DB is nil the
// Postgres-backed endpoints (agents, audit listing, decision listing)
// return 503.
type HandlersDeps struct {
	DB                  *storage.DB
	Decisions           pipeline.DecisionStore
	Orchestrator        *pipeline.Orchestrator
	Policies            *policy.Engine
	Gate                *approval.Gate
	Verifier            *approval.Ed25519Verifier
	Recorder            *audit.Recorder
	JWTMgr              *auth.JWTManager
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		decisions:           d.Decisions,
		orch:                d.Orchestrator,
		policies:            d.Policies,
		gate:                d.Gate,
		verifier:            d.Verifier,
		recorder:            d.Recorder,
		jwtMgr:              d.JWTMgr,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeInternalError logs the underlying error and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// requireDB returns false and writes a 503 when Postgres is not configured.
func (h *Handlers) requireDB(w http.ResponseWriter, r *http.Request) bool {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "persistent storage not configured")
		return false
	}
	return true
}

// HandleAuthToken handles POST /auth/token. Exchanges an agent_id and
// API key for a JWT. Failed lookups still run a dummy Argon2 verify so
// unknown agent ids cost the same as bad keys.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentID(req.AgentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agent, err := h.db.GetAgentByAgentID(r.Context(), req.AgentID)
	if err != nil || agent.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *agent.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued", "agent_id", agent.AgentID, "role", agent.Role,
		"request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "not_configured"
	if h.db != nil {
		pgStatus = "connected"
		if err := h.db.Ping(r.Context()); err != nil {
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	pipelineStatus := "ok"
	inFlight := 0
	if h.orch != nil {
		inFlight = h.orch.InFlight()
		if h.orch.Saturated() {
			pipelineStatus = "saturated"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Pipeline: pipelineStatus,
		InFlight: inFlight,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin creates the initial admin agent if the agents table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if h.db == nil {
		return nil
	}

	agents, err := h.db.ListAgents(ctx, "")
	if err != nil {
		return fmt.Errorf("seed admin: list agents: %w", err)
	}
	if len(agents) > 0 {
		h.logger.Info("agents table not empty, skipping admin seed")
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: MONBAN_ADMIN_API_KEY is empty and no agents exist; set it to bootstrap initial admin access")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if _, err := h.db.CreateAgent(ctx, model.Agent{
		AgentID:    "admin",
		Name:       "System Admin",
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create agent: %w", err)
	}

	h.logger.Info("seeded initial admin agent")
	return nil
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents absurdly large offsets that cause expensive scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params,
// clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}
