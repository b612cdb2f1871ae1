// Package monban is the public API for embedding the Monban action-gating server.
//
// Operators import this package to construct and extend the server
// without forking it:
//
//	app, err := monban.New(
//	    monban.WithVersion(version),
//	    monban.WithLogger(logger),
//	    monban.WithActuator(myPLCActuator{}),
//	    monban.WithDecisionHook(myPagerHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: monban (root) imports
// internal/*, but internal/* never imports monban (root). Public types
// (Decision, Checker) are standalone structs with no internal imports;
// conversion helpers (toPublicDecision) live here because this is the
// only file that sees both sides of the boundary.
package monban

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/monban/internal/actuate"
	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/auth"
	"github.com/ashita-ai/monban/internal/config"
	"github.com/ashita-ai/monban/internal/consensus"
	"github.com/ashita-ai/monban/internal/mcp"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/provenance"
	"github.com/ashita-ai/monban/internal/ratelimit"
	"github.com/ashita-ai/monban/internal/scan"
	"github.com/ashita-ai/monban/internal/server"
	"github.com/ashita-ai/monban/internal/simulate"
	"github.com/ashita-ai/monban/internal/storage"
	"github.com/ashita-ai/monban/internal/telemetry"
	"github.com/ashita-ai/monban/migrations"
)

// App is the Monban server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	orch         *pipeline.Orchestrator
	recorder     *audit.Recorder
	broker       *server.Broker // nil when no notify connection
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Monban server. It connects to the database, runs
// migrations, wires the gating pipeline, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("monban starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Policy engine, loading persisted invariants, list rules, and quorum.
	engine, err := policy.New(context.Background(), db, logger)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("policy: %w", err)
	}
	if n, err := engine.SeedDefaults(context.Background()); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("policy: %w", err)
	} else if n > 0 {
		logger.Info("policy: default invariants installed", "count", n)
	}

	// World model for simulation, optionally seeded from a SQLite snapshot.
	sim := simulate.New(logger)
	if cfg.WorldStatePath != "" {
		if err := sim.LoadSQLite(cfg.WorldStatePath); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("world state: %w", err)
		}
	} else {
		logger.Warn("simulate: no world state snapshot configured, simulator starts cold")
	}

	// Content scanner for provenance classification.
	var scanner provenance.ContentScanner = scan.New()
	if o.scanner != nil {
		scanner = scannerAdapter{s: o.scanner}
		logger.Info("scan: external content scanner installed")
	}

	// Consensus checkers. Options override env config.
	checkers := toModelCheckers(o.checkers)
	if len(checkers) == 0 {
		checkers, err = parseCheckers(cfg.Checkers)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("checkers: %w", err)
		}
	}
	voters := consensus.New(checkers, cfg.AgentVoteTimeout, sim, logger)
	logger.Info("consensus: checkers configured", "count", len(checkers))

	// Approval verifier. The built-in Ed25519 registry is seeded with
	// registered approver keys; a custom verifier owns its own keys.
	var verifier approval.Verifier
	var edVerifier *approval.Ed25519Verifier
	if o.verifier != nil {
		verifier = verifierAdapter{v: o.verifier}
		logger.Info("approval: external signature verifier installed")
	} else {
		edVerifier = approval.NewEd25519Verifier()
		approvers, err := db.ListAgents(context.Background(), model.RoleApprover)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("load approvers: %w", err)
		}
		registered := 0
		for _, a := range approvers {
			if len(a.PublicKey) == ed25519.PublicKeySize {
				edVerifier.Register(a.AgentID, ed25519.PublicKey(a.PublicKey))
				registered++
			}
		}
		if registered == 0 {
			logger.Warn("approval: no approver keys registered, mutating actions will time out unattested")
		} else {
			logger.Info("approval: approver keys registered", "count", registered)
		}
		verifier = edVerifier
	}
	gate := approval.NewGate(verifier, cfg.ApprovalTimeout, logger)

	// Actuator. Without an override the App runs dry: approved actions
	// are logged, never applied.
	var act actuate.Actuator
	if o.actuator != nil {
		act = actuatorAdapter{a: o.actuator}
	} else {
		logger.Warn("actuate: no actuator configured, running in dry-run mode")
		act = dryRunActuator{logger: logger}
	}
	executor := actuate.New(act, db, cfg.ActuatorAttempts, logger)

	// Write-ahead audit recorder, chained onto the persisted head.
	var auditStore audit.Store = db
	if o.auditStore != nil {
		auditStore = auditStoreAdapter{s: o.auditStore}
		logger.Info("audit: external audit store installed")
	}
	recorder, err := audit.NewRecorder(context.Background(), auditStore, logger)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("audit: %w", err)
	}

	// Pipeline hooks: pg_notify fan-out plus registered public hooks.
	var hooks []pipeline.Hook
	if db.NotifyConn() != nil {
		hooks = append(hooks, server.NotifyHook(db, logger))
	}
	for _, h := range o.hooks {
		hooks = append(hooks, hookFunc(h, logger))
	}

	// Orchestrator.
	orch := pipeline.New(
		pipeline.Config{
			Workers:      cfg.PipelineWorkers,
			QueueDepth:   cfg.PipelineQueueDepth,
			PhaseTimeout: cfg.PhaseTimeout,
		},
		provenance.New(scanner, logger),
		engine,
		sim,
		voters,
		gate,
		executor,
		recorder,
		db,
		logger,
		hooks...,
	)

	// SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// MCP server.
	mcpSrv := mcp.New(orch, db, engine, logger)

	// Rate limiters, one bucket set per traffic class.
	var submitRL, queryRL, authRL ratelimit.Limiter
	if cfg.RateLimitEnabled {
		submitRL = ratelimit.NewMemoryLimiter(cfg.SubmitRPS, cfg.SubmitBurst)
		queryRL = ratelimit.NewMemoryLimiter(cfg.QueryRPS, cfg.QueryBurst)
		authRL = ratelimit.NewMemoryLimiter(cfg.AuthRPS, cfg.AuthBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"submit_rps", cfg.SubmitRPS, "query_rps", cfg.QueryRPS, "auth_rps", cfg.AuthRPS)
	} else {
		logger.Info("rate limiting: disabled")
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		Decisions:           db,
		Orchestrator:        orch,
		Policies:            engine,
		Gate:                gate,
		Recorder:            recorder,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		DB:                  db,
		Verifier:            edVerifier,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		SubmitLimiter:       submitRL,
		QueryLimiter:        queryRL,
		AuthLimiter:         authRL,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Seed admin agent.
	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		recorder.Close()
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		orch:         orch,
		recorder:     recorder,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the pipeline workers, background loops, and the HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown is called automatically — callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.orch.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	if a.cfg.CheckpointInterval > 0 {
		go a.recorder.RunCheckpoints(ctx, a.cfg.CheckpointInterval)
	}

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain the pipeline worker pool (in-flight decisions finalize,
// queued ones are rejected as CANCELLED),
// (3) write a final audit checkpoint and close the recorder.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("monban shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: pipeline drain.
	a.orch.Shutdown()

	// Phase 3: seal the audit log.
	if a.cfg.CheckpointInterval > 0 {
		cpCtx, cpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.recorder.Checkpoint(cpCtx); err != nil {
			a.logger.Warn("final audit checkpoint failed", "error", err)
		}
		cpCancel()
	}
	a.recorder.Close()

	// Cleanup.
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("monban stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// actuatorAdapter wraps a public monban.Actuator to satisfy actuate.Actuator.
type actuatorAdapter struct {
	a Actuator
}

func (ad actuatorAdapter) Invoke(ctx context.Context, target string, params map[string]any, idempotencyKey string) (bool, string, error) {
	return ad.a.Invoke(ctx, target, params, idempotencyKey)
}

// scannerAdapter wraps a public ContentScanner to satisfy provenance.ContentScanner.
type scannerAdapter struct {
	s ContentScanner
}

func (sa scannerAdapter) Scan(text string) (scan.Match, bool) {
	m, ok := sa.s.Scan(text)
	return scan.Match{
		PatternID: m.PatternID,
		Pattern:   m.Pattern,
		Severity:  scan.Severity(m.Severity),
	}, ok
}

func (sa scannerAdapter) Redact(text string) string {
	return sa.s.Redact(text)
}

// verifierAdapter wraps a public SignatureVerifier to satisfy approval.Verifier.
type verifierAdapter struct {
	v SignatureVerifier
}

func (va verifierAdapter) Verify(messageHash, signature []byte, signerID string) bool {
	return va.v.Verify(messageHash, signature, signerID)
}

// auditStoreAdapter wraps a public AuditStore to satisfy audit.Store.
type auditStoreAdapter struct {
	s AuditStore
}

func (aa auditStoreAdapter) Head(ctx context.Context) (uint64, string, error) {
	return aa.s.Head(ctx)
}

func (aa auditStoreAdapter) AppendRecord(ctx context.Context, rec model.AuditRecord) error {
	return aa.s.AppendRecord(ctx, AuditRecord{
		Seq:         rec.Seq,
		DecisionID:  rec.DecisionID,
		Phase:       string(rec.Phase),
		Payload:     rec.Payload,
		PayloadHash: rec.PayloadHash,
		PrevHash:    rec.PrevHash,
		Hash:        rec.Hash,
		RecordedAt:  rec.RecordedAt,
	})
}

func (aa auditStoreAdapter) HashesInRange(ctx context.Context, from, to uint64) ([]string, error) {
	return aa.s.HashesInRange(ctx, from, to)
}

func (aa auditStoreAdapter) LastCheckpointSeq(ctx context.Context) (uint64, error) {
	return aa.s.LastCheckpointSeq(ctx)
}

func (aa auditStoreAdapter) InsertCheckpoint(ctx context.Context, cp model.AuditCheckpoint) error {
	return aa.s.InsertCheckpoint(ctx, AuditCheckpoint{
		ID:         cp.ID,
		FromSeq:    cp.FromSeq,
		ToSeq:      cp.ToSeq,
		MerkleRoot: cp.MerkleRoot,
		CreatedAt:  cp.CreatedAt,
	})
}

// dryRunActuator logs approved actions instead of applying them. Default
// when no WithActuator option is given.
type dryRunActuator struct {
	logger *slog.Logger
}

func (d dryRunActuator) Invoke(ctx context.Context, target string, params map[string]any, idempotencyKey string) (bool, string, error) {
	d.logger.Info("actuate: dry-run invocation",
		"target", target, "params", params, "idempotency_key", idempotencyKey)
	return true, "dry-run: logged, not applied", nil
}

// hookFunc adapts a public DecisionHook into a pipeline.Hook. Pipeline
// hooks must not block, so the public hook runs in a goroutine with a
// bounded context.
func hookFunc(h DecisionHook, logger *slog.Logger) pipeline.Hook {
	return func(d model.Decision) {
		pub := toPublicDecision(d)
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.OnDecision(hookCtx, pub); err != nil {
				logger.Warn("decision hook failed", "error", err, "decision_id", pub.ID)
			}
		}()
	}
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicDecision converts an internal model.Decision to the public
// monban.Decision. Lives here because this is the only file that imports
// both sides of the boundary.
func toPublicDecision(d model.Decision) Decision {
	pub := Decision{
		ID:          d.ID,
		AgentID:     d.Request.AgentID,
		ActionKind:  string(d.Request.ActionKind),
		Target:      d.Request.Target,
		Parameters:  d.Request.Parameters,
		TrustLevel:  d.TrustLevel.String(),
		Phase:       string(d.Phase),
		FinalStatus: string(d.FinalStatus),
		ReasonCode:  string(d.ReasonCode),
		Reason:      d.Reason,
		AuditHash:   d.AuditHash,
		CreatedAt:   d.CreatedAt,
		FinalizedAt: d.FinalizedAt,
	}
	if d.Consensus != nil {
		ratio := d.Consensus.ApproveRatio
		met := d.Consensus.QuorumMet
		pub.ApproveRatio = &ratio
		pub.QuorumMet = &met
	}
	if d.Execution != nil {
		ok := d.Execution.Success
		pub.Executed = &ok
	}
	return pub
}

func toModelCheckers(checkers []Checker) []model.CheckerAgent {
	out := make([]model.CheckerAgent, 0, len(checkers))
	for _, c := range checkers {
		out = append(out, model.CheckerAgent{
			ID:               c.ID,
			Weight:           c.Weight,
			InvariantDomains: c.InvariantDomains,
		})
	}
	return out
}

// parseCheckers parses the MONBAN_CHECKERS format: comma-separated
// id:weight[:domain+domain] entries, e.g.
// "safety-checker:1.0:safety,latency-checker:0.5".
func parseCheckers(s string) ([]model.CheckerAgent, error) {
	var out []model.CheckerAgent
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("entry %q: want id:weight[:domains]", entry)
		}
		weight, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || weight <= 0 {
			return nil, fmt.Errorf("entry %q: weight must be a positive number", entry)
		}
		agent := model.CheckerAgent{ID: parts[0], Weight: weight}
		if len(parts) == 3 && parts[2] != "" {
			agent.InvariantDomains = strings.Split(parts[2], "+")
		}
		out = append(out, agent)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no checkers configured")
	}
	return out, nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
