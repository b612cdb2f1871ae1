package server_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/actuate"
	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/auth"
	"github.com/ashita-ai/monban/internal/consensus"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/provenance"
	"github.com/ashita-ai/monban/internal/scan"
	"github.com/ashita-ai/monban/internal/server"
	"github.com/ashita-ai/monban/internal/simulate"
)

type testServer struct {
	handler   http.Handler
	decisions *pipeline.MemoryDecisions
	approver  ed25519.PrivateKey

	adminToken    string
	agentToken    string
	readerToken   string
	approverToken string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer assembles the full HTTP stack over in-memory stores:
// no Postgres, no rate limiters, ephemeral JWT keys.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := discardLogger()

	engine, err := policy.New(ctx, nil, logger)
	require.NoError(t, err)
	require.NoError(t, engine.AddAllowlist(ctx, "valve-7"))

	sim := simulate.New(logger)
	sim.Seed("valve-7", map[string]any{"pressure": 10.0, "mode": "auto"})

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verifier := approval.NewEd25519Verifier()
	verifier.Register("operator@example", pub)
	gate := approval.NewGate(verifier, time.Minute, logger)

	recorder, err := audit.NewRecorder(ctx, audit.NewMemoryStore(), logger)
	require.NoError(t, err)

	decisions := pipeline.NewMemoryDecisions()
	orch := pipeline.New(
		pipeline.Config{Workers: 2, QueueDepth: 16, PhaseTimeout: 2 * time.Second},
		provenance.New(scan.New(), logger),
		engine,
		sim,
		consensus.New([]model.CheckerAgent{
			{ID: "checker-a", Weight: 1.0},
			{ID: "checker-b", Weight: 1.0},
		}, time.Second, sim, logger),
		gate,
		actuate.New(okActuator{}, actuate.NewMemoryClaims(), 3, logger),
		recorder,
		decisions,
		logger,
	)
	orch.Start(ctx)
	t.Cleanup(orch.Shutdown)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Decisions:    decisions,
		Orchestrator: orch,
		Policies:     engine,
		Gate:         gate,
		Recorder:     recorder,
		JWTMgr:       jwtMgr,
		Verifier:     verifier,
		Logger:       logger,
		Version:      "test",
	})

	ts := &testServer{
		handler:       srv.Handler(),
		decisions:     decisions,
		approver:      priv,
		adminToken:    issueToken(t, jwtMgr, "root", model.RoleAdmin),
		agentToken:    issueToken(t, jwtMgr, "agent-1", model.RoleAgent),
		readerToken:   issueToken(t, jwtMgr, "reader-1", model.RoleReader),
		approverToken: issueToken(t, jwtMgr, "operator@example", model.RoleApprover),
	}
	return ts
}

type okActuator struct{}

func (okActuator) Invoke(ctx context.Context, target string, params map[string]any, key string) (bool, string, error) {
	return true, "applied", nil
}

func issueToken(t *testing.T, mgr *auth.JWTManager, agentID string, role model.AgentRole) string {
	t.Helper()
	token, _, err := mgr.IssueToken(model.Agent{ID: uuid.New(), AgentID: agentID, Role: role})
	require.NoError(t, err)
	return token
}

// do performs a request against the handler and returns the recorder.
func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// data unmarshals the envelope's data field into out.
func data(t *testing.T, rr *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// submit posts an action and returns the minted decision id.
func (ts *testServer) submit(t *testing.T, req model.SubmitActionRequest) uuid.UUID {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/v1/actions", ts.agentToken, req)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp model.SubmitActionResponse
	data(t, rr, &resp)
	id, err := uuid.Parse(resp.DecisionID)
	require.NoError(t, err)
	return id
}

// waitStatus polls the decision until it reaches the wanted status.
func (ts *testServer) waitStatus(t *testing.T, id uuid.UUID, want model.FinalStatus) model.Decision {
	t.Helper()
	var dec model.Decision
	require.Eventually(t, func() bool {
		rr := ts.do(t, http.MethodGet, "/v1/decisions/"+id.String(), ts.readerToken, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		data(t, rr, &dec)
		return dec.FinalStatus == want
	}, 5*time.Second, 20*time.Millisecond, "decision %s never reached %s", id, want)
	return dec
}

func TestHealthRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var health model.HealthResponse
	data(t, rr, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Pipeline)
	assert.Equal(t, "not_configured", health.Postgres)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestSubmitRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/actions", "", model.SubmitActionRequest{
		ActionKind: model.ActionRead, Target: "sensor-1",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/actions", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestReaderCannotSubmit(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/actions", ts.readerToken, model.SubmitActionRequest{
		ActionKind: model.ActionRead, Target: "sensor-1",
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/actions", ts.agentToken, model.SubmitActionRequest{
		ActionKind: "explode", Target: "valve-7",
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/actions", ts.agentToken, model.SubmitActionRequest{
		ActionKind: model.ActionRead,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "target is required")
}

func TestReadActionEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "read the current pressure",
		ActionKind: model.ActionRead,
		Target:     "sensor-1",
	})

	dec := ts.waitStatus(t, id, model.StatusApproved)
	assert.Equal(t, model.ReasonApproved, dec.ReasonCode)
	require.NotNil(t, dec.Execution)
	assert.True(t, dec.Execution.Success)
	assert.Nil(t, dec.Attestation)
}

func TestAttestationFlow(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "attested: set pressure to 12",
		ActionKind: model.ActionWrite,
		Target:     "valve-7",
		Parameters: map[string]any{"pressure": 12.0},
	})
	ts.waitStatus(t, id, model.StatusAwaitingApproval)

	statement := model.ApprovalStatement(id)
	sig := ed25519.Sign(ts.approver, approval.StatementHash(statement))
	rr := ts.do(t, http.MethodPost, "/v1/decisions/"+id.String()+"/attestations", ts.approverToken,
		model.SubmitAttestationRequest{
			ApproverID: "operator@example",
			Statement:  statement,
			Signature:  base64.StdEncoding.EncodeToString(sig),
		})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	dec := ts.waitStatus(t, id, model.StatusApproved)
	require.NotNil(t, dec.Attestation)
	assert.Equal(t, "operator@example", dec.Attestation.ApproverID)
	require.NotNil(t, dec.Execution)
	assert.True(t, dec.Execution.Success)
}

func TestAttestationBadSignatureRejected(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "attested: set pressure to 12",
		ActionKind: model.ActionWrite,
		Target:     "valve-7",
	})
	ts.waitStatus(t, id, model.StatusAwaitingApproval)

	statement := model.ApprovalStatement(id)
	rr := ts.do(t, http.MethodPost, "/v1/decisions/"+id.String()+"/attestations", ts.approverToken,
		model.SubmitAttestationRequest{
			ApproverID: "operator@example",
			Statement:  statement,
			Signature:  base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)),
		})
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAttestationApproverMismatch(t *testing.T) {
	ts := newTestServer(t)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "attested: set pressure to 12",
		ActionKind: model.ActionWrite,
		Target:     "valve-7",
	})
	ts.waitStatus(t, id, model.StatusAwaitingApproval)

	// An approver cannot submit someone else's attestation.
	statement := model.ApprovalStatement(id)
	sig := ed25519.Sign(ts.approver, approval.StatementHash(statement))
	rr := ts.do(t, http.MethodPost, "/v1/decisions/"+id.String()+"/attestations", ts.approverToken,
		model.SubmitAttestationRequest{
			ApproverID: "someone-else",
			Statement:  statement,
			Signature:  base64.StdEncoding.EncodeToString(sig),
		})
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAttestationUnknownDecisionConflicts(t *testing.T) {
	ts := newTestServer(t)

	id := uuid.New()
	statement := model.ApprovalStatement(id)
	sig := ed25519.Sign(ts.approver, approval.StatementHash(statement))
	rr := ts.do(t, http.MethodPost, "/v1/decisions/"+id.String()+"/attestations", ts.approverToken,
		model.SubmitAttestationRequest{
			ApproverID: "operator@example",
			Statement:  statement,
			Signature:  base64.StdEncoding.EncodeToString(sig),
		})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestCancelUnknownDecision(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/decisions/"+uuid.NewString()+"/cancel", ts.agentToken, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetDecisionNotFound(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/decisions/"+uuid.NewString(), ts.readerToken, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/decisions/not-a-uuid", ts.readerToken, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPolicyEndpointsAdminOnly(t *testing.T) {
	ts := newTestServer(t)

	inv := model.AddInvariantRequest{
		ID:       "pressure-cap",
		Name:     "Pressure cap",
		Property: `!("pressure" in delta) || double(delta["pressure"]) < 100.0`,
	}

	rr := ts.do(t, http.MethodPost, "/v1/policy/invariants", ts.agentToken, inv)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodPost, "/v1/policy/invariants", ts.adminToken, inv)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Duplicate id conflicts.
	rr = ts.do(t, http.MethodPost, "/v1/policy/invariants", ts.adminToken, inv)
	require.Equal(t, http.StatusConflict, rr.Code)

	// A non-boolean property is a compile error.
	rr = ts.do(t, http.MethodPost, "/v1/policy/invariants", ts.adminToken, model.AddInvariantRequest{
		ID: "bad", Name: "Bad", Property: `1 + 1`,
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// Readers can see the active policy.
	rr = ts.do(t, http.MethodGet, "/v1/policy", ts.readerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view model.PolicyView
	data(t, rr, &view)
	require.Len(t, view.Invariants, 1)
	assert.Equal(t, "pressure-cap", view.Invariants[0].ID)
	assert.Contains(t, view.Allowlist, "valve-7")

	rr = ts.do(t, http.MethodDelete, "/v1/policy/invariants/pressure-cap", ts.adminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(t, http.MethodDelete, "/v1/policy/invariants/pressure-cap", ts.adminToken, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQuorumEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPut, "/v1/policy/quorum", ts.adminToken, model.SetQuorumRequest{Threshold: 0.9})
	require.Equal(t, http.StatusOK, rr.Code)
	var view model.PolicyView
	data(t, rr, &view)
	assert.InDelta(t, 0.9, view.Quorum, 1e-9)

	critical := model.ActionCritical
	rr = ts.do(t, http.MethodPut, "/v1/policy/quorum", ts.adminToken, model.SetQuorumRequest{
		Threshold: 1.0, Kind: &critical,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	data(t, rr, &view)
	assert.InDelta(t, 1.0, view.QuorumByKind[model.ActionCritical], 1e-9)

	rr = ts.do(t, http.MethodPut, "/v1/policy/quorum", ts.adminToken, model.SetQuorumRequest{Threshold: 1.5})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDenylistBeatsSubmission(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/v1/policy/denylist", ts.adminToken, model.ListRuleRequest{Target: "valve-7"})
	require.Equal(t, http.StatusCreated, rr.Code)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "attested: open it",
		ActionKind: model.ActionWrite,
		Target:     "valve-7",
	})
	dec := ts.waitStatus(t, id, model.StatusRejected)
	assert.Equal(t, model.ReasonPolicyViolation, dec.ReasonCode)
}

func TestAuditRootAdvances(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/audit/root", ts.readerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var before model.AuditRootResponse
	data(t, rr, &before)

	id := ts.submit(t, model.SubmitActionRequest{
		RawInput:   "read sensor",
		ActionKind: model.ActionRead,
		Target:     "sensor-1",
	})
	ts.waitStatus(t, id, model.StatusApproved)

	rr = ts.do(t, http.MethodGet, "/v1/audit/root", ts.readerToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var after model.AuditRootResponse
	data(t, rr, &after)
	assert.Greater(t, after.Seq, before.Seq)
	assert.NotEmpty(t, after.RootHash)
}

func TestPostgresBackedEndpointsUnavailableWithoutDB(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/v1/decisions/recent", ts.readerToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = ts.do(t, http.MethodGet, "/v1/agents", ts.adminToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
