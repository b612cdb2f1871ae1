package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/actuate"
	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/consensus"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/provenance"
	"github.com/ashita-ai/monban/internal/scan"
	"github.com/ashita-ai/monban/internal/simulate"
)

type okActuator struct{}

func (okActuator) Invoke(ctx context.Context, target string, params map[string]any, key string) (bool, string, error) {
	return true, "applied", nil
}

func newTestMCP(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := policy.New(ctx, nil, logger)
	require.NoError(t, err)
	require.NoError(t, engine.AddAllowlist(ctx, "valve-7"))

	sim := simulate.New(logger)
	sim.Seed("valve-7", map[string]any{"pressure": 10.0})

	recorder, err := audit.NewRecorder(ctx, audit.NewMemoryStore(), logger)
	require.NoError(t, err)

	decisions := pipeline.NewMemoryDecisions()
	orch := pipeline.New(
		pipeline.Config{Workers: 1, QueueDepth: 8, PhaseTimeout: time.Second},
		provenance.New(scan.New(), logger),
		engine,
		sim,
		consensus.New([]model.CheckerAgent{{ID: "checker-a", Weight: 1.0}}, time.Second, sim, logger),
		approval.NewGate(approval.NewEd25519Verifier(), time.Minute, logger),
		actuate.New(okActuator{}, actuate.NewMemoryClaims(), 1, logger),
		recorder,
		decisions,
		logger,
	)
	orch.Start(ctx)
	t.Cleanup(orch.Shutdown)

	return New(orch, decisions, engine, logger)
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultJSON(t *testing.T, result *mcplib.CallToolResult, out any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	require.NoError(t, json.Unmarshal([]byte(text.Text), out))
}

func TestSubmitToolMintsDecision(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handleSubmit(context.Background(), callRequest(map[string]any{
		"agent_id":    "agent-1",
		"raw_input":   "read the pressure",
		"action_kind": "read",
		"target":      "sensor-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, result.Content)

	var resp struct {
		DecisionID string `json:"decision_id"`
		Status     string `json:"status"`
	}
	resultJSON(t, result, &resp)
	assert.Equal(t, string(model.StatusPending), resp.Status)

	id, err := uuid.Parse(resp.DecisionID)
	require.NoError(t, err)

	// Poll monban_status until the read action runs to approval.
	var status struct {
		FinalStatus string `json:"final_status"`
		Executed    bool   `json:"executed"`
	}
	require.Eventually(t, func() bool {
		result, err := s.handleStatus(context.Background(), callRequest(map[string]any{
			"decision_id": id.String(),
		}))
		require.NoError(t, err)
		if result.IsError {
			return false
		}
		resultJSON(t, result, &status)
		return status.FinalStatus == string(model.StatusApproved)
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, status.Executed)
}

func TestSubmitToolValidation(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handleSubmit(context.Background(), callRequest(map[string]any{
		"agent_id":    "agent-1",
		"action_kind": "read",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "missing target must be a tool error")

	result, err = s.handleSubmit(context.Background(), callRequest(map[string]any{
		"agent_id":    "agent-1",
		"action_kind": "detonate",
		"target":      "valve-7",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "unknown action kind must be a tool error")

	result, err = s.handleSubmit(context.Background(), callRequest(map[string]any{
		"agent_id":    "bad agent id!",
		"action_kind": "read",
		"target":      "sensor-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "malformed agent id must be a tool error")
}

func TestStatusToolUnknownDecision(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handleStatus(context.Background(), callRequest(map[string]any{
		"decision_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStatus(context.Background(), callRequest(map[string]any{
		"decision_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPolicyTool(t *testing.T) {
	s := newTestMCP(t)

	result, err := s.handlePolicy(context.Background(), mcplib.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view model.PolicyView
	resultJSON(t, result, &view)
	assert.Contains(t, view.Allowlist, "valve-7")
	assert.InDelta(t, policy.DefaultQuorumThreshold, view.Quorum, 1e-9)
}

func TestCompactDecisionFields(t *testing.T) {
	dec := model.Decision{
		ID: uuid.New(),
		Request: model.Request{
			AgentID:    "agent-1",
			ActionKind: model.ActionWrite,
			Target:     "valve-7",
		},
		TrustLevel:  model.TrustAttested,
		Phase:       model.PhaseFinalized,
		FinalStatus: model.StatusRejected,
		ReasonCode:  model.ReasonQuorumNotMet,
		Reason:      "approve ratio 0.50 below threshold 0.67",
		Consensus:   &model.ConsensusOutcome{ApproveRatio: 0.5, Threshold: 0.67},
	}

	m := compactDecision(dec)
	assert.Equal(t, "attested", m["trust_level"])
	assert.Equal(t, model.ReasonQuorumNotMet, m["reason_code"])
	assert.Equal(t, 0.5, m["approve_ratio"])
	_, hasExec := m["executed"]
	assert.False(t, hasExec, "no execution result on a rejected decision")
}
