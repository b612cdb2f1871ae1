package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
)

func (s *Server) registerTools() {
	// monban_submit — submit an action request for gating.
	s.mcpServer.AddTool(
		mcplib.NewTool("monban_submit",
			mcplib.WithDescription(`Submit an action request to the gating pipeline.

The pipeline classifies the request's provenance, checks policy, simulates
the action against a world-state copy, gathers checker-agent consensus, and
for mutating actions waits for a signed human attestation before anything
is actuated. Submission returns a decision_id immediately; poll it with
monban_status. A mutating action will sit in awaiting_approval until a
human approver signs off out-of-band — that wait cannot be skipped.`),
			mcplib.WithString("agent_id", mcplib.Description("Identifier of the submitting agent"), mcplib.Required()),
			mcplib.WithString("raw_input", mcplib.Description("The raw instruction text, including any trust tag prefix")),
			mcplib.WithString("action_kind", mcplib.Description("One of: read, write, critical, config"), mcplib.Required()),
			mcplib.WithString("target", mcplib.Description("Identifier of the system the action affects"), mcplib.Required()),
			mcplib.WithObject("parameters", mcplib.Description("Action parameters as a JSON object")),
		),
		s.handleSubmit,
	)

	// monban_status — poll a decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("monban_status",
			mcplib.WithDescription("Get the current phase, status, and reason for a gating decision by id"),
			mcplib.WithString("decision_id", mcplib.Description("The decision id returned by monban_submit"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// monban_policy — read the active policy snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("monban_policy",
			mcplib.WithDescription("Read the active policy: allowlist, denylist, invariants, and quorum thresholds. Useful before submitting to see whether a target is allowlisted."),
		),
		s.handlePolicy,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID := request.GetString("agent_id", "")
	rawInput := request.GetString("raw_input", "")
	actionKind := model.ActionKind(request.GetString("action_kind", ""))
	target := request.GetString("target", "")

	if err := model.ValidateAgentID(agentID); err != nil {
		return errorResult("agent_id: " + err.Error()), nil
	}
	req := model.SubmitActionRequest{
		RawInput:   rawInput,
		ActionKind: actionKind,
		Target:     target,
	}
	if params, ok := request.GetArguments()["parameters"].(map[string]any); ok {
		req.Parameters = params
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	id, err := s.orch.Submit(ctx, model.Request{
		RawInput:   req.RawInput,
		ActionKind: req.ActionKind,
		Target:     req.Target,
		Parameters: req.Parameters,
		AgentID:    agentID,
	})
	switch {
	case errors.Is(err, pipeline.ErrSaturated):
		return errorResult("pipeline saturated, retry later"), nil
	case errors.Is(err, pipeline.ErrShuttingDown):
		return errorResult("server is shutting down"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}

	return textResult(map[string]any{
		"decision_id": id.String(),
		"status":      model.StatusPending,
	}), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("decision_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("invalid decision_id: " + raw), nil
	}

	dec, err := s.decisions.GetDecision(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("decision %s not found", id)), nil
	}

	return textResult(compactDecision(dec)), nil
}

func (s *Server) handlePolicy(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return textResult(s.policies.Current().View()), nil
}
