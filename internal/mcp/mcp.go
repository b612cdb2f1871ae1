// Package mcp implements the Model Context Protocol server for Monban.
//
// MCP-speaking agents are callers of the gating pipeline, never trusted
// components of it: a submission through MCP walks the same
// classification, policy, simulation, consensus, and approval phases as
// one through the HTTP API, and a mutating action still blocks on a
// human attestation that cannot be produced over this transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/policy"
)

// Server wraps the MCP server around the pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	orch      *pipeline.Orchestrator
	decisions pipeline.DecisionStore
	policies  *policy.Engine
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(orch *pipeline.Orchestrator, decisions pipeline.DecisionStore, policies *policy.Engine, logger *slog.Logger) *Server {
	s := &Server{
		orch:      orch,
		decisions: decisions,
		policies:  policies,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"monban",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// monban://policy/current — the active policy snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"monban://policy/current",
			"Active Policy",
			mcplib.WithResourceDescription("The currently active allowlist, denylist, invariants, and quorum thresholds"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicyCurrent,
	)

	// monban://decisions/{id} — a single decision record.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"monban://decisions/{id}",
			"Decision",
			mcplib.WithTemplateDescription("A single gating decision by id"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDecisionResource,
	)
}

func (s *Server) handlePolicyCurrent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.policies.Current().View(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal policy: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "monban://policy/current",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleDecisionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var raw string
	if _, err := fmt.Sscanf(uri, "monban://decisions/%s", &raw); err != nil || raw == "" {
		return nil, fmt.Errorf("mcp: invalid decision URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid decision id %q: %w", raw, err)
	}

	dec, err := s.decisions.GetDecision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: load decision: %w", err)
	}

	data, err := json.MarshalIndent(compactDecision(dec), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decision: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

// compactDecision returns a minimal representation of a decision for MCP
// responses. Drops raw sub-result payloads agents don't act on; they can
// fetch the full record over HTTP if they need the evidence.
func compactDecision(d model.Decision) map[string]any {
	m := map[string]any{
		"id":           d.ID,
		"agent_id":     d.Request.AgentID,
		"action_kind":  d.Request.ActionKind,
		"target":       d.Request.Target,
		"trust_level":  d.TrustLevel.String(),
		"phase":        d.Phase,
		"final_status": d.FinalStatus,
	}
	if d.ReasonCode != "" {
		m["reason_code"] = d.ReasonCode
		m["reason"] = d.Reason
	}
	if d.Consensus != nil {
		m["approve_ratio"] = d.Consensus.ApproveRatio
		m["quorum_met"] = d.Consensus.QuorumMet
	}
	if d.Execution != nil {
		m["executed"] = d.Execution.Success
	}
	if d.AuditHash != "" {
		m["audit_hash"] = d.AuditHash
	}
	return m
}
