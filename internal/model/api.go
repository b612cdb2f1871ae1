package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Field length limits for submitted action requests. These keep a single
// oversized field from blowing up the pattern scanner, CEL evaluation,
// or the Postgres TEXT columns the request is persisted into.
const (
	MaxRawInputLen  = 64 * 1024 // 64 KB
	MaxTargetLen    = 255
	MaxParameters   = 64
	MaxParamKeyLen  = 128
	MaxRationaleLen = 4 * 1024
)

// SubmitActionRequest is the request body for POST /v1/actions.
type SubmitActionRequest struct {
	RawInput   string         `json:"raw_input"`
	ActionKind ActionKind     `json:"action_kind"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Validate checks structural well-formedness only. Trust classification
// is the pipeline's job; a malformed request is rejected synchronously
// before a decision id is minted.
func (r SubmitActionRequest) Validate() error {
	if !r.ActionKind.Valid() {
		return fmt.Errorf("action_kind must be one of read, write, critical, config (got %q)", r.ActionKind)
	}
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(r.Target) > MaxTargetLen {
		return fmt.Errorf("target exceeds maximum length of %d characters", MaxTargetLen)
	}
	if len(r.RawInput) > MaxRawInputLen {
		return fmt.Errorf("raw_input exceeds maximum length of %d bytes", MaxRawInputLen)
	}
	if len(r.Parameters) > MaxParameters {
		return fmt.Errorf("parameters exceeds maximum of %d entries", MaxParameters)
	}
	for k := range r.Parameters {
		if len(k) > MaxParamKeyLen {
			return fmt.Errorf("parameter key exceeds maximum length of %d characters", MaxParamKeyLen)
		}
	}
	return nil
}

// SubmitActionResponse is the response for POST /v1/actions. The pipeline
// runs asynchronously; callers poll GET /v1/decisions/{decision_id}.
type SubmitActionResponse struct {
	DecisionID string      `json:"decision_id"`
	Status     FinalStatus `json:"status"`
}

// SubmitAttestationRequest is the request body for
// POST /v1/decisions/{decision_id}/attestations. Signature is base64.
type SubmitAttestationRequest struct {
	ApproverID string `json:"approver_id"`
	Statement  string `json:"statement"`
	Signature  string `json:"signature"`
}

// DecodeSignature returns the raw signature bytes.
func (r SubmitAttestationRequest) DecodeSignature() ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid base64: %w", err)
	}
	return sig, nil
}

// Validate checks structural well-formedness. Statement/signature
// correctness against the decision is the approval gate's job.
func (r SubmitAttestationRequest) Validate() error {
	if err := ValidateAgentID(r.ApproverID); err != nil {
		return fmt.Errorf("approver_id: %w", err)
	}
	if r.Statement == "" {
		return fmt.Errorf("statement is required")
	}
	if r.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	return nil
}

// AddInvariantRequest is the request body for POST /v1/policy/invariants.
type AddInvariantRequest struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Property string       `json:"property"`
	Domain   string       `json:"domain,omitempty"`
	Kinds    []ActionKind `json:"kinds,omitempty"`
}

// Validate checks structural well-formedness. CEL compilation of the
// property expression happens in the policy engine and surfaces its own
// error on failure.
func (r AddInvariantRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.ID) > 128 {
		return fmt.Errorf("id must be at most 128 characters")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.Property == "" {
		return fmt.Errorf("property is required")
	}
	for _, k := range r.Kinds {
		if !k.Valid() {
			return fmt.Errorf("kinds contains invalid action kind %q", k)
		}
	}
	return nil
}

// ListRuleRequest is the request body for POST /v1/policy/allowlist and
// POST /v1/policy/denylist.
type ListRuleRequest struct {
	Target string `json:"target"`
}

// Validate checks the target identifier.
func (r ListRuleRequest) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("target is required")
	}
	if len(r.Target) > MaxTargetLen {
		return fmt.Errorf("target exceeds maximum length of %d characters", MaxTargetLen)
	}
	return nil
}

// SetQuorumRequest is the request body for PUT /v1/policy/quorum. A kind
// override applies only to that action kind; an empty kind sets the
// global default threshold.
type SetQuorumRequest struct {
	Threshold float64     `json:"threshold"`
	Kind      *ActionKind `json:"kind,omitempty"`
}

// Validate bounds the threshold to (0, 1].
func (r SetQuorumRequest) Validate() error {
	if r.Threshold <= 0 || r.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", r.Threshold)
	}
	if r.Kind != nil && !r.Kind.Valid() {
		return fmt.Errorf("kind must be one of read, write, critical, config (got %q)", *r.Kind)
	}
	return nil
}

// PolicyView is the response for GET /v1/policy: the currently active
// policy snapshot as operators see it.
type PolicyView struct {
	Allowlist      []string               `json:"allowlist"`
	Denylist       []string               `json:"denylist"`
	Invariants     []Invariant            `json:"invariants"`
	Quorum         float64                `json:"quorum_threshold"`
	QuorumByKind   map[ActionKind]float64 `json:"quorum_by_kind,omitempty"`
	Version        uint64                 `json:"version"`
	EffectiveSince time.Time              `json:"effective_since"`
}

// AuditRootResponse is the response for GET /v1/audit/root.
type AuditRootResponse struct {
	RootHash string `json:"root_hash"`
	Seq      uint64 `json:"sequence_number"`
}

// CreateAgentRequest is the request body for POST /v1/agents (admin only).
// PublicKey is a base64 Ed25519 public key, required for approvers so
// their attestation signatures can be verified.
type CreateAgentRequest struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Role      AgentRole `json:"role"`
	APIKey    string    `json:"api_key,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
}

// DecodePublicKey returns the raw public key bytes, or nil when unset.
func (r CreateAgentRequest) DecodePublicKey() ([]byte, error) {
	if r.PublicKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public_key is not valid base64: %w", err)
	}
	return key, nil
}

// Validate checks structural well-formedness.
func (r CreateAgentRequest) Validate() error {
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch r.Role {
	case RoleAdmin, RoleApprover, RoleAgent, RoleReader:
	default:
		return fmt.Errorf("role must be one of admin, approver, agent, reader (got %q)", r.Role)
	}
	if r.Role == RoleApprover && r.PublicKey == "" {
		return fmt.Errorf("public_key is required for approvers")
	}
	return nil
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Pipeline string `json:"pipeline"` // "ok" or "saturated"
	InFlight int    `json:"in_flight"`
	Uptime   int64  `json:"uptime_seconds"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
