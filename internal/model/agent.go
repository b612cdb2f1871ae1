package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole represents the RBAC role assigned to a caller identity.
// Approvers may submit attestations; agents may submit action requests;
// readers get the audit/decision read paths only.
type AgentRole string

const (
	RoleAdmin    AgentRole = "admin"
	RoleApprover AgentRole = "approver"
	RoleAgent    AgentRole = "agent"
	RoleReader   AgentRole = "reader"
)

// Agent represents a caller identity with role assignment. Suggestion
// engines authenticate as agents; humans who sign attestations as
// approvers. An approver's attestation public key is stored alongside
// the identity.
type Agent struct {
	ID         uuid.UUID      `json:"id"`
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Role       AgentRole      `json:"role"`
	APIKeyHash *string        `json:"-"`
	PublicKey  []byte         `json:"-"` // Ed25519 attestation key, approvers only.
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters — RoleAtLeast uses >= comparison.
func RoleRank(r AgentRole) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleApprover:
		return 3
	case RoleAgent:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AgentRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
