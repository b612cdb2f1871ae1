package monban

import (
	"time"

	"github.com/google/uuid"
)

// Role is an agent's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleApprover Role = "approver"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// Decision is the public representation of a gating decision.
// It is a curated view of internal/model.Decision for use in extension
// interfaces. No internal package imports — safe to use from outside
// the module.
type Decision struct {
	ID          uuid.UUID
	AgentID     string
	ActionKind  string
	Target      string
	Parameters  map[string]any
	TrustLevel  string
	Phase       string
	FinalStatus string
	ReasonCode  string
	Reason      string
	// ApproveRatio and QuorumMet are nil until the consensus phase ran.
	ApproveRatio *float64
	QuorumMet    *bool
	// Executed is nil unless actuation was attempted.
	Executed    *bool
	AuditHash   string
	CreatedAt   time.Time
	FinalizedAt *time.Time
}

// ScanMatch describes the first adversarial pattern a ContentScanner
// matched. Severity is "critical" or "high".
type ScanMatch struct {
	PatternID string
	Pattern   string
	Severity  string
}

// AuditRecord is the public view of one link in the audit chain, for
// use with a custom AuditStore.
type AuditRecord struct {
	Seq         uint64
	DecisionID  uuid.UUID
	Phase       string
	Payload     map[string]any
	PayloadHash string
	PrevHash    string
	Hash        string
	RecordedAt  time.Time
}

// AuditCheckpoint is a Merkle root over a contiguous range of audit
// record hashes.
type AuditCheckpoint struct {
	ID         uuid.UUID
	FromSeq    uint64
	ToSeq      uint64
	MerkleRoot string
	CreatedAt  time.Time
}

// Checker configures one consensus checker agent. Weight scales its
// vote in the approve ratio; InvariantDomains restricts which invariant
// domains it evaluates (empty = all).
type Checker struct {
	ID               string
	Weight           float64
	InvariantDomains []string
}
