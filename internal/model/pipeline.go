package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the provenance classification of a request. Levels are
// ordered: a higher value means a stronger provenance claim. The level is
// computed exactly once per request by the provenance classifier and is
// downgraded to Untrusted whenever the adversarial-pattern scan matches,
// regardless of the declared tag.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustVerified
	TrustAttested
	TrustTrusted
)

var trustNames = map[TrustLevel]string{
	TrustUntrusted: "untrusted",
	TrustVerified:  "verified",
	TrustAttested:  "attested",
	TrustTrusted:   "trusted",
}

func (t TrustLevel) String() string {
	if s, ok := trustNames[t]; ok {
		return s
	}
	return "untrusted"
}

// MarshalJSON serializes the level as its lowercase name.
func (t TrustLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses a lowercase level name. Unknown names fail closed
// to Untrusted rather than erroring, matching the classifier's behavior.
func (t *TrustLevel) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	for level, name := range trustNames {
		if name == s {
			*t = level
			return nil
		}
	}
	*t = TrustUntrusted
	return nil
}

// ActionKind categorizes the side-effect class of a requested action.
type ActionKind string

const (
	ActionRead     ActionKind = "read"
	ActionWrite    ActionKind = "write"
	ActionCritical ActionKind = "critical"
	ActionConfig   ActionKind = "config"
)

// Valid reports whether k is a recognized action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionRead, ActionWrite, ActionCritical, ActionConfig:
		return true
	}
	return false
}

// Mutating reports whether the action changes external state. Mutating
// actions require allowlist membership, quorum, and a human attestation.
func (k ActionKind) Mutating() bool {
	return k != ActionRead
}

// Request is a caller's desire to perform an action. Immutable after
// ingestion; every phase references the same value and never mutates it.
type Request struct {
	ID         uuid.UUID      `json:"id"`
	RawInput   string         `json:"raw_input"`
	ActionKind ActionKind     `json:"action_kind"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters"`
	AgentID    string         `json:"agent_id"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Phase identifies a step in a decision's lifecycle. Every transition is
// written to the audit chain before the next phase begins.
type Phase string

const (
	PhaseReceived        Phase = "received"
	PhaseClassified      Phase = "classified"
	PhasePolicyChecked   Phase = "policy_checked"
	PhaseSimulated       Phase = "simulated"
	PhaseConsensus       Phase = "consensus_evaluated"
	PhaseApprovalPending Phase = "approval_pending"
	PhaseApproved        Phase = "approved"
	PhaseExecuted        Phase = "executed"
	PhaseFinalized       Phase = "finalized"
)

// FinalStatus is the terminal (or pending) status of a decision.
type FinalStatus string

const (
	StatusPending          FinalStatus = "pending"
	StatusAwaitingApproval FinalStatus = "awaiting_approval"
	StatusApproved         FinalStatus = "approved"
	StatusRejected         FinalStatus = "rejected"
	StatusTimedOut         FinalStatus = "timed_out"
	StatusCancelled        FinalStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s FinalStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Reason codes attached to terminal decisions. Every terminal decision
// carries one of these plus a human-readable detail string.
const (
	ReasonInputRejected      = "INPUT_REJECTED"
	ReasonPolicyViolation    = "POLICY_VIOLATION"
	ReasonInvariantViolation = "INVARIANT_VIOLATION"
	ReasonQuorumNotMet       = "QUORUM_NOT_MET"
	ReasonApprovalTimeout    = "APPROVAL_TIMEOUT"
	ReasonActuationFailure   = "ACTUATION_FAILURE"
	ReasonAuditWriteFailure  = "AUDIT_WRITE_FAILURE"
	ReasonCancelled          = "CANCELLED"
	ReasonApproved           = "APPROVED"
)

// Invariant is a named safety predicate evaluated at simulation time.
// Property is a CEL boolean expression over the simulated state, the
// request parameters, and the predicted delta. Domain tags group
// invariants (e.g. "safety", "compliance"); Kinds restricts the invariant
// to specific action kinds, empty meaning all.
type Invariant struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Property  string       `json:"property"`
	Domain    string       `json:"domain"`
	Kinds     []ActionKind `json:"kinds,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AppliesTo reports whether the invariant is active for the given kind.
func (iv Invariant) AppliesTo(kind ActionKind) bool {
	if len(iv.Kinds) == 0 {
		return true
	}
	for _, k := range iv.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PolicyResult is the outcome of the policy gate for one request.
type PolicyResult struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	MatchedRule string `json:"matched_rule,omitempty"`
}

// ViolationSimulationUnavailable is the synthetic invariant id recorded
// when the simulator cannot model the target. Simulation failure is never
// a silent approve.
const ViolationSimulationUnavailable = "SIMULATION_UNAVAILABLE"

// InvariantViolation is one failed invariant from a simulation run.
type InvariantViolation struct {
	InvariantID string `json:"invariant_id"`
	Name        string `json:"name,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// StateDelta is the predicted before/after values for the affected target.
type StateDelta struct {
	Target string         `json:"target"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// SimulationResult is the simulator's verdict for one request. Passed is
// true iff Violations is empty; a single violation fails the simulation.
// Identical request + identical invariant set must always yield an
// identical result.
type SimulationResult struct {
	Passed     bool                 `json:"passed"`
	Delta      StateDelta           `json:"delta"`
	Violations []InvariantViolation `json:"violations,omitempty"`
	Evaluated  int                  `json:"evaluated_invariants"`
}

// ViolatedIDs returns the ids of all violated invariants, in order.
func (r SimulationResult) ViolatedIDs() []string {
	if len(r.Violations) == 0 {
		return nil
	}
	ids := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		ids[i] = v.InvariantID
	}
	return ids
}

// Vote is one checker agent's verdict on a simulated request. Weight
// defaults to 1.0; a non-responding agent is recorded as approve=false
// with rationale "timeout", never excluded from the denominator.
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Approve   bool      `json:"approve"`
	Weight    float64   `json:"weight"`
	Rationale string    `json:"rationale"`
	CastAt    time.Time `json:"cast_at"`
}

// ConsensusOutcome aggregates all votes for one request. QuorumMet is
// approve_ratio >= threshold; with zero agents configured it is always
// false.
type ConsensusOutcome struct {
	Votes        []Vote  `json:"votes"`
	ApproveRatio float64 `json:"approve_ratio"`
	Threshold    float64 `json:"threshold"`
	QuorumMet    bool    `json:"quorum_met"`
}

// Attestation is a signed human-approver statement binding to one
// decision id. The statement must equal "approve:<decision_id>" exactly.
type Attestation struct {
	DecisionID  uuid.UUID `json:"decision_id"`
	ApproverID  string    `json:"approver_id"`
	Statement   string    `json:"statement"`
	Signature   []byte    `json:"signature"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ApprovalStatement returns the exact statement an attestation must carry
// to approve the given decision.
func ApprovalStatement(decisionID uuid.UUID) string {
	return fmt.Sprintf("approve:%s", decisionID)
}

// ExecutionResult records the actuator's reported outcome. Actuator
// failure is distinct from pipeline-level approval: a decision can be
// Approved while its execution ultimately failed after retries.
type ExecutionResult struct {
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
	Attempts   int       `json:"attempts"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Decision is the terminal record of one pipeline run. Immutable once
// FinalStatus is terminal; persisted and never deleted.
type Decision struct {
	ID          uuid.UUID         `json:"id"`
	Request     Request           `json:"request"`
	TrustLevel  TrustLevel        `json:"trust_level"`
	TrustDetail string            `json:"trust_detail,omitempty"`
	Policy      *PolicyResult     `json:"policy_result,omitempty"`
	Simulation  *SimulationResult `json:"simulation_result,omitempty"`
	Consensus   *ConsensusOutcome `json:"consensus_outcome,omitempty"`
	Attestation *Attestation      `json:"attestation,omitempty"`
	Execution   *ExecutionResult  `json:"execution_result,omitempty"`
	Phase       Phase             `json:"phase"`
	FinalStatus FinalStatus       `json:"final_status"`
	ReasonCode  string            `json:"reason_code,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	AuditHash   string            `json:"audit_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	FinalizedAt *time.Time        `json:"finalized_at,omitempty"`
}

// CheckerAgent is the configuration of one consensus checker. Each
// checker re-runs policy and simulation independently; InvariantDomains
// restricts which invariant domains it evaluates (empty = all), Weight
// scales its vote in the approve ratio.
type CheckerAgent struct {
	ID               string   `json:"id"`
	Weight           float64  `json:"weight"`
	InvariantDomains []string `json:"invariant_domains,omitempty"`
}
