// Package approval is the human-in-the-loop gate. Every non-read action
// blocks here after quorum until a signed approver attestation naming
// the decision id arrives, or the window expires. Expiry is terminal:
// absence of a human signal never authorizes actuation.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// DefaultTimeout is the approval window used when none is configured.
const DefaultTimeout = 15 * time.Minute

var (
	// ErrNotAwaitingApproval is returned for unknown, already-approved,
	// or timed-out decision ids. The message doubles as the caller-facing
	// rejection reason.
	ErrNotAwaitingApproval = errors.New("decision not awaiting approval")
	// ErrStatementMismatch is returned when the statement does not equal
	// "approve:<decision_id>".
	ErrStatementMismatch = errors.New("attestation statement does not match decision")
	// ErrSignatureInvalid is returned when the signature does not verify
	// against the approver's known key.
	ErrSignatureInvalid = errors.New("attestation signature invalid")
)

// Verifier checks an attestation signature against a known approver key.
// The gate never holds key material itself.
type Verifier interface {
	Verify(messageHash, signature []byte, signerID string) bool
}

// Outcome is the gate's verdict for one awaited decision.
type Outcome struct {
	Status      model.FinalStatus // StatusApproved or StatusTimedOut
	Attestation *model.Attestation
}

type pending struct {
	timer  *time.Timer
	result chan Outcome
}

// Gate tracks decisions awaiting approval. Safe for concurrent use.
type Gate struct {
	verifier Verifier
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	waiting  map[uuid.UUID]*pending
	draining bool
}

// NewGate builds a gate with the given verifier and approval window.
func NewGate(verifier Verifier, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		verifier: verifier,
		timeout:  timeout,
		logger:   logger,
		waiting:  make(map[uuid.UUID]*pending),
	}
}

// Await registers a decision as AwaitingApproval and returns a channel
// that delivers exactly one Outcome: Approved on a valid attestation,
// TimedOut when the window expires. The transition is irreversible
// either way. On a drained gate the returned channel is already closed,
// so a late-arriving worker never parks for the full window during
// shutdown.
func (g *Gate) Await(decisionID uuid.UUID) <-chan Outcome {
	p := &pending{result: make(chan Outcome, 1)}
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		close(p.result)
		return p.result
	}
	g.waiting[decisionID] = p
	// The timer is armed under the lock so Abort and Drain always see it
	// set once the entry is visible in the map.
	p.timer = time.AfterFunc(g.timeout, func() {
		g.mu.Lock()
		cur, ok := g.waiting[decisionID]
		if ok && cur == p {
			delete(g.waiting, decisionID)
		}
		g.mu.Unlock()
		if ok && cur == p {
			g.logger.Warn("approval: window expired", "decision_id", decisionID, "timeout", g.timeout)
			p.result <- Outcome{Status: model.StatusTimedOut}
		}
	})
	g.mu.Unlock()
	return p.result
}

// Abort removes a pending decision and closes its result channel
// without delivering a verdict. Used on pipeline shutdown; the decision
// stays AwaitingApproval in storage and times out administratively.
func (g *Gate) Abort(decisionID uuid.UUID) {
	g.mu.Lock()
	p, ok := g.waiting[decisionID]
	if ok {
		delete(g.waiting, decisionID)
	}
	g.mu.Unlock()
	if ok {
		p.timer.Stop()
		close(p.result)
	}
}

// Drain aborts every pending decision and puts the gate in a terminal
// state where Await returns a closed channel immediately. Called once
// on shutdown; the aborted decisions stay AwaitingApproval in storage.
func (g *Gate) Drain() {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		return
	}
	g.draining = true
	waiting := g.waiting
	g.waiting = make(map[uuid.UUID]*pending)
	g.mu.Unlock()

	for _, p := range waiting {
		p.timer.Stop()
		close(p.result)
	}
	if len(waiting) > 0 {
		g.logger.Info("approval: gate drained", "aborted", len(waiting))
	}
}

// Submit validates an attestation and, on success, transitions the
// decision to Approved. Validation order: the decision must currently be
// awaiting approval, the statement must bind to this exact decision id,
// and the signature must verify against the approver's known key. A
// rejected submission does not consume the pending state.
func (g *Gate) Submit(att model.Attestation) error {
	g.mu.Lock()
	p, ok := g.waiting[att.DecisionID]
	g.mu.Unlock()
	if !ok {
		return ErrNotAwaitingApproval
	}

	if att.Statement != model.ApprovalStatement(att.DecisionID) {
		return ErrStatementMismatch
	}
	if !g.verifier.Verify(StatementHash(att.Statement), att.Signature, att.ApproverID) {
		return ErrSignatureInvalid
	}

	// Re-check under the lock: the timer may have fired between
	// validation and commit.
	g.mu.Lock()
	cur, ok := g.waiting[att.DecisionID]
	if !ok || cur != p {
		g.mu.Unlock()
		return ErrNotAwaitingApproval
	}
	delete(g.waiting, att.DecisionID)
	g.mu.Unlock()

	p.timer.Stop()
	attCopy := att
	p.result <- Outcome{Status: model.StatusApproved, Attestation: &attCopy}
	g.logger.Info("approval: attestation accepted",
		"decision_id", att.DecisionID, "approver_id", att.ApproverID)
	return nil
}

// AwaitingCount returns how many decisions are currently pending.
func (g *Gate) AwaitingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiting)
}
