// Package pipeline sequences the gating phases for every submitted
// request: classify, policy-check, simulate, gather consensus, await
// human approval for non-read actions, then actuate. Requests are
// processed concurrently on a bounded worker pool, but one request's
// phases run strictly sequentially, and every transition is written to
// the audit chain before the next phase begins.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/actuate"
	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/consensus"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/provenance"
	"github.com/ashita-ai/monban/internal/simulate"
)

var (
	// ErrSaturated is returned by Submit when the worker queue is full.
	ErrSaturated = errors.New("pipeline: saturated, try again later")
	// ErrShuttingDown is returned by Submit after Shutdown has begun.
	ErrShuttingDown = errors.New("pipeline: shutting down")
	// ErrNotCancellable is returned by Cancel once a decision has passed
	// the policy-check phase or reached a terminal state.
	ErrNotCancellable = errors.New("pipeline: decision is past the cancellable phases")
	// ErrNotInFlight is returned by Cancel for unknown decision ids.
	ErrNotInFlight = errors.New("pipeline: decision is not in flight")
)

// DecisionStore persists decisions. Implemented by *storage.DB and by
// MemoryDecisions.
type DecisionStore interface {
	InsertDecision(ctx context.Context, dec model.Decision) error
	UpdateDecision(ctx context.Context, dec model.Decision) error
	GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error)
}

// Hook observes finalized decisions. Called synchronously after the
// terminal state is durable; hooks must not block.
type Hook func(model.Decision)

// Config tunes the orchestrator.
type Config struct {
	Workers      int
	QueueDepth   int
	PhaseTimeout time.Duration // bounds consensus gathering and actuation per phase
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 30 * time.Second
	}
	return c
}

type inflight struct {
	mu        sync.Mutex
	phase     model.Phase
	cancelled bool
}

// cancellable reports whether the decision may still be cancelled.
// Cancellation is permitted only pre-simulation.
func (f *inflight) cancellable() bool {
	switch f.phase {
	case model.PhaseReceived, model.PhaseClassified, model.PhasePolicyChecked:
		return true
	}
	return false
}

// Orchestrator owns the per-request phase state machine.
type Orchestrator struct {
	cfg        Config
	classifier *provenance.Classifier
	policies   *policy.Engine
	sim        *simulate.Simulator
	voters     *consensus.Coordinator
	gate       *approval.Gate
	executor   *actuate.Executor
	recorder   *audit.Recorder
	store      DecisionStore
	hooks      []Hook
	logger     *slog.Logger
	metrics    *metrics

	jobs chan model.Decision
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  map[uuid.UUID]*inflight
	draining bool
}

// New wires an orchestrator. Start must be called before Submit.
func New(
	cfg Config,
	classifier *provenance.Classifier,
	policies *policy.Engine,
	sim *simulate.Simulator,
	voters *consensus.Coordinator,
	gate *approval.Gate,
	executor *actuate.Executor,
	recorder *audit.Recorder,
	store DecisionStore,
	logger *slog.Logger,
	hooks ...Hook,
) *Orchestrator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		classifier: classifier,
		policies:   policies,
		sim:        sim,
		voters:     voters,
		gate:       gate,
		executor:   executor,
		recorder:   recorder,
		store:      store,
		hooks:      hooks,
		logger:     logger,
		metrics:    newMetrics(),
		jobs:       make(chan model.Decision, cfg.QueueDepth),
		running:    make(map[uuid.UUID]*inflight),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case dec, ok := <-o.jobs:
					if !ok {
						return
					}
					o.run(ctx, dec)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Shutdown stops accepting submissions and waits for in-flight phase
// work to finish. Draining the gate releases decisions blocked on human
// approval, and any worker that reaches the gate afterwards gets a
// closed channel instead of parking for the approval window. Aborted
// decisions stay AwaitingApproval in storage.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()
	o.gate.Drain()
	close(o.jobs)
	o.wg.Wait()
}

// InFlight returns the number of decisions currently being processed.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// Saturated reports whether the submission queue is near capacity.
func (o *Orchestrator) Saturated() bool {
	return len(o.jobs) >= o.cfg.QueueDepth*9/10
}

// Submit accepts a request, mints a decision id, durably records the
// Received transition, and enqueues the pipeline run. It returns as
// soon as the request is accepted for processing.
func (o *Orchestrator) Submit(ctx context.Context, req model.Request) (uuid.UUID, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return uuid.Nil, ErrShuttingDown
	}
	o.mu.Unlock()

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	dec := model.Decision{
		ID:          uuid.New(),
		Request:     req,
		Phase:       model.PhaseReceived,
		FinalStatus: model.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	// Write-ahead: the Received record must be durable before the
	// decision exists anywhere else.
	if _, err := o.recorder.Append(ctx, dec.ID, model.PhaseReceived, map[string]any{
		"agent_id":    req.AgentID,
		"action_kind": string(req.ActionKind),
		"target":      req.Target,
	}); err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: audit received: %w", err)
	}
	if err := o.store.InsertDecision(ctx, dec); err != nil {
		return uuid.Nil, fmt.Errorf("pipeline: persist decision: %w", err)
	}

	o.mu.Lock()
	o.running[dec.ID] = &inflight{phase: model.PhaseReceived}
	o.mu.Unlock()

	select {
	case o.jobs <- dec:
		o.metrics.submitted(ctx, req.ActionKind)
		return dec.ID, nil
	default:
		o.mu.Lock()
		delete(o.running, dec.ID)
		o.mu.Unlock()
		dec.FinalStatus = model.StatusRejected
		dec.ReasonCode = model.ReasonInputRejected
		dec.Reason = "pipeline saturated"
		o.finalize(ctx, &dec, nil)
		return uuid.Nil, ErrSaturated
	}
}

// Cancel aborts an in-flight decision. Allowed only while the decision
// is in the Received, Classified, or PolicyChecked phase.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	f, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return ErrNotInFlight
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancellable() {
		return ErrNotCancellable
	}
	f.cancelled = true
	o.logger.Info("pipeline: cancellation requested", "decision_id", id, "phase", f.phase)
	return nil
}

// run executes one decision's phases strictly in order.
func (o *Orchestrator) run(ctx context.Context, dec model.Decision) {
	o.mu.Lock()
	f := o.running[dec.ID]
	o.mu.Unlock()
	if f == nil {
		// Submit raced Shutdown; the decision stays pending in storage.
		return
	}

	if o.checkCancelled(ctx, &dec, f) {
		return
	}

	// Phase: classify. The policy snapshot is captured here and used for
	// the decision's whole lifecycle.
	cls := o.classifier.Classify(dec.Request)
	snap := o.policies.Current()
	dec.TrustLevel = cls.Level
	dec.TrustDetail = cls.Detail
	classified := map[string]any{
		"level":          cls.Level.String(),
		"declared_tag":   cls.DeclaredTag,
		"downgraded":     cls.Downgraded,
		"detail":         cls.Detail,
		"pattern_id":     cls.PatternID,
		"policy_version": snap.Version(),
	}
	if cls.RedactedInput != "" {
		// Flagged input enters the audit trail redacted only.
		classified["redacted_input"] = cls.RedactedInput
	}
	if !o.transition(ctx, &dec, f, model.PhaseClassified, classified) {
		return
	}
	if o.checkCancelled(ctx, &dec, f) {
		return
	}

	// Phase: policy.
	pol := snap.Evaluate(dec.Request, dec.TrustLevel)
	dec.Policy = &pol
	if !o.transition(ctx, &dec, f, model.PhasePolicyChecked, map[string]any{
		"allowed":      pol.Allowed,
		"reason":       pol.Reason,
		"matched_rule": pol.MatchedRule,
	}) {
		return
	}
	if !pol.Allowed {
		dec.FinalStatus = model.StatusRejected
		dec.ReasonCode = model.ReasonPolicyViolation
		dec.Reason = pol.Reason
		o.finalize(ctx, &dec, f)
		return
	}
	if o.checkCancelled(ctx, &dec, f) {
		return
	}

	// Phase: simulate. Past this point cancellation is refused.
	sim := o.sim.Simulate(dec.Request, snap.InvariantsFor(dec.Request.ActionKind, nil))
	dec.Simulation = &sim
	if !o.transition(ctx, &dec, f, model.PhaseSimulated, map[string]any{
		"passed":               sim.Passed,
		"violated_invariants":  sim.ViolatedIDs(),
		"evaluated_invariants": sim.Evaluated,
		"target":               sim.Delta.Target,
	}) {
		return
	}
	if !sim.Passed {
		dec.FinalStatus = model.StatusRejected
		dec.ReasonCode = model.ReasonInvariantViolation
		dec.Reason = fmt.Sprintf("violated invariants: %v", sim.ViolatedIDs())
		o.finalize(ctx, &dec, f)
		return
	}

	// Phase: consensus.
	voteCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	outcome := o.voters.GatherVotes(voteCtx, dec.Request, dec.TrustLevel, snap)
	cancel()
	dec.Consensus = &outcome
	for _, v := range outcome.Votes {
		// Every individual vote goes on the chain, not just the tally.
		if _, err := o.recorder.Append(ctx, dec.ID, model.PhaseConsensus, map[string]any{
			"agent_id":  v.AgentID,
			"approve":   v.Approve,
			"weight":    v.Weight,
			"rationale": v.Rationale,
		}); err != nil {
			o.auditFailure(ctx, &dec, f, err)
			return
		}
	}
	if !o.transition(ctx, &dec, f, model.PhaseConsensus, map[string]any{
		"approve_ratio": outcome.ApproveRatio,
		"threshold":     outcome.Threshold,
		"quorum_met":    outcome.QuorumMet,
		"votes":         len(outcome.Votes),
	}) {
		return
	}
	if !outcome.QuorumMet {
		dec.FinalStatus = model.StatusRejected
		dec.ReasonCode = model.ReasonQuorumNotMet
		dec.Reason = fmt.Sprintf("approve ratio %.2f below threshold %.2f (%d votes)",
			outcome.ApproveRatio, outcome.Threshold, len(outcome.Votes))
		o.finalize(ctx, &dec, f)
		return
	}

	// Phase: approval. Read actions skip the gate entirely.
	if !dec.Request.ActionKind.Mutating() {
		if !o.transition(ctx, &dec, f, model.PhaseApproved, map[string]any{
			"approval": "not_required",
		}) {
			return
		}
		dec.FinalStatus = model.StatusApproved
		dec.ReasonCode = model.ReasonApproved
		dec.Reason = "read action approved without attestation"
		o.execute(ctx, &dec, f)
		return
	}

	outcomeCh := o.gate.Await(dec.ID)
	dec.FinalStatus = model.StatusAwaitingApproval
	if !o.transition(ctx, &dec, f, model.PhaseApprovalPending, map[string]any{
		"quorum_ratio": outcome.ApproveRatio,
	}) {
		o.gate.Abort(dec.ID)
		return
	}
	o.persist(ctx, &dec)

	// Hooks see the awaiting state too, so approval dashboards get
	// notified without polling.
	for _, hook := range o.hooks {
		hook(dec)
	}

	// Waiting can span minutes; hand the worker back to the pool and
	// continue on a tracked goroutine once the gate resolves.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.metrics.awaiting(ctx, 1)
		defer o.metrics.awaiting(ctx, -1)
		select {
		case res, ok := <-outcomeCh:
			if !ok {
				// Aborted on shutdown; the decision stays AwaitingApproval.
				return
			}
			o.resolveApproval(ctx, &dec, f, res)
		case <-ctx.Done():
			o.gate.Abort(dec.ID)
		}
	}()
}

// resolveApproval finishes a decision after the gate's verdict.
func (o *Orchestrator) resolveApproval(ctx context.Context, dec *model.Decision, f *inflight, res approval.Outcome) {
	switch res.Status {
	case model.StatusApproved:
		dec.Attestation = res.Attestation
		if !o.transition(ctx, dec, f, model.PhaseApproved, map[string]any{
			"approver_id": res.Attestation.ApproverID,
			"statement":   res.Attestation.Statement,
		}) {
			return
		}
		dec.FinalStatus = model.StatusApproved
		dec.ReasonCode = model.ReasonApproved
		dec.Reason = "attested by " + res.Attestation.ApproverID
		o.execute(ctx, dec, f)
	case model.StatusTimedOut:
		dec.FinalStatus = model.StatusTimedOut
		dec.ReasonCode = model.ReasonApprovalTimeout
		dec.Reason = "no valid attestation within the approval window"
		o.finalize(ctx, dec, f)
	}
}

// execute invokes the actuator for an approved decision and finalizes.
func (o *Orchestrator) execute(ctx context.Context, dec *model.Decision, f *inflight) {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	res, err := o.executor.Execute(execCtx, *dec)
	cancel()
	if err != nil {
		if errors.Is(err, actuate.ErrAlreadyExecuted) {
			o.logger.Warn("pipeline: duplicate execution suppressed", "decision_id", dec.ID)
			o.finalize(ctx, dec, f)
			return
		}
		o.logger.Error("pipeline: execution error", "decision_id", dec.ID, "error", err)
		dec.Reason = "execution error: " + err.Error()
		dec.ReasonCode = model.ReasonActuationFailure
		o.finalize(ctx, dec, f)
		return
	}

	dec.Execution = &res
	if !res.Success {
		dec.ReasonCode = model.ReasonActuationFailure
		dec.Reason = "actuator failed after " + fmt.Sprintf("%d", res.Attempts) + " attempts: " + res.Detail
	}
	if _, err := o.recorder.Append(ctx, dec.ID, model.PhaseExecuted, map[string]any{
		"success":  res.Success,
		"attempts": res.Attempts,
		"detail":   res.Detail,
	}); err != nil {
		o.auditFailure(ctx, dec, f, err)
		return
	}
	o.setPhase(f, model.PhaseExecuted)
	dec.Phase = model.PhaseExecuted
	o.finalize(ctx, dec, f)
}

// transition audits a phase change (write-ahead) and persists the
// decision. Returns false when the audit append failed, in which case
// the decision is finalized on the audit-failure path and the caller
// must stop.
func (o *Orchestrator) transition(ctx context.Context, dec *model.Decision, f *inflight, phase model.Phase, payload map[string]any) bool {
	if _, err := o.recorder.Append(ctx, dec.ID, phase, payload); err != nil {
		o.auditFailure(ctx, dec, f, err)
		return false
	}
	o.setPhase(f, phase)
	dec.Phase = phase
	dec.UpdatedAt = time.Now().UTC()
	o.persist(ctx, dec)
	o.metrics.phase(ctx, phase)
	return true
}

// auditFailure handles a failed audit append: the phase transition is
// treated as not having happened and the decision fails closed.
func (o *Orchestrator) auditFailure(ctx context.Context, dec *model.Decision, f *inflight, err error) {
	o.logger.Error("pipeline: audit append failed, failing decision closed",
		"decision_id", dec.ID, "error", err)
	dec.FinalStatus = model.StatusRejected
	dec.ReasonCode = model.ReasonAuditWriteFailure
	dec.Reason = "audit trail unavailable"
	o.finalize(ctx, dec, f)
}

// checkCancelled finalizes the decision as Cancelled when a cancel
// request landed. Returns true when the run must stop.
func (o *Orchestrator) checkCancelled(ctx context.Context, dec *model.Decision, f *inflight) bool {
	f.mu.Lock()
	cancelled := f.cancelled
	f.mu.Unlock()
	if !cancelled {
		return false
	}
	dec.FinalStatus = model.StatusCancelled
	dec.ReasonCode = model.ReasonCancelled
	dec.Reason = "cancelled by caller before simulation"
	o.finalize(ctx, dec, f)
	return true
}

// finalize writes the terminal audit record, persists the decision, and
// notifies hooks. The finalized record's hash becomes the decision's
// audit anchor.
func (o *Orchestrator) finalize(ctx context.Context, dec *model.Decision, f *inflight) {
	now := time.Now().UTC()
	dec.FinalizedAt = &now
	dec.UpdatedAt = now
	dec.Phase = model.PhaseFinalized

	rec, err := o.recorder.Append(ctx, dec.ID, model.PhaseFinalized, map[string]any{
		"final_status": string(dec.FinalStatus),
		"reason_code":  dec.ReasonCode,
		"reason":       dec.Reason,
	})
	if err != nil {
		// Terminal state without a trail: record what we can and flag it.
		o.logger.Error("pipeline: finalization audit failed", "decision_id", dec.ID, "error", err)
		if dec.ReasonCode == "" {
			dec.ReasonCode = model.ReasonAuditWriteFailure
		}
	} else {
		dec.AuditHash = rec.Hash
	}
	o.persist(ctx, dec)

	if f != nil {
		o.mu.Lock()
		delete(o.running, dec.ID)
		o.mu.Unlock()
	}
	o.metrics.finalized(ctx, dec.FinalStatus)
	o.logger.Info("pipeline: decision finalized",
		"decision_id", dec.ID,
		"final_status", dec.FinalStatus,
		"reason_code", dec.ReasonCode,
		"action_kind", dec.Request.ActionKind,
		"target", dec.Request.Target,
	)
	for _, hook := range o.hooks {
		hook(*dec)
	}
}

func (o *Orchestrator) persist(ctx context.Context, dec *model.Decision) {
	if err := o.store.UpdateDecision(ctx, *dec); err != nil {
		o.logger.Error("pipeline: persist decision failed", "decision_id", dec.ID, "error", err)
	}
}

func (o *Orchestrator) setPhase(f *inflight, phase model.Phase) {
	f.mu.Lock()
	f.phase = phase
	f.mu.Unlock()
}
