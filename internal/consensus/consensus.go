// Package consensus gathers independent votes from configured checker
// agents. Each checker re-runs the policy gate and the simulator against
// its own invariant-domain subset; the coordinator aggregates weighted
// votes against the quorum threshold. No checkers configured is a
// fail-closed state: quorum is never met.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/policy"
	"github.com/ashita-ai/monban/internal/simulate"
)

// DefaultAgentTimeout bounds a single checker's vote.
const DefaultAgentTimeout = 2 * time.Second

// Coordinator fans vote-gathering out across the configured checkers.
type Coordinator struct {
	agents  []model.CheckerAgent
	timeout time.Duration
	sim     *simulate.Simulator
	logger  *slog.Logger

	// castVote is swapped in tests to simulate slow or stuck checkers.
	castVote func(agent model.CheckerAgent, req model.Request, trust model.TrustLevel, snap *policy.Snapshot) model.Vote
}

// New builds a coordinator over the given checker configuration.
func New(agents []model.CheckerAgent, timeout time.Duration, sim *simulate.Simulator, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		agents:  agents,
		timeout: timeout,
		sim:     sim,
		logger:  logger,
	}
	c.castVote = c.vote
	return c
}

// AgentCount returns the number of configured checkers.
func (c *Coordinator) AgentCount() int { return len(c.agents) }

// GatherVotes collects one vote per configured checker. All checkers
// simulate concurrently against independent state copies; a checker that
// does not answer within the per-agent timeout is recorded as an
// explicit approve=false vote, never excluded from the denominator.
func (c *Coordinator) GatherVotes(ctx context.Context, req model.Request, trust model.TrustLevel, snap *policy.Snapshot) model.ConsensusOutcome {
	threshold := snap.QuorumFor(req.ActionKind)
	if len(c.agents) == 0 {
		return model.ConsensusOutcome{
			Votes:        []model.Vote{},
			ApproveRatio: 0,
			Threshold:    threshold,
			QuorumMet:    false,
		}
	}

	votes := make([]model.Vote, len(c.agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range c.agents {
		g.Go(func() error {
			done := make(chan model.Vote, 1)
			go func() { done <- c.castVote(agent, req, trust, snap) }()

			timer := time.NewTimer(c.timeout)
			defer timer.Stop()
			select {
			case v := <-done:
				votes[i] = v
			case <-timer.C:
				c.logger.Warn("consensus: checker timed out",
					"checker_id", agent.ID, "request_id", req.ID, "timeout", c.timeout)
				votes[i] = failVote(agent, fmt.Sprintf("timeout: no vote within %s", c.timeout))
			case <-gctx.Done():
				votes[i] = failVote(agent, "cancelled: "+gctx.Err().Error())
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines only ever return nil

	var total, approving float64
	for _, v := range votes {
		total += v.Weight
		if v.Approve {
			approving += v.Weight
		}
	}
	ratio := 0.0
	if total > 0 {
		ratio = approving / total
	}
	return model.ConsensusOutcome{
		Votes:        votes,
		ApproveRatio: ratio,
		Threshold:    threshold,
		QuorumMet:    ratio >= threshold,
	}
}

// vote is one checker's independent re-run of policy plus simulation.
func (c *Coordinator) vote(agent model.CheckerAgent, req model.Request, trust model.TrustLevel, snap *policy.Snapshot) model.Vote {
	weight := agent.Weight
	if weight <= 0 {
		weight = 1.0
	}

	if res := snap.Evaluate(req, trust); !res.Allowed {
		return model.Vote{
			AgentID:   agent.ID,
			Approve:   false,
			Weight:    weight,
			Rationale: "policy: " + res.Reason,
			CastAt:    time.Now().UTC(),
		}
	}

	invs := snap.InvariantsFor(req.ActionKind, agent.InvariantDomains)
	sim := c.sim.Simulate(req, invs)
	if !sim.Passed {
		return model.Vote{
			AgentID:   agent.ID,
			Approve:   false,
			Weight:    weight,
			Rationale: fmt.Sprintf("simulation: violated %v", sim.ViolatedIDs()),
			CastAt:    time.Now().UTC(),
		}
	}
	return model.Vote{
		AgentID:   agent.ID,
		Approve:   true,
		Weight:    weight,
		Rationale: fmt.Sprintf("policy and %d invariants hold", sim.Evaluated),
		CastAt:    time.Now().UTC(),
	}
}

func failVote(agent model.CheckerAgent, rationale string) model.Vote {
	weight := agent.Weight
	if weight <= 0 {
		weight = 1.0
	}
	return model.Vote{
		AgentID:   agent.ID,
		Approve:   false,
		Weight:    weight,
		Rationale: rationale,
		CastAt:    time.Now().UTC(),
	}
}
