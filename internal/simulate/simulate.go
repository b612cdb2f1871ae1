// Package simulate runs requested actions against an isolated in-memory
// model of the target systems and checks the active invariant set on the
// predicted post-state. The real target is never touched. Simulation is
// strictly deterministic: identical request plus identical invariant set
// always produces an identical result.
package simulate

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/policy"
)

// Simulator holds the world model: per-target key/value state. The model
// is seeded at startup (optionally from a SQLite state snapshot) and via
// Seed; simulation works on copies and never mutates it.
type Simulator struct {
	mu     sync.RWMutex
	world  map[string]map[string]any
	logger *slog.Logger
}

// New returns an empty simulator.
func New(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		world:  make(map[string]map[string]any),
		logger: logger,
	}
}

// Seed installs or replaces the modeled state for one target.
func (s *Simulator) Seed(target string, state map[string]any) {
	copied := make(map[string]any, len(state))
	for k, v := range state {
		copied[k] = v
	}
	s.mu.Lock()
	s.world[target] = copied
	s.mu.Unlock()
}

// Targets returns the modeled target names, sorted.
func (s *Simulator) Targets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.world))
	for t := range s.world {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Simulate applies the request to a copy of the target's modeled state
// and evaluates every given invariant against the outcome. Mutating
// actions on an unmodeled target fail with the synthetic
// SIMULATION_UNAVAILABLE violation; a simulation that cannot run never
// silently approves.
func (s *Simulator) Simulate(req model.Request, invariants []policy.CompiledInvariant) model.SimulationResult {
	s.mu.RLock()
	modeled, known := s.world[req.Target]
	before := make(map[string]any, len(modeled))
	for k, v := range modeled {
		before[k] = v
	}
	s.mu.RUnlock()

	if !known && req.ActionKind.Mutating() {
		return model.SimulationResult{
			Passed: false,
			Delta:  model.StateDelta{Target: req.Target, Before: map[string]any{}, After: map[string]any{}},
			Violations: []model.InvariantViolation{{
				InvariantID: model.ViolationSimulationUnavailable,
				Detail:      "no state model for target " + req.Target,
			}},
		}
	}

	after := make(map[string]any, len(before)+len(req.Parameters))
	for k, v := range before {
		after[k] = v
	}
	delta := make(map[string]any)
	if req.ActionKind.Mutating() {
		for k, v := range req.Parameters {
			if prev, ok := after[k]; !ok || prev != v {
				delta[k] = v
			}
			after[k] = v
		}
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	activation := map[string]any{
		"state":  after,
		"before": before,
		"delta":  delta,
		"params": params,
		"target": req.Target,
		"kind":   string(req.ActionKind),
	}

	result := model.SimulationResult{
		Delta:     model.StateDelta{Target: req.Target, Before: before, After: after},
		Evaluated: len(invariants),
	}
	for _, inv := range invariants {
		holds, err := inv.Holds(activation)
		if err != nil {
			// An invariant that cannot be evaluated counts as violated.
			s.logger.Warn("simulate: invariant evaluation failed",
				"invariant_id", inv.ID, "request_id", req.ID, "error", err)
			result.Violations = append(result.Violations, model.InvariantViolation{
				InvariantID: inv.ID,
				Name:        inv.Name,
				Detail:      "evaluation error: " + err.Error(),
			})
			continue
		}
		if !holds {
			result.Violations = append(result.Violations, model.InvariantViolation{
				InvariantID: inv.ID,
				Name:        inv.Name,
				Detail:      "property " + inv.Property + " does not hold",
			})
		}
	}
	result.Passed = len(result.Violations) == 0
	return result
}
