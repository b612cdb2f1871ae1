package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/monban/internal/model"
)

// DefaultInvariants is the operator-editable seed set installed on first
// boot when the invariant table is empty. Expressions see the simulated
// post-state (`state`), the pre-state (`before`), the changed keys
// (`delta`), the request parameters (`params`), and `target`/`kind`.
func DefaultInvariants() []model.Invariant {
	return []model.Invariant{
		{
			ID:       "pressure-limit",
			Name:     "Pressure stays below the safe limit",
			Domain:   "safety",
			Property: `!("pressure" in params) || double(params["pressure"]) < 100.0`,
			Kinds:    []model.ActionKind{model.ActionWrite, model.ActionCritical},
		},
		{
			ID:       "target-named",
			Name:     "Every action names a concrete target",
			Domain:   "compliance",
			Property: `target != ""`,
		},
		{
			ID:       "bounded-delta",
			Name:     "A single action changes a bounded number of keys",
			Domain:   "safety",
			Property: `delta.size() <= 16`,
			Kinds:    []model.ActionKind{model.ActionWrite, model.ActionCritical, model.ActionConfig},
		},
	}
}

// SeedDefaults installs DefaultInvariants when the engine holds none,
// persisting them through the configured store. Returns the number
// installed. Run once at startup: a fresh deployment otherwise gates
// with zero safety predicates.
func (e *Engine) SeedDefaults(ctx context.Context) (int, error) {
	if len(e.Current().View().Invariants) > 0 {
		return 0, nil
	}
	installed := 0
	for _, inv := range DefaultInvariants() {
		inv.CreatedAt = time.Now().UTC()
		if err := e.AddInvariant(ctx, inv); err != nil {
			return installed, fmt.Errorf("policy: seed invariant %q: %w", inv.ID, err)
		}
		installed++
	}
	return installed, nil
}
