package policy

import (
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ashita-ai/monban/internal/model"
)

// CompiledInvariant pairs an invariant with its compiled CEL program.
// The program is compiled once at snapshot build time; evaluation is
// side-effect free and safe for concurrent use.
type CompiledInvariant struct {
	model.Invariant
	prg cel.Program
}

// Holds evaluates the invariant's property against an activation map.
// Returns false on any evaluation error: an invariant that cannot be
// checked counts as violated.
func (ci CompiledInvariant) Holds(activation map[string]any) (bool, error) {
	out, _, err := ci.prg.Eval(activation)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errNotBool
	}
	return v, nil
}

// Snapshot is one immutable version of the policy configuration. Every
// in-flight decision captures a snapshot at classification time and uses
// it for its whole lifecycle, so a policy mutation never changes the
// rules under a running evaluation.
type Snapshot struct {
	version        uint64
	effectiveSince time.Time
	allowlist      map[string]struct{}
	denylist       map[string]struct{}
	invariants     []CompiledInvariant
	quorum         float64
	quorumByKind   map[model.ActionKind]float64
}

// Version returns the monotonically increasing snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// Evaluate applies the policy gate to a classified request.
// Order matters: the trust gate runs first, then denylist (explicit deny
// beats explicit allow), then the allowlist requirement for mutating
// actions. Read actions bypass the allowlist.
func (s *Snapshot) Evaluate(req model.Request, trust model.TrustLevel) model.PolicyResult {
	if trust == model.TrustUntrusted && req.ActionKind.Mutating() {
		return model.PolicyResult{
			Allowed:     false,
			Reason:      "untrusted source may not perform non-read actions",
			MatchedRule: "trust-gate",
		}
	}
	if _, denied := s.denylist[req.Target]; denied {
		return model.PolicyResult{
			Allowed:     false,
			Reason:      "target is denylisted",
			MatchedRule: "denylist:" + req.Target,
		}
	}
	if req.ActionKind.Mutating() {
		if _, allowed := s.allowlist[req.Target]; !allowed {
			return model.PolicyResult{
				Allowed:     false,
				Reason:      "target is not allowlisted for " + string(req.ActionKind) + " actions",
				MatchedRule: "allowlist-required",
			}
		}
		return model.PolicyResult{
			Allowed:     true,
			Reason:      "target allowlisted",
			MatchedRule: "allowlist:" + req.Target,
		}
	}
	return model.PolicyResult{
		Allowed: true,
		Reason:  "read action permitted",
	}
}

// InvariantsFor returns the compiled invariants active for the given
// action kind, optionally restricted to a set of domains (empty = all).
// The returned slice is ordered by invariant id for determinism.
func (s *Snapshot) InvariantsFor(kind model.ActionKind, domains []string) []CompiledInvariant {
	var domainSet map[string]struct{}
	if len(domains) > 0 {
		domainSet = make(map[string]struct{}, len(domains))
		for _, d := range domains {
			domainSet[d] = struct{}{}
		}
	}
	var out []CompiledInvariant
	for _, ci := range s.invariants {
		if !ci.AppliesTo(kind) {
			continue
		}
		if domainSet != nil {
			if _, ok := domainSet[ci.Domain]; !ok {
				continue
			}
		}
		out = append(out, ci)
	}
	return out
}

// QuorumFor returns the quorum threshold for an action kind: the per-kind
// override when present, the global default otherwise.
func (s *Snapshot) QuorumFor(kind model.ActionKind) float64 {
	if t, ok := s.quorumByKind[kind]; ok {
		return t
	}
	return s.quorum
}

// View renders the snapshot for the operator read path. Lists are sorted
// so repeated reads are stable.
func (s *Snapshot) View() model.PolicyView {
	v := model.PolicyView{
		Allowlist:      sortedKeys(s.allowlist),
		Denylist:       sortedKeys(s.denylist),
		Invariants:     make([]model.Invariant, len(s.invariants)),
		Quorum:         s.quorum,
		Version:        s.version,
		EffectiveSince: s.effectiveSince,
	}
	for i, ci := range s.invariants {
		v.Invariants[i] = ci.Invariant
	}
	if len(s.quorumByKind) > 0 {
		v.QuorumByKind = make(map[model.ActionKind]float64, len(s.quorumByKind))
		for k, t := range s.quorumByKind {
			v.QuorumByKind[k] = t
		}
	}
	return v
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
