// Package policy is the rule gate of the pipeline: allowlist/denylist
// membership, the untrusted-write rejection, and the active invariant
// set with compiled CEL properties. Configuration is versioned as
// immutable snapshots swapped atomically, so concurrent decisions always
// evaluate against a consistent rule set.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/ashita-ai/monban/internal/model"
)

// DefaultQuorumThreshold is the global approve-ratio threshold used when
// no operator override is configured.
const DefaultQuorumThreshold = 0.67

var (
	// ErrInvariantNotFound is returned when removing an unknown invariant id.
	ErrInvariantNotFound = errors.New("policy: invariant not found")
	// ErrDuplicateInvariant is returned when adding an id that already exists.
	ErrDuplicateInvariant = errors.New("policy: invariant id already exists")

	errNotBool = errors.New("policy: invariant property did not evaluate to bool")
)

// State is the persisted policy configuration, loaded at startup.
type State struct {
	Allowlist    []string
	Denylist     []string
	Invariants   []model.Invariant
	Quorum       float64
	QuorumByKind map[model.ActionKind]float64
}

// Store persists policy mutations. Implemented by *storage.DB; nil means
// in-memory only (tests, embedded use without Postgres).
type Store interface {
	LoadPolicy(ctx context.Context) (State, error)
	InsertInvariant(ctx context.Context, inv model.Invariant) error
	DeleteInvariant(ctx context.Context, id string) error
	InsertListRule(ctx context.Context, list, target string) error
	UpsertQuorum(ctx context.Context, kind string, threshold float64) error
}

// Engine owns the current policy snapshot and serializes mutations.
// Reads never block: Current() is a single atomic pointer load.
type Engine struct {
	env    *cel.Env
	store  Store
	logger *slog.Logger

	mu  sync.Mutex // serializes mutations
	cur atomic.Pointer[Snapshot]

	// Program cache keyed by property expression, shared across snapshot
	// rebuilds so re-adding a rule does not recompile it.
	prgMu    sync.RWMutex
	prgCache map[string]cel.Program
}

// New builds an engine and loads persisted state from store when
// non-nil. An invariant that no longer compiles is dropped with a log
// line rather than wedging startup.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("before", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("delta", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("target", cel.StringType),
		cel.Variable("kind", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	e := &Engine{
		env:      env,
		store:    store,
		logger:   logger,
		prgCache: make(map[string]cel.Program),
	}

	st := State{Quorum: DefaultQuorumThreshold}
	if store != nil {
		loaded, err := store.LoadPolicy(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy: load persisted state: %w", err)
		}
		st = loaded
		if st.Quorum == 0 {
			st.Quorum = DefaultQuorumThreshold
		}
	}

	snap := &Snapshot{
		version:        1,
		effectiveSince: time.Now().UTC(),
		allowlist:      toSet(st.Allowlist),
		denylist:       toSet(st.Denylist),
		quorum:         st.Quorum,
		quorumByKind:   st.QuorumByKind,
	}
	for _, inv := range st.Invariants {
		ci, err := e.compile(inv)
		if err != nil {
			logger.Warn("policy: dropping persisted invariant that no longer compiles",
				"invariant_id", inv.ID, "error", err)
			continue
		}
		snap.invariants = append(snap.invariants, ci)
	}
	sortInvariants(snap.invariants)
	e.cur.Store(snap)
	return e, nil
}

// Current returns the active snapshot. Callers capture it once per
// decision and use it for the decision's whole lifecycle.
func (e *Engine) Current() *Snapshot {
	return e.cur.Load()
}

// AddInvariant compiles, persists, and activates a new invariant.
func (e *Engine) AddInvariant(ctx context.Context, inv model.Invariant) error {
	ci, err := e.compile(inv)
	if err != nil {
		return fmt.Errorf("policy: compile invariant %q: %w", inv.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	for _, existing := range cur.invariants {
		if existing.ID == inv.ID {
			return ErrDuplicateInvariant
		}
	}
	if e.store != nil {
		if err := e.store.InsertInvariant(ctx, inv); err != nil {
			return fmt.Errorf("policy: persist invariant: %w", err)
		}
	}

	next := e.clone(cur)
	next.invariants = append(next.invariants, ci)
	sortInvariants(next.invariants)
	e.cur.Store(next)
	e.logger.Info("policy: invariant added", "invariant_id", inv.ID, "version", next.version)
	return nil
}

// RemoveInvariant deactivates and unpersists an invariant by id.
func (e *Engine) RemoveInvariant(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	idx := -1
	for i, ci := range cur.invariants {
		if ci.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrInvariantNotFound
	}
	if e.store != nil {
		if err := e.store.DeleteInvariant(ctx, id); err != nil {
			return fmt.Errorf("policy: unpersist invariant: %w", err)
		}
	}

	next := e.clone(cur)
	next.invariants = append(next.invariants[:idx:idx], next.invariants[idx+1:]...)
	e.cur.Store(next)
	e.logger.Info("policy: invariant removed", "invariant_id", id, "version", next.version)
	return nil
}

// AddAllowlist adds a target to the allowlist. Idempotent.
func (e *Engine) AddAllowlist(ctx context.Context, target string) error {
	return e.addListRule(ctx, "allow", target)
}

// AddDenylist adds a target to the denylist. Idempotent. Denylist
// membership beats allowlist membership at evaluation time.
func (e *Engine) AddDenylist(ctx context.Context, target string) error {
	return e.addListRule(ctx, "deny", target)
}

func (e *Engine) addListRule(ctx context.Context, list, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store != nil {
		if err := e.store.InsertListRule(ctx, list, target); err != nil {
			return fmt.Errorf("policy: persist %slist rule: %w", list, err)
		}
	}

	next := e.clone(e.cur.Load())
	switch list {
	case "allow":
		next.allowlist[target] = struct{}{}
	case "deny":
		next.denylist[target] = struct{}{}
	}
	e.cur.Store(next)
	e.logger.Info("policy: list rule added", "list", list, "target", target, "version", next.version)
	return nil
}

// SetQuorum sets the global threshold (kind == nil) or a per-kind
// override. Threshold validity is the caller's concern (API layer).
func (e *Engine) SetQuorum(ctx context.Context, kind *model.ActionKind, threshold float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	kindKey := ""
	if kind != nil {
		kindKey = string(*kind)
	}
	if e.store != nil {
		if err := e.store.UpsertQuorum(ctx, kindKey, threshold); err != nil {
			return fmt.Errorf("policy: persist quorum threshold: %w", err)
		}
	}

	next := e.clone(e.cur.Load())
	if kind == nil {
		next.quorum = threshold
	} else {
		if next.quorumByKind == nil {
			next.quorumByKind = make(map[model.ActionKind]float64)
		}
		next.quorumByKind[*kind] = threshold
	}
	e.cur.Store(next)
	e.logger.Info("policy: quorum threshold set", "kind", kindKey, "threshold", threshold, "version", next.version)
	return nil
}

// compile builds (or fetches from cache) the CEL program for an
// invariant property and checks it is a boolean expression.
func (e *Engine) compile(inv model.Invariant) (CompiledInvariant, error) {
	e.prgMu.RLock()
	prg, hit := e.prgCache[inv.Property]
	e.prgMu.RUnlock()
	if hit {
		return CompiledInvariant{Invariant: inv, prg: prg}, nil
	}

	ast, issues := e.env.Compile(inv.Property)
	if issues != nil && issues.Err() != nil {
		return CompiledInvariant{}, fmt.Errorf("compile: %w", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return CompiledInvariant{}, fmt.Errorf("property must be a boolean expression, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return CompiledInvariant{}, fmt.Errorf("program: %w", err)
	}

	e.prgMu.Lock()
	e.prgCache[inv.Property] = prg
	e.prgMu.Unlock()
	return CompiledInvariant{Invariant: inv, prg: prg}, nil
}

// clone copies a snapshot with a bumped version. Invariant programs are
// shared; list maps are copied so the old snapshot stays immutable.
func (e *Engine) clone(cur *Snapshot) *Snapshot {
	next := &Snapshot{
		version:        cur.version + 1,
		effectiveSince: time.Now().UTC(),
		allowlist:      make(map[string]struct{}, len(cur.allowlist)),
		denylist:       make(map[string]struct{}, len(cur.denylist)),
		invariants:     append([]CompiledInvariant(nil), cur.invariants...),
		quorum:         cur.quorum,
	}
	for k := range cur.allowlist {
		next.allowlist[k] = struct{}{}
	}
	for k := range cur.denylist {
		next.denylist[k] = struct{}{}
	}
	if len(cur.quorumByKind) > 0 {
		next.quorumByKind = make(map[model.ActionKind]float64, len(cur.quorumByKind))
		for k, v := range cur.quorumByKind {
			next.quorumByKind[k] = v
		}
	}
	return next
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

// sortInvariants keeps a stable id order so evaluation is deterministic.
func sortInvariants(invs []CompiledInvariant) {
	sort.Slice(invs, func(i, j int) bool { return invs[i].ID < invs[j].ID })
}
