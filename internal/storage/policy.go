package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/policy"
)

// LoadPolicy reads the full persisted policy configuration: list rules,
// invariants, and quorum thresholds.
func (db *DB) LoadPolicy(ctx context.Context) (policy.State, error) {
	var st policy.State
	st.QuorumByKind = make(map[model.ActionKind]float64)

	rows, err := db.pool.Query(ctx, `SELECT list, target FROM policy_lists ORDER BY target`)
	if err != nil {
		return st, fmt.Errorf("storage: load policy lists: %w", err)
	}
	for rows.Next() {
		var list, target string
		if err := rows.Scan(&list, &target); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage: scan policy list: %w", err)
		}
		switch list {
		case "allow":
			st.Allowlist = append(st.Allowlist, target)
		case "deny":
			st.Denylist = append(st.Denylist, target)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("storage: load policy lists: %w", err)
	}

	rows, err = db.pool.Query(ctx,
		`SELECT id, name, property, domain, kinds, created_at FROM policy_invariants ORDER BY id`)
	if err != nil {
		return st, fmt.Errorf("storage: load invariants: %w", err)
	}
	for rows.Next() {
		var inv model.Invariant
		var kinds []string
		if err := rows.Scan(&inv.ID, &inv.Name, &inv.Property, &inv.Domain, &kinds, &inv.CreatedAt); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage: scan invariant: %w", err)
		}
		for _, k := range kinds {
			inv.Kinds = append(inv.Kinds, model.ActionKind(k))
		}
		st.Invariants = append(st.Invariants, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("storage: load invariants: %w", err)
	}

	rows, err = db.pool.Query(ctx, `SELECT kind, threshold FROM policy_quorum`)
	if err != nil {
		return st, fmt.Errorf("storage: load quorum config: %w", err)
	}
	for rows.Next() {
		var kind string
		var threshold float64
		if err := rows.Scan(&kind, &threshold); err != nil {
			rows.Close()
			return st, fmt.Errorf("storage: scan quorum config: %w", err)
		}
		if kind == "" {
			st.Quorum = threshold
		} else {
			st.QuorumByKind[model.ActionKind(kind)] = threshold
		}
	}
	rows.Close()
	return st, rows.Err()
}

// InsertInvariant persists a new invariant definition.
func (db *DB) InsertInvariant(ctx context.Context, inv model.Invariant) error {
	kinds := make([]string, len(inv.Kinds))
	for i, k := range inv.Kinds {
		kinds[i] = string(k)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO policy_invariants (id, name, property, domain, kinds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inv.ID, inv.Name, inv.Property, inv.Domain, kinds, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert invariant: %w", err)
	}
	return nil
}

// DeleteInvariant removes an invariant definition by id.
func (db *DB) DeleteInvariant(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM policy_invariants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete invariant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: invariant %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertListRule adds a target to the allow or deny list. Re-adding an
// existing rule is a no-op.
func (db *DB) InsertListRule(ctx context.Context, list, target string) error {
	return WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO policy_lists (list, target) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			list, target,
		)
		if err != nil {
			return fmt.Errorf("storage: insert list rule: %w", err)
		}
		return nil
	})
}

// UpsertQuorum sets the quorum threshold for an action kind; kind ""
// is the global default.
func (db *DB) UpsertQuorum(ctx context.Context, kind string, threshold float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO policy_quorum (kind, threshold) VALUES ($1, $2)
		 ON CONFLICT (kind) DO UPDATE SET threshold = EXCLUDED.threshold`,
		kind, threshold,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert quorum: %w", err)
	}
	return nil
}
