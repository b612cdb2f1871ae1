package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/monban/internal/model"
)

// InsertDecision persists a freshly submitted decision.
func (db *DB) InsertDecision(ctx context.Context, d model.Decision) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	params, err := json.Marshal(d.Request.Parameters)
	if err != nil {
		return fmt.Errorf("storage: marshal parameters: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO decisions (id, agent_id, action_kind, target, raw_input, parameters,
		 trust_level, trust_detail, policy_result, simulation_result, consensus_outcome,
		 attestation, execution_result, phase, final_status, reason_code, reason,
		 audit_hash, received_at, created_at, updated_at, finalized_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		d.ID, d.Request.AgentID, string(d.Request.ActionKind), d.Request.Target,
		d.Request.RawInput, params,
		d.TrustLevel.String(), d.TrustDetail,
		marshalNullable(d.Policy), marshalNullable(d.Simulation), marshalNullable(d.Consensus),
		marshalNullable(d.Attestation), marshalNullable(d.Execution),
		string(d.Phase), string(d.FinalStatus), d.ReasonCode, d.Reason,
		d.AuditHash, d.Request.ReceivedAt, d.CreatedAt, d.UpdatedAt, d.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert decision: %w", err)
	}
	return nil
}

// UpdateDecision overwrites the mutable columns of a decision. The
// request columns never change after insert.
func (db *DB) UpdateDecision(ctx context.Context, d model.Decision) error {
	d.UpdatedAt = time.Now().UTC()
	// Pipeline workers and the approval gate race on the same row, so
	// retry serialization conflicts before failing the phase.
	return WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE decisions SET trust_level = $2, trust_detail = $3, policy_result = $4,
			 simulation_result = $5, consensus_outcome = $6, attestation = $7,
			 execution_result = $8, phase = $9, final_status = $10, reason_code = $11,
			 reason = $12, audit_hash = $13, updated_at = $14, finalized_at = $15
			 WHERE id = $1`,
			d.ID,
			d.TrustLevel.String(), d.TrustDetail,
			marshalNullable(d.Policy), marshalNullable(d.Simulation), marshalNullable(d.Consensus),
			marshalNullable(d.Attestation), marshalNullable(d.Execution),
			string(d.Phase), string(d.FinalStatus), d.ReasonCode, d.Reason,
			d.AuditHash, d.UpdatedAt, d.FinalizedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update decision: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: update decision %s: %w", d.ID, ErrNotFound)
		}
		return nil
	})
}

const decisionColumns = `id, agent_id, action_kind, target, raw_input, parameters,
	 trust_level, trust_detail, policy_result, simulation_result, consensus_outcome,
	 attestation, execution_result, phase, final_status, reason_code, reason,
	 audit_hash, received_at, created_at, updated_at, finalized_at`

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// DecisionFilters narrows ListDecisions.
type DecisionFilters struct {
	AgentID    string
	Status     model.FinalStatus
	ActionKind model.ActionKind
	Target     string
	Limit      int
	Offset     int
}

// ListDecisions returns decisions newest-first with the total count.
func (db *DB) ListDecisions(ctx context.Context, f DecisionFilters) ([]model.Decision, int, error) {
	var conditions []string
	var args []any
	idx := 1
	if f.AgentID != "" {
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", idx))
		args = append(args, f.AgentID)
		idx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("final_status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.ActionKind != "" {
		conditions = append(conditions, fmt.Sprintf("action_kind = $%d", idx))
		args = append(args, string(f.ActionKind))
		idx++
	}
	if f.Target != "" {
		conditions = append(conditions, fmt.Sprintf("target = $%d", idx))
		args = append(args, f.Target)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count decisions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM decisions%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		decisionColumns, where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// CountByStatus returns decision counts grouped by final status, for
// the health and stats endpoints.
func (db *DB) CountByStatus(ctx context.Context) (map[model.FinalStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT final_status, COUNT(*) FROM decisions GROUP BY final_status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.FinalStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		counts[model.FinalStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (model.Decision, error) {
	var d model.Decision
	var params []byte
	var trustLevel, actionKind, phase, finalStatus string
	var policy, simulation, consensus, attestation, execution []byte

	if err := row.Scan(
		&d.ID, &d.Request.AgentID, &actionKind, &d.Request.Target, &d.Request.RawInput, &params,
		&trustLevel, &d.TrustDetail, &policy, &simulation, &consensus,
		&attestation, &execution, &phase, &finalStatus, &d.ReasonCode, &d.Reason,
		&d.AuditHash, &d.Request.ReceivedAt, &d.CreatedAt, &d.UpdatedAt, &d.FinalizedAt,
	); err != nil {
		return model.Decision{}, err
	}
	d.Request.ID = d.ID
	d.Request.ActionKind = model.ActionKind(actionKind)
	d.Phase = model.Phase(phase)
	d.FinalStatus = model.FinalStatus(finalStatus)
	if err := d.TrustLevel.UnmarshalJSON([]byte(`"` + trustLevel + `"`)); err != nil {
		return model.Decision{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &d.Request.Parameters); err != nil {
			return model.Decision{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if err := unmarshalNullable(policy, &d.Policy); err != nil {
		return model.Decision{}, err
	}
	if err := unmarshalNullable(simulation, &d.Simulation); err != nil {
		return model.Decision{}, err
	}
	if err := unmarshalNullable(consensus, &d.Consensus); err != nil {
		return model.Decision{}, err
	}
	if err := unmarshalNullable(attestation, &d.Attestation); err != nil {
		return model.Decision{}, err
	}
	if err := unmarshalNullable(execution, &d.Execution); err != nil {
		return model.Decision{}, err
	}
	return d, nil
}

// marshalNullable encodes a pointer as JSONB, nil staying SQL NULL.
func marshalNullable[T any](v *T) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalNullable[T any](b []byte, dst **T) error {
	if len(b) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	*dst = &v
	return nil
}
