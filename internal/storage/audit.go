package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/monban/internal/model"
)

// Head returns the sequence number and hash of the newest audit record.
// An empty chain returns (0, "").
func (db *DB) Head(ctx context.Context) (uint64, string, error) {
	var seq uint64
	var hash string
	err := db.pool.QueryRow(ctx,
		`SELECT seq, hash FROM audit_records ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("storage: audit head: %w", err)
	}
	return seq, hash, nil
}

// AppendRecord inserts one audit record. The seq column is the primary
// key, so a duplicate append from a competing writer fails loudly
// instead of forking the chain.
func (db *DB) AppendRecord(ctx context.Context, rec model.AuditRecord) error {
	// Only transient conflicts retry; a unique violation on seq still
	// surfaces immediately.
	return WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO audit_records (seq, decision_id, phase, payload, payload_hash, prev_hash, hash, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.Seq, rec.DecisionID, string(rec.Phase), rec.Payload,
			rec.PayloadHash, rec.PrevHash, rec.Hash, rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: append audit record: %w", err)
		}
		return nil
	})
}

// HashesInRange returns record hashes for seq in [from, to], ascending.
func (db *DB) HashesInRange(ctx context.Context, from, to uint64) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT hash FROM audit_records WHERE seq >= $1 AND seq <= $2 ORDER BY seq`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: audit hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("storage: scan audit hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// LastCheckpointSeq returns the to_seq of the newest checkpoint, 0 when
// none exists.
func (db *DB) LastCheckpointSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := db.pool.QueryRow(ctx,
		`SELECT to_seq FROM audit_checkpoints ORDER BY to_seq DESC LIMIT 1`,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: last checkpoint: %w", err)
	}
	return seq, nil
}

// InsertCheckpoint persists a Merkle checkpoint over a record range.
func (db *DB) InsertCheckpoint(ctx context.Context, cp model.AuditCheckpoint) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_checkpoints (id, from_seq, to_seq, merkle_root, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.FromSeq, cp.ToSeq, cp.MerkleRoot, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert checkpoint: %w", err)
	}
	return nil
}

// ListAuditRecords returns records ascending by seq, optionally scoped
// to one decision.
func (db *DB) ListAuditRecords(ctx context.Context, decisionID *uuid.UUID, limit, offset int) ([]model.AuditRecord, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	var args []any
	if decisionID != nil {
		where = " WHERE decision_id = $1"
		args = append(args, *decisionID)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit records: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT seq, decision_id, phase, payload, payload_hash, prev_hash, hash, recorded_at
		 FROM audit_records%s ORDER BY seq LIMIT %d OFFSET %d`, where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list audit records: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var phase string
		if err := rows.Scan(&rec.Seq, &rec.DecisionID, &phase, &rec.Payload,
			&rec.PayloadHash, &rec.PrevHash, &rec.Hash, &rec.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit record: %w", err)
		}
		rec.Phase = model.Phase(phase)
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// ListCheckpoints returns checkpoints ascending by range.
func (db *DB) ListCheckpoints(ctx context.Context, limit int) ([]model.AuditCheckpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, from_seq, to_seq, merkle_root, created_at
		 FROM audit_checkpoints ORDER BY from_seq LIMIT %d`, limit,
	))
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []model.AuditCheckpoint
	for rows.Next() {
		var cp model.AuditCheckpoint
		if err := rows.Scan(&cp.ID, &cp.FromSeq, &cp.ToSeq, &cp.MerkleRoot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
