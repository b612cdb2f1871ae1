package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/monban/internal/model"
)

// InsertAttestation persists an accepted approver attestation.
func (db *DB) InsertAttestation(ctx context.Context, att model.Attestation) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO attestations (decision_id, approver_id, statement, signature, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		att.DecisionID, att.ApproverID, att.Statement, att.Signature, att.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert attestation: %w", err)
	}
	return nil
}

// GetAttestation returns the accepted attestation for a decision.
func (db *DB) GetAttestation(ctx context.Context, decisionID uuid.UUID) (model.Attestation, error) {
	var att model.Attestation
	err := db.pool.QueryRow(ctx,
		`SELECT decision_id, approver_id, statement, signature, submitted_at
		 FROM attestations WHERE decision_id = $1`, decisionID,
	).Scan(&att.DecisionID, &att.ApproverID, &att.Statement, &att.Signature, &att.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Attestation{}, fmt.Errorf("storage: attestation for %s: %w", decisionID, ErrNotFound)
		}
		return model.Attestation{}, fmt.Errorf("storage: get attestation: %w", err)
	}
	return att, nil
}

// ListAttestationsByApprover returns attestations by one approver,
// newest first.
func (db *DB) ListAttestationsByApprover(ctx context.Context, approverID string, limit int) ([]model.Attestation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT decision_id, approver_id, statement, signature, submitted_at
		 FROM attestations WHERE approver_id = $1 ORDER BY submitted_at DESC LIMIT $2`,
		approverID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list attestations: %w", err)
	}
	defer rows.Close()

	var out []model.Attestation
	for rows.Next() {
		var att model.Attestation
		if err := rows.Scan(&att.DecisionID, &att.ApproverID, &att.Statement, &att.Signature, &att.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage: scan attestation: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}
