package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Claim records that execution of a decision has begun. The insert wins
// exactly once per decision id; a duplicate claim returns won=false.
// This is the persistence behind exactly-once actuation.
func (db *DB) Claim(ctx context.Context, decisionID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO execution_claims (decision_id, claimed_at)
		 VALUES ($1, $2) ON CONFLICT (decision_id) DO NOTHING`,
		decisionID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
