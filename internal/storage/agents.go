package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/monban/internal/model"
)

// CreateAgent inserts a caller identity and returns it.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, role, api_key_hash, public_key, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.AgentID, a.Name, string(a.Role), a.APIKeyHash, a.PublicKey, a.Metadata, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", a.AgentID, ErrDuplicate)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgentByAgentID looks up an identity by its external agent_id.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, name, role, api_key_hash, public_key, metadata, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID,
	).Scan(&a.ID, &a.AgentID, &a.Name, &role, &a.APIKeyHash, &a.PublicKey, &a.Metadata, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	a.Role = model.AgentRole(role)
	return a, nil
}

// ListAgents returns all identities, optionally filtered by role.
func (db *DB) ListAgents(ctx context.Context, role model.AgentRole) ([]model.Agent, error) {
	where := ""
	var args []any
	if role != "" {
		where = " WHERE role = $1"
		args = append(args, string(role))
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, name, role, api_key_hash, public_key, metadata, created_at, updated_at
		 FROM agents`+where+` ORDER BY agent_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		var r string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Name, &r, &a.APIKeyHash, &a.PublicKey, &a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		a.Role = model.AgentRole(r)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentKey replaces an approver's attestation public key.
func (db *DB) UpdateAgentKey(ctx context.Context, agentID string, publicKey []byte) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET public_key = $2, updated_at = $3 WHERE agent_id = $1`,
		agentID, publicKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update agent key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// DeleteAgent removes an identity.
func (db *DB) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
