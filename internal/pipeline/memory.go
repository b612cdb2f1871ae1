package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// ErrDecisionNotFound is returned by DecisionStore lookups for unknown ids.
var ErrDecisionNotFound = errors.New("pipeline: decision not found")

// MemoryDecisions is an in-memory DecisionStore for tests and embedded use.
type MemoryDecisions struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]model.Decision
}

// NewMemoryDecisions returns an empty store.
func NewMemoryDecisions() *MemoryDecisions {
	return &MemoryDecisions{byID: make(map[uuid.UUID]model.Decision)}
}

// InsertDecision implements DecisionStore.
func (m *MemoryDecisions) InsertDecision(ctx context.Context, dec model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[dec.ID] = dec
	return nil
}

// UpdateDecision implements DecisionStore.
func (m *MemoryDecisions) UpdateDecision(ctx context.Context, dec model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[dec.ID] = dec
	return nil
}

// GetDecision implements DecisionStore.
func (m *MemoryDecisions) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dec, ok := m.byID[id]
	if !ok {
		return model.Decision{}, ErrDecisionNotFound
	}
	return dec, nil
}

// List returns all decisions, for status endpoints and tests.
func (m *MemoryDecisions) List() []model.Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Decision, 0, len(m.byID))
	for _, dec := range m.byID {
		out = append(out, dec)
	}
	return out
}
