package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// MemoryStore is an in-memory Store. Used in tests and as the default
// backend when the service is embedded without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	records     []model.AuditRecord
	checkpoints []model.AuditCheckpoint
}

// NewMemoryStore returns an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context) (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0, "", nil
	}
	last := m.records[len(m.records)-1]
	return last.Seq, last.Hash, nil
}

// AppendRecord implements Store.
func (m *MemoryStore) AppendRecord(ctx context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// HashesInRange implements Store.
func (m *MemoryStore) HashesInRange(ctx context.Context, from, to uint64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, rec := range m.records {
		if rec.Seq >= from && rec.Seq <= to {
			out = append(out, rec.Hash)
		}
	}
	return out, nil
}

// LastCheckpointSeq implements Store.
func (m *MemoryStore) LastCheckpointSeq(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.checkpoints) == 0 {
		return 0, nil
	}
	return m.checkpoints[len(m.checkpoints)-1].ToSeq, nil
}

// InsertCheckpoint implements Store.
func (m *MemoryStore) InsertCheckpoint(ctx context.Context, cp model.AuditCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = append(m.checkpoints, cp)
	return nil
}

// Records returns a copy of all records, optionally filtered by decision.
func (m *MemoryStore) Records(decisionID *uuid.UUID) []model.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditRecord, 0, len(m.records))
	for _, rec := range m.records {
		if decisionID == nil || rec.DecisionID == *decisionID {
			out = append(out, rec)
		}
	}
	return out
}

// Checkpoints returns a copy of all checkpoints.
func (m *MemoryStore) Checkpoints() []model.AuditCheckpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.AuditCheckpoint(nil), m.checkpoints...)
}
