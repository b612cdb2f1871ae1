package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one link in the tamper-evident audit chain. Records are
// append-only and totally ordered by Seq; PrevHash of record n equals
// Hash of record n-1, so mutating any record invalidates the chain from
// that point forward.
type AuditRecord struct {
	Seq         uint64         `json:"sequence_number"`
	DecisionID  uuid.UUID      `json:"decision_id"`
	Phase       Phase          `json:"phase"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// AuditCheckpoint is a persisted Merkle root over a contiguous range of
// audit record hashes, produced by the background checkpoint loop.
type AuditCheckpoint struct {
	ID         uuid.UUID `json:"id"`
	FromSeq    uint64    `json:"from_seq"`
	ToSeq      uint64    `json:"to_seq"`
	MerkleRoot string    `json:"merkle_root"`
	CreatedAt  time.Time `json:"created_at"`
}
