package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ashita-ai/monban/internal/model"
)

// HashPayload produces the SHA-256 hex digest of the RFC 8785 canonical
// JSON form of a phase payload. Canonicalization makes the hash
// independent of map iteration order and encoder quirks.
func HashPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashRecord produces the SHA-256 hex digest over a record's chained
// fields. Each field is encoded with a 4-byte big-endian length prefix,
// which avoids delimiter collisions in freeform values. The payload
// participates through its canonical hash, so the record hash covers the
// payload without re-canonicalizing it.
func HashRecord(rec model.AuditRecord) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(strconv.FormatUint(rec.Seq, 10))
	writeField(rec.DecisionID.String())
	writeField(string(rec.Phase))
	writeField(rec.PayloadHash)
	writeField(rec.PrevHash)
	writeField(rec.RecordedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes every record hash and prev-hash link over a
// contiguous, seq-ordered slice of records. firstPrev is the prev hash
// expected on the first record ("" when verifying from genesis).
func VerifyChain(records []model.AuditRecord, firstPrev string) error {
	prev := firstPrev
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("audit: chain break at seq %d: prev_hash %q, want %q", rec.Seq, rec.PrevHash, prev)
		}
		if got := HashRecord(rec); got != rec.Hash {
			return fmt.Errorf("audit: record %d hash mismatch: stored %q, recomputed %q", rec.Seq, rec.Hash, got)
		}
		if i > 0 && rec.Seq != records[i-1].Seq+1 {
			return fmt.Errorf("audit: sequence gap between %d and %d", records[i-1].Seq, rec.Seq)
		}
		prev = rec.Hash
	}
	return nil
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix is a domain separator for internal Merkle tree nodes (per RFC
// 6962), so internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns
// the root. Leaves are taken in the order given (audit checkpoints use
// seq order). Empty input returns ""; a single leaf is its own root.
// Odd-length levels hash the last node with itself for structural
// binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}
