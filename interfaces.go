package monban

import (
	"context"
)

// Actuator performs the real-world side effect for an approved decision.
// When provided via WithActuator, replaces the default dry-run actuator
// that only logs invocations.
//
// idempotencyKey is stable per decision: an actuator that talks to a
// system with its own dedup support should forward it. Invoke may be
// retried a bounded number of times; returning success=false with a nil
// error means the target refused the action and no retry will help.
type Actuator interface {
	Invoke(ctx context.Context, target string, params map[string]any, idempotencyKey string) (success bool, detail string, err error)
}

// ContentScanner flags adversarial input during provenance
// classification. When provided via WithContentScanner, replaces the
// built-in regexp pattern scanner. Any match, whatever its severity,
// downgrades the request to untrusted regardless of its trust tag.
//
// Redact returns text with every matched span masked; it is applied to
// flagged input before the input appears in logs or audit payloads.
type ContentScanner interface {
	Scan(text string) (match ScanMatch, matched bool)
	Redact(text string) string
}

// SignatureVerifier checks approval attestation signatures. When
// provided via WithSignatureVerifier, replaces the built-in Ed25519
// registry (and disables runtime key registration through the agents
// API, since the custom verifier owns its own key material).
// messageHash is the SHA-256 of the attestation statement.
type SignatureVerifier interface {
	Verify(messageHash, signature []byte, signerID string) bool
}

// AuditStore is the durable backend for the hash-chained audit log.
// When provided via WithAuditStore, replaces Postgres as the recorder's
// backend. Implementations must make AppendRecord atomic per Seq: a
// duplicate Seq must fail rather than fork the chain.
type AuditStore interface {
	// Head returns the highest stored seq and its record hash,
	// (0, "", nil) for an empty log.
	Head(ctx context.Context) (seq uint64, hash string, err error)
	AppendRecord(ctx context.Context, rec AuditRecord) error
	// HashesInRange returns record hashes for seq in [from, to], ordered.
	HashesInRange(ctx context.Context, from, to uint64) ([]string, error)
	// LastCheckpointSeq returns the ToSeq of the latest checkpoint, 0 if none.
	LastCheckpointSeq(ctx context.Context) (uint64, error)
	InsertCheckpoint(ctx context.Context, cp AuditCheckpoint) error
}

// DecisionHook receives async notifications when a decision reaches
// awaiting_approval or a terminal status. Multiple hooks may be
// registered via multiple WithDecisionHook calls. Hook methods run in
// goroutines — they must not block indefinitely. Failures are logged
// but never affect the decision itself.
type DecisionHook interface {
	OnDecision(ctx context.Context, decision Decision) error
}
