package approval

import (
	"crypto/ed25519"
	"crypto/sha256"
	"sync"
)

// StatementHash is the message actually signed by approvers: the
// SHA-256 of the exact statement string.
func StatementHash(statement string) []byte {
	sum := sha256.Sum256([]byte(statement))
	return sum[:]
}

// Ed25519Verifier is the default Verifier: a registry of approver ids to
// Ed25519 public keys. Key distribution (ceremony, HSMs) happens outside
// the service; only public keys ever enter the process.
type Ed25519Verifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier returns an empty key registry.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{keys: make(map[string]ed25519.PublicKey)}
}

// Register installs or replaces an approver's public key.
func (v *Ed25519Verifier) Register(approverID string, key ed25519.PublicKey) {
	v.mu.Lock()
	v.keys[approverID] = key
	v.mu.Unlock()
}

// Verify implements Verifier. Unknown approvers fail closed.
func (v *Ed25519Verifier) Verify(messageHash, signature []byte, signerID string) bool {
	v.mu.RLock()
	key, ok := v.keys[signerID]
	v.mu.RUnlock()
	if !ok || len(key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(key, messageHash, signature)
}
