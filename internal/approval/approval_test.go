package approval_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/model"
)

func newSignedGate(t *testing.T, timeout time.Duration) (*approval.Gate, func(uuid.UUID) model.Attestation) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	verifier := approval.NewEd25519Verifier()
	verifier.Register("operator@example", pub)
	gate := approval.NewGate(verifier, timeout, nil)

	sign := func(decisionID uuid.UUID) model.Attestation {
		statement := model.ApprovalStatement(decisionID)
		return model.Attestation{
			DecisionID:  decisionID,
			ApproverID:  "operator@example",
			Statement:   statement,
			Signature:   ed25519.Sign(priv, approval.StatementHash(statement)),
			SubmittedAt: time.Now().UTC(),
		}
	}
	return gate, sign
}

func TestSubmitValidAttestation(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	decisionID := uuid.New()

	outcomeCh := gate.Await(decisionID)
	require.NoError(t, gate.Submit(sign(decisionID)))

	select {
	case out := <-outcomeCh:
		assert.Equal(t, model.StatusApproved, out.Status)
		require.NotNil(t, out.Attestation)
		assert.Equal(t, "operator@example", out.Attestation.ApproverID)
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}
	assert.Zero(t, gate.AwaitingCount())

	// A second attestation for the same decision is rejected.
	assert.ErrorIs(t, gate.Submit(sign(decisionID)), approval.ErrNotAwaitingApproval)
}

func TestSubmitUnknownDecision(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	err := gate.Submit(sign(uuid.New()))
	assert.ErrorIs(t, err, approval.ErrNotAwaitingApproval)
}

func TestSubmitStatementMismatch(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	decisionID := uuid.New()
	gate.Await(decisionID)

	att := sign(decisionID)
	att.Statement = model.ApprovalStatement(uuid.New()) // wrong decision id
	assert.ErrorIs(t, gate.Submit(att), approval.ErrStatementMismatch)

	// The decision is still awaiting: a correct attestation succeeds.
	require.NoError(t, gate.Submit(sign(decisionID)))
}

func TestSubmitBadSignature(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	decisionID := uuid.New()
	gate.Await(decisionID)

	att := sign(decisionID)
	att.Signature[0] ^= 0xff
	assert.ErrorIs(t, gate.Submit(att), approval.ErrSignatureInvalid)

	// An unknown approver fails closed the same way.
	att = sign(decisionID)
	att.ApproverID = "stranger@example"
	assert.ErrorIs(t, gate.Submit(att), approval.ErrSignatureInvalid)

	require.NoError(t, gate.Submit(sign(decisionID)))
}

func TestTimeoutIsTerminal(t *testing.T) {
	gate, sign := newSignedGate(t, 30*time.Millisecond)
	decisionID := uuid.New()

	outcomeCh := gate.Await(decisionID)
	select {
	case out := <-outcomeCh:
		assert.Equal(t, model.StatusTimedOut, out.Status)
		assert.Nil(t, out.Attestation)
	case <-time.After(time.Second):
		t.Fatal("timeout outcome not delivered")
	}

	// A late but otherwise valid attestation is rejected.
	err := gate.Submit(sign(decisionID))
	require.ErrorIs(t, err, approval.ErrNotAwaitingApproval)
	assert.Equal(t, "decision not awaiting approval", err.Error())
}

func TestAbortStopsTracking(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	decisionID := uuid.New()
	gate.Await(decisionID)
	require.Equal(t, 1, gate.AwaitingCount())

	gate.Abort(decisionID)
	assert.Zero(t, gate.AwaitingCount())
	assert.ErrorIs(t, gate.Submit(sign(decisionID)), approval.ErrNotAwaitingApproval)
}

func TestDrainReleasesPendingAndRefusesNewWaits(t *testing.T) {
	gate, sign := newSignedGate(t, time.Minute)
	decisionID := uuid.New()

	outcomeCh := gate.Await(decisionID)
	gate.Drain()

	// The pending wait is released without a verdict.
	select {
	case _, ok := <-outcomeCh:
		assert.False(t, ok, "drain must close the channel, not deliver an outcome")
	case <-time.After(time.Second):
		t.Fatal("drain did not release the pending wait")
	}
	assert.Zero(t, gate.AwaitingCount())
	assert.ErrorIs(t, gate.Submit(sign(decisionID)), approval.ErrNotAwaitingApproval)

	// A wait registered after the drain returns immediately instead of
	// parking for the approval window.
	lateCh := gate.Await(uuid.New())
	select {
	case _, ok := <-lateCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("post-drain wait parked instead of returning")
	}
	assert.Zero(t, gate.AwaitingCount())

	// Draining twice is harmless.
	gate.Drain()
}

func TestStatementHashIsStable(t *testing.T) {
	a := approval.StatementHash("approve:x")
	b := approval.StatementHash("approve:x")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, approval.StatementHash("approve:y"))
	assert.Len(t, a, 32)
}
