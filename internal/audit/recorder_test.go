package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/audit"
	"github.com/ashita-ai/monban/internal/model"
)

func newRecorder(t *testing.T) (*audit.Recorder, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	r, err := audit.NewRecorder(context.Background(), store, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, store
}

func TestAppendChainsRecords(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()
	decisionID := uuid.New()

	first, err := r.Append(ctx, decisionID, model.PhaseReceived, map[string]any{"target": "valve-7"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, first.PrevHash, "genesis record has empty prev_hash")
	assert.NotEmpty(t, first.Hash)
	assert.NotEmpty(t, first.PayloadHash)

	second, err := r.Append(ctx, decisionID, model.PhaseClassified, map[string]any{"level": "trusted"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	head, seq := r.RootHash()
	assert.Equal(t, second.Hash, head)
	assert.Equal(t, uint64(2), seq)

	require.NoError(t, audit.VerifyChain(store.Records(nil), ""))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, uuid.New(), model.PhaseReceived, map[string]any{"i": i})
		require.NoError(t, err)
	}

	records := store.Records(nil)
	require.NoError(t, audit.VerifyChain(records, ""))

	// Mutating any single record's payload hash invalidates the chain.
	tampered := append([]model.AuditRecord(nil), records...)
	tampered[2].PayloadHash = "0000000000000000000000000000000000000000000000000000000000000000"
	err := audit.VerifyChain(tampered, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	// Dropping a record breaks the prev link.
	gapped := append(append([]model.AuditRecord(nil), records[:2]...), records[3:]...)
	require.Error(t, audit.VerifyChain(gapped, ""))
}

func TestConcurrentAppendsStayTotallyOrdered(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			decisionID := uuid.New()
			for i := 0; i < perWriter; i++ {
				_, err := r.Append(ctx, decisionID, model.PhaseReceived, map[string]any{"writer": w, "i": i})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	records := store.Records(nil)
	require.Len(t, records, writers*perWriter)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq, "global seq must have no gaps")
	}
	require.NoError(t, audit.VerifyChain(records, ""))
}

func TestAppendAfterCloseFails(t *testing.T) {
	store := audit.NewMemoryStore()
	r, err := audit.NewRecorder(context.Background(), store, nil)
	require.NoError(t, err)
	r.Close()

	_, err = r.Append(context.Background(), uuid.New(), model.PhaseReceived, nil)
	assert.ErrorIs(t, err, audit.ErrClosed)
}

func TestRecorderResumesFromStoredHead(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx := context.Background()

	r1, err := audit.NewRecorder(ctx, store, nil)
	require.NoError(t, err)
	last := model.AuditRecord{}
	for i := 0; i < 3; i++ {
		last, err = r1.Append(ctx, uuid.New(), model.PhaseReceived, map[string]any{"i": i})
		require.NoError(t, err)
	}
	r1.Close()

	// A new recorder over the same store continues the chain.
	r2, err := audit.NewRecorder(ctx, store, nil)
	require.NoError(t, err)
	defer r2.Close()

	next, err := r2.Append(ctx, uuid.New(), model.PhaseFinalized, nil)
	require.NoError(t, err)
	assert.Equal(t, last.Seq+1, next.Seq)
	assert.Equal(t, last.Hash, next.PrevHash)
	require.NoError(t, audit.VerifyChain(store.Records(nil), ""))
}

func TestHashPayloadCanonical(t *testing.T) {
	// Key order must not matter.
	a, err := audit.HashPayload(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := audit.HashPayload(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Nil and empty payloads hash identically.
	n, err := audit.HashPayload(nil)
	require.NoError(t, err)
	e, err := audit.HashPayload(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, n, e)

	// Different content, different hash.
	c, err := audit.HashPayload(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestBuildMerkleRoot(t *testing.T) {
	assert.Empty(t, audit.BuildMerkleRoot(nil))
	assert.Equal(t, "leaf", audit.BuildMerkleRoot([]string{"leaf"}))

	two := audit.BuildMerkleRoot([]string{"a", "b"})
	assert.NotEmpty(t, two)
	assert.NotEqual(t, two, audit.BuildMerkleRoot([]string{"b", "a"}), "order is part of the tree")

	// Odd leaf counts bind the trailing leaf to its position.
	three := audit.BuildMerkleRoot([]string{"a", "b", "c"})
	four := audit.BuildMerkleRoot([]string{"a", "b", "c", "c"})
	assert.NotEmpty(t, three)
	assert.NotEqual(t, three, four)
}

func TestCheckpoint(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()

	// Nothing appended: checkpoint is a no-op.
	require.NoError(t, r.Checkpoint(ctx))
	assert.Empty(t, store.Checkpoints())

	for i := 0; i < 4; i++ {
		_, err := r.Append(ctx, uuid.New(), model.PhaseReceived, map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, r.Checkpoint(ctx))

	cps := store.Checkpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, uint64(1), cps[0].FromSeq)
	assert.Equal(t, uint64(4), cps[0].ToSeq)

	hashes, err := store.HashesInRange(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, audit.BuildMerkleRoot(hashes), cps[0].MerkleRoot)

	// Second checkpoint covers only new records.
	_, err = r.Append(ctx, uuid.New(), model.PhaseFinalized, nil)
	require.NoError(t, err)
	require.NoError(t, r.Checkpoint(ctx))
	cps = store.Checkpoints()
	require.Len(t, cps, 2)
	assert.Equal(t, uint64(5), cps[1].FromSeq)
	assert.Equal(t, uint64(5), cps[1].ToSeq)
}

func TestAppendManyDecisionsInterleaved(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()

	d1, d2 := uuid.New(), uuid.New()
	phases := []model.Phase{model.PhaseReceived, model.PhaseClassified, model.PhasePolicyChecked}
	for _, p := range phases {
		for _, d := range []uuid.UUID{d1, d2} {
			_, err := r.Append(ctx, d, p, map[string]any{"phase": string(p)})
			require.NoError(t, err)
		}
	}

	// Per-decision subsequences keep phase order even though the global
	// log interleaves.
	for _, d := range []uuid.UUID{d1, d2} {
		recs := store.Records(&d)
		require.Len(t, recs, len(phases))
		for i, rec := range recs {
			assert.Equal(t, phases[i], rec.Phase, fmt.Sprintf("decision %s position %d", d, i))
		}
	}
}
