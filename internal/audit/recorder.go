// Package audit is the pipeline's sole source of truth for forensic
// replay: an append-only, hash-chained record of every phase transition
// of every decision. All appends funnel through a single writer
// goroutine so the chain invariant holds even with many decisions in
// flight, and Append does not return until the record is durably stored.
// No phase transition is considered to have happened until its audit
// record exists.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit: recorder closed")

// Store is the durable backend for the chain. Implemented by
// *storage.DB and by MemoryStore.
type Store interface {
	// Head returns the highest stored seq and its record hash.
	// Returns (0, "", nil) for an empty log.
	Head(ctx context.Context) (uint64, string, error)
	AppendRecord(ctx context.Context, rec model.AuditRecord) error
	// HashesInRange returns record hashes for seq in [from, to], ordered.
	HashesInRange(ctx context.Context, from, to uint64) ([]string, error)
	// LastCheckpointSeq returns the ToSeq of the latest checkpoint, 0 if none.
	LastCheckpointSeq(ctx context.Context) (uint64, error)
	InsertCheckpoint(ctx context.Context, cp model.AuditCheckpoint) error
}

type appendReq struct {
	decisionID uuid.UUID
	phase      model.Phase
	payload    map[string]any
	reply      chan appendResult
}

type appendResult struct {
	rec model.AuditRecord
	err error
}

// Recorder owns the chain head. Safe for concurrent use.
type Recorder struct {
	store  Store
	logger *slog.Logger

	reqCh chan appendReq

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}

	// Head cache for RootHash; updated only by the writer goroutine.
	mu       sync.RWMutex
	headSeq  uint64
	headHash string
}

// NewRecorder loads the chain head from the store and starts the writer.
func NewRecorder(ctx context.Context, store Store, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seq, hash, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	r := &Recorder{
		store:    store,
		logger:   logger,
		reqCh:    make(chan appendReq, 64),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		headSeq:  seq,
		headHash: hash,
	}
	go r.run()
	return r, nil
}

// Append records one phase transition and blocks until the record is
// durable. On storage failure the caller must treat its phase transition
// as not having happened.
func (r *Recorder) Append(ctx context.Context, decisionID uuid.UUID, phase model.Phase, payload map[string]any) (model.AuditRecord, error) {
	req := appendReq{
		decisionID: decisionID,
		phase:      phase,
		payload:    payload,
		reply:      make(chan appendResult, 1),
	}
	select {
	case r.reqCh <- req:
	case <-r.closed:
		return model.AuditRecord{}, ErrClosed
	case <-ctx.Done():
		return model.AuditRecord{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.rec, res.err
	case <-ctx.Done():
		// The append may still land; the caller treats this as failure.
		return model.AuditRecord{}, ctx.Err()
	}
}

// RootHash returns the current chain head hash and sequence number.
// This is the externally verifiable state of the whole system.
func (r *Recorder) RootHash() (string, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headHash, r.headSeq
}

// Close stops accepting appends and waits for queued ones to drain.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case req := <-r.reqCh:
			req.reply <- r.append(req)
		case <-r.closed:
			// Drain anything already queued before shutting down.
			for {
				select {
				case req := <-r.reqCh:
					req.reply <- r.append(req)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) append(req appendReq) appendResult {
	payloadHash, err := HashPayload(req.payload)
	if err != nil {
		return appendResult{err: err}
	}

	rec := model.AuditRecord{
		Seq:         r.headSeq + 1,
		DecisionID:  req.decisionID,
		Phase:       req.phase,
		Payload:     req.payload,
		PayloadHash: payloadHash,
		PrevHash:    r.headHash,
		RecordedAt:  time.Now().UTC(),
	}
	rec.Hash = HashRecord(rec)

	// Durability bounds: an append must not hang the writer forever.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.AppendRecord(ctx, rec); err != nil {
		r.logger.Error("audit: append failed, chain head unchanged",
			"decision_id", req.decisionID, "phase", req.phase, "error", err)
		return appendResult{err: fmt.Errorf("audit: append record: %w", err)}
	}

	r.mu.Lock()
	r.headSeq = rec.Seq
	r.headHash = rec.Hash
	r.mu.Unlock()
	return appendResult{rec: rec}
}

// RunCheckpoints periodically batches new record hashes into a Merkle
// root and persists it as a checkpoint. Runs until ctx is cancelled.
func (r *Recorder) RunCheckpoints(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Checkpoint(ctx); err != nil {
				r.logger.Warn("audit: checkpoint failed", "error", err)
			}
		}
	}
}

// Checkpoint writes one Merkle checkpoint over the records appended
// since the previous checkpoint. No-op when there is nothing new.
func (r *Recorder) Checkpoint(ctx context.Context) error {
	last, err := r.store.LastCheckpointSeq(ctx)
	if err != nil {
		return fmt.Errorf("audit: load last checkpoint: %w", err)
	}
	_, headSeq := r.RootHash()
	if headSeq <= last {
		return nil
	}

	hashes, err := r.store.HashesInRange(ctx, last+1, headSeq)
	if err != nil {
		return fmt.Errorf("audit: load record hashes: %w", err)
	}
	if len(hashes) == 0 {
		return nil
	}

	cp := model.AuditCheckpoint{
		ID:         uuid.New(),
		FromSeq:    last + 1,
		ToSeq:      headSeq,
		MerkleRoot: BuildMerkleRoot(hashes),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.InsertCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("audit: persist checkpoint: %w", err)
	}
	r.logger.Info("audit: checkpoint written",
		"from_seq", cp.FromSeq, "to_seq", cp.ToSeq, "merkle_root", cp.MerkleRoot)
	return nil
}
