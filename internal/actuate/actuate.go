// Package actuate invokes the real side-effecting operation, and only
// after every prior gate has passed. The executor enforces the approval
// precondition itself rather than trusting callers, claims a per-decision
// idempotency key so the actuator fires at most once per decision, and
// retries transient actuator failures a bounded number of times.
package actuate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// DefaultMaxAttempts bounds actuator retries. Retries are exhausted,
// never unbounded.
const DefaultMaxAttempts = 3

var (
	// ErrNotApproved is returned when the decision's final status does
	// not permit actuation. The actuator is never invoked in this case.
	ErrNotApproved = errors.New("actuate: decision is not approved")
	// ErrAlreadyExecuted is returned when another execution already
	// claimed this decision id.
	ErrAlreadyExecuted = errors.New("actuate: decision already executed")
)

// Actuator performs the real-world side effect. External collaborator.
type Actuator interface {
	Invoke(ctx context.Context, target string, params map[string]any, idempotencyKey string) (success bool, detail string, err error)
}

// Claimer records which decisions have begun execution. A claim is won
// at most once per decision id, which is what makes actuation
// exactly-once even under duplicate submission.
type Claimer interface {
	Claim(ctx context.Context, decisionID uuid.UUID) (won bool, err error)
}

// Executor runs approved decisions against the actuator.
type Executor struct {
	actuator    Actuator
	claims      Claimer
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
}

// New builds an executor. maxAttempts <= 0 selects the default.
func New(actuator Actuator, claims Claimer, maxAttempts int, logger *slog.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		actuator:    actuator,
		claims:      claims,
		maxAttempts: maxAttempts,
		baseBackoff: 50 * time.Millisecond,
		logger:      logger,
	}
}

// Execute invokes the actuator for an approved decision. The returned
// ExecutionResult reports the actuator's own success/failure, which is
// distinct from pipeline approval: an approved decision can still fail
// at the actuator after retries are exhausted.
func (e *Executor) Execute(ctx context.Context, dec model.Decision) (model.ExecutionResult, error) {
	if dec.FinalStatus != model.StatusApproved {
		return model.ExecutionResult{}, fmt.Errorf("%w: status is %s", ErrNotApproved, dec.FinalStatus)
	}

	won, err := e.claims.Claim(ctx, dec.ID)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("actuate: claim execution: %w", err)
	}
	if !won {
		return model.ExecutionResult{}, ErrAlreadyExecuted
	}

	key := dec.ID.String()
	var lastDetail string
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		success, detail, err := e.actuator.Invoke(ctx, dec.Request.Target, dec.Request.Parameters, key)
		if err == nil && success {
			return model.ExecutionResult{
				Success:    true,
				Detail:     detail,
				Attempts:   attempt,
				ExecutedAt: time.Now().UTC(),
			}, nil
		}
		lastDetail = detail
		if err != nil {
			lastDetail = err.Error()
		}
		e.logger.Warn("actuate: actuator attempt failed",
			"decision_id", dec.ID, "attempt", attempt, "detail", lastDetail)

		if attempt == e.maxAttempts {
			break
		}
		select {
		case <-time.After(e.backoff(attempt)):
		case <-ctx.Done():
			return model.ExecutionResult{
				Success:    false,
				Detail:     "cancelled: " + ctx.Err().Error(),
				Attempts:   attempt,
				ExecutedAt: time.Now().UTC(),
			}, nil
		}
	}

	return model.ExecutionResult{
		Success:    false,
		Detail:     lastDetail,
		Attempts:   e.maxAttempts,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// backoff returns a jittered exponential delay for the given attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.baseBackoff << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// MemoryClaims is an in-memory Claimer for tests and embedded use.
type MemoryClaims struct {
	mu      sync.Mutex
	claimed map[uuid.UUID]struct{}
}

// NewMemoryClaims returns an empty claim set.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claimed: make(map[uuid.UUID]struct{})}
}

// Claim implements Claimer.
func (m *MemoryClaims) Claim(ctx context.Context, decisionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[decisionID]; ok {
		return false, nil
	}
	m.claimed[decisionID] = struct{}{}
	return true, nil
}
