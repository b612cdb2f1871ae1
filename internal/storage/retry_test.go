package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/storage"
)

func serializationFailure() error {
	return &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
}

func TestWithRetryRecoversFromTransientConflict(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return serializationFailure()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("column does not exist")
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "a non-retriable error must not be retried")
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return serializationFailure()
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40001", pgErr.Code)
	assert.Equal(t, 3, calls, "initial attempt plus maxRetries")
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := storage.WithRetry(ctx, 5, time.Second, func() error {
		calls++
		return serializationFailure()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetrySeesWrappedPgErrors(t *testing.T) {
	// Call sites wrap the driver error with %w; the retry check must
	// unwrap it.
	calls := 0
	err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("storage: update decision: %w", serializationFailure())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
