package llmfacade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/domain"
)

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, domain.LLMRetryBaseDelay, retryBackoff(1, false))
	assert.Equal(t, 2*domain.LLMRetryBaseDelay, retryBackoff(2, false))
	assert.Equal(t, 4*domain.LLMRetryBaseDelay, retryBackoff(3, false))
	assert.Equal(t, domain.LLM429RetryDelay, retryBackoff(1, true))
	assert.Equal(t, domain.LLM429RetryDelay, retryBackoff(3, true))
}

func TestRetryOneShot_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, attempts, err := retryOneShot(context.Background(), time.Second, func(ctx context.Context) (Result, error) {
		calls++
		return Result{Content: "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryOneShot_CancelledBeforeAttemptReturnsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, _, err := retryOneShot(ctx, time.Second, func(ctx context.Context) (Result, error) {
		calls++
		return Result{}, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestRetryOneShot_AuthNeverRetries(t *testing.T) {
	calls := 0
	_, attempts, err := retryOneShot(context.Background(), time.Second, func(ctx context.Context) (Result, error) {
		calls++
		return Result{}, &ProviderError{Kind: KindAuth, Message: "nope", StatusCode: 401}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, domain.ErrUpstreamAuth)
}

func TestRetryOneShot_RateLimitRetriesExactlyOnce(t *testing.T) {
	calls := 0
	_, attempts, err := retryOneShot(context.Background(), time.Second, func(ctx context.Context) (Result, error) {
		calls++
		return Result{}, &ProviderError{Kind: KindRateLimit, Message: "slow down", StatusCode: 429}
	})
	require.Error(t, err)
	// One initial attempt plus exactly one rate-limit retry.
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRetryOneShot_CancelDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})

	go func() {
		_, _, err := retryOneShot(ctx, time.Second, func(ctx context.Context) (Result, error) {
			calls++
			if calls == 1 {
				cancel()
			}
			return Result{}, &ProviderError{Kind: KindNetwork, Message: "connection reset"}
		})
		assert.Error(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("retryOneShot did not observe cancellation during backoff")
	}
	assert.Equal(t, 1, calls)
}
