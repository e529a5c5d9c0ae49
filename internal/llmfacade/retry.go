package llmfacade

import (
	"context"
	"errors"
	"time"

	"github.com/diagramflow/core/internal/domain"
)

// retryBackoff returns the delay before attempt N (1-indexed) per spec.md
// §4.3's retry policy: 1s, 2s, 4s for ordinary transient failures, but a
// single 5s delay for a 429 (RateLimit) response, which only ever retries
// once regardless of which attempt it was.
func retryBackoff(attempt int, isRateLimit bool) time.Duration {
	if isRateLimit {
		return domain.LLM429RetryDelay
	}
	switch attempt {
	case 1:
		return domain.LLMRetryBaseDelay
	case 2:
		return 2 * domain.LLMRetryBaseDelay
	default:
		return 4 * domain.LLMRetryBaseDelay
	}
}

// retryOneShot invokes call up to domain.LLMMaxRetryAttempts times,
// applying the back-off policy between attempts. A 429 (RateLimit) is
// retried exactly once more with a longer delay, regardless of which
// attempt produced it; Auth, Malformed, and Cancelled never retry.
// Cancellation is checked before every retry and every suspension point.
func retryOneShot(ctx context.Context, timeout time.Duration, call func(context.Context) (Result, error)) (Result, int, error) {
	var lastErr error
	rateLimitRetried := false
	maxAttempts := domain.LLMMaxRetryAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, attempt - 1, errors.Join(domain.ErrCancelled, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := call(attemptCtx)
		cancel()

		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		kind := Classify(err)
		switch kind {
		case KindCancelled, KindAuth, KindMalformed:
			return Result{}, attempt, classifiedError(kind, err)
		case KindRateLimit:
			if rateLimitRetried {
				return Result{}, attempt, classifiedError(kind, err)
			}
			rateLimitRetried = true
			if attempt == maxAttempts {
				maxAttempts++
			}
		case KindTimeout, KindNetwork:
			// falls through to the retry/backoff below
		default:
			return Result{}, attempt, classifiedError(kind, err)
		}

		if attempt == maxAttempts {
			break
		}

		delay := retryBackoff(attempt, kind == KindRateLimit)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, attempt, errors.Join(domain.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return Result{}, maxAttempts, classifiedError(Classify(lastErr), lastErr)
}

func classifiedError(kind ErrorKind, err error) error {
	switch kind {
	case KindTimeout:
		return errors.Join(domain.ErrUpstreamTimeout, err)
	case KindRateLimit:
		return errors.Join(domain.ErrRateLimited, err)
	case KindAuth:
		return errors.Join(domain.ErrUpstreamAuth, err)
	case KindMalformed:
		return errors.Join(domain.ErrUpstreamMalformed, err)
	case KindCancelled:
		return errors.Join(domain.ErrCancelled, err)
	default:
		return errors.Join(domain.ErrUpstreamError, err)
	}
}
