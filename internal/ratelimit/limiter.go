// Package ratelimit implements the dual-layer per-provider admission
// controller: a sliding-window QPM counter and a concurrent-slot semaphore.
// Request paths obtain a Permit before invoking an LLM provider and release
// it on completion, on error, or on cancellation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/diagramflow/core/internal/domain"
)

var tracer = otel.Tracer("internal/ratelimit")

var (
	acquireWaitSeconds metric.Float64Histogram
	permitsDeniedTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/ratelimit")
	acquireWaitSeconds, _ = m.Float64Histogram("ratelimit_acquire_wait_seconds",
		metric.WithDescription("Time spent waiting for a rate limiter permit"))
	permitsDeniedTotal, _ = m.Int64Counter("ratelimit_permits_denied_total",
		metric.WithDescription("Total permit acquisitions that failed (deadline, cancel, unavailable)"))
}

// Store is the narrow subset of the Coordination Store Client the global-
// scope algorithm needs: sorted-set primitives for the sliding window, and
// an atomic counter with TTL for the concurrent-slot count.
type Store interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	IncrWithTTL(ctx context.Context, key string, ttlSeconds int) (int64, error)
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// ProviderConfig holds one provider's admission-control parameters (spec.md
// §4.2's "Configuration per provider").
type ProviderConfig struct {
	QPMLimit        int
	ConcurrentLimit int
	Scope           domain.RateLimiterScope
}

// Permit represents the right to make one outbound request to a rate-limited
// provider. Release is idempotent and safe to call from a defer.
type Permit struct {
	release func(context.Context)
	once    sync.Once
}

// Release releases the permit. Safe to call more than once and safe to call
// with an already-cancelled context — release must never be skipped because
// the caller's context expired.
func (p *Permit) Release(ctx context.Context) {
	p.once.Do(func() {
		if p.release != nil {
			p.release(ctx)
		}
	})
}

// Limiter is a per-provider rate limiter. One Limiter instance is created
// per configured provider; the Facade holds a map of them keyed by
// provider id.
type Limiter struct {
	providerID string
	cfg        ProviderConfig
	store      Store
	clock      domain.Clock

	// process-scope state
	sem      *semaphore.Weighted
	localMu  sync.Mutex
	localTs  []time.Time
}

// New creates a Limiter for one provider. store may be nil when
// cfg.Scope == domain.ScopeProcess.
func New(providerID string, cfg ProviderConfig, store Store, clock domain.Clock) *Limiter {
	l := &Limiter{
		providerID: providerID,
		cfg:        cfg,
		store:      store,
		clock:      clock,
	}
	if cfg.Scope == domain.ScopeProcess {
		l.sem = semaphore.NewWeighted(int64(cfg.ConcurrentLimit))
	}
	return l
}

// Acquire blocks (cooperatively) until a concurrent slot is free and the
// sliding-window QPM counter is below the limit, or ctx is cancelled/
// deadline-exceeded first. On acquisition it has already recorded the
// sliding-window timestamp and incremented the in-flight counter; the
// returned Permit's Release undoes exactly that bookkeeping.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.acquire")
	defer span.End()
	span.SetAttributes(attribute.String("ratelimit.provider", l.providerID))

	start := l.clock.Now()
	defer func() {
		acquireWaitSeconds.Record(ctx, l.clock.Now().Sub(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", l.providerID)))
	}()

	if l.cfg.Scope == domain.ScopeProcess {
		return l.acquireProcess(ctx)
	}
	return l.acquireGlobal(ctx)
}

// acquireProcess implements the process-scope path entirely in-process: a
// weighted semaphore for the concurrent-slot limit and a local deque for
// the sliding-window QPM limit. No coordination-store round trip.
func (l *Limiter) acquireProcess(ctx context.Context) (*Permit, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		permitsDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", l.providerID)))
		return nil, fmt.Errorf("acquire concurrent slot: %w", errors.Join(err, domain.ErrRateLimited))
	}

	if err := l.waitForLocalWindow(ctx); err != nil {
		l.sem.Release(1)
		permitsDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", l.providerID)))
		return nil, err
	}

	return &Permit{release: func(context.Context) { l.sem.Release(1) }}, nil
}

// waitForLocalWindow blocks until the local sliding window has room for one
// more timestamp, recording it on success.
func (l *Limiter) waitForLocalWindow(ctx context.Context) error {
	ticker := time.NewTicker(domain.RateLimiterPollInterval)
	defer ticker.Stop()

	for {
		if l.tryRecordLocal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for QPM window: %w", errors.Join(ctx.Err(), domain.ErrRateLimited))
		case <-ticker.C:
		}
	}
}

func (l *Limiter) tryRecordLocal() bool {
	l.localMu.Lock()
	defer l.localMu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-domain.RateLimiterSlidingWindow)
	kept := l.localTs[:0]
	for _, ts := range l.localTs {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.localTs = kept

	if len(l.localTs) >= l.cfg.QPMLimit {
		return false
	}
	l.localTs = append(l.localTs, now)
	return true
}

// acquireGlobal implements the global-scope algorithm from spec.md §4.2:
// append-then-check the sliding window via the coordination store's sorted
// set, then bump a TTL'd counter for the concurrent-slot limit. Both steps
// are bounded polling loops so a caller that never gets a slot eventually
// observes ctx cancellation rather than blocking forever.
func (l *Limiter) acquireGlobal(ctx context.Context) (*Permit, error) {
	tsKey := "rl:" + l.providerID + ":ts"
	concKey := "rl:" + l.providerID + ":conc"

	score, err := l.admitQPM(ctx, tsKey)
	if err != nil {
		permitsDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", l.providerID)))
		return nil, err
	}

	if err := l.admitConcurrent(ctx, concKey); err != nil {
		// Undo the QPM timestamp we just added; this request never ran.
		if remErr := l.store.ZRemRangeByScore(context.WithoutCancel(ctx), tsKey, score, score); remErr != nil {
			// best-effort: the timestamp will fall out of the window on its own
		}
		permitsDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", l.providerID)))
		return nil, err
	}

	return &Permit{release: func(releaseCtx context.Context) {
		if _, decErr := l.store.DecrBy(releaseCtx, concKey, 1); decErr != nil {
			// best-effort: the TTL on concKey bounds how long a lost decrement
			// can inflate the concurrent count.
		}
	}}, nil
}

// admitQPM polls the sliding window until it has room, then records the
// current timestamp and returns the score it used as the set member.
func (l *Limiter) admitQPM(ctx context.Context, tsKey string) (float64, error) {
	ticker := time.NewTicker(domain.RateLimiterPollInterval)
	defer ticker.Stop()

	for {
		now := l.clock.Now()
		score := float64(now.UnixNano())
		member := strconv.FormatInt(now.UnixNano(), 10)

		if err := l.store.ZAdd(ctx, tsKey, score, member); err != nil {
			return 0, fmt.Errorf("record QPM timestamp: %w", domain.ErrUnavailable)
		}

		windowStart := float64(now.Add(-domain.RateLimiterSlidingWindow).UnixNano())
		if err := l.store.ZRemRangeByScore(ctx, tsKey, 0, windowStart); err != nil {
			return 0, fmt.Errorf("trim QPM window: %w", domain.ErrUnavailable)
		}

		count, err := l.store.ZCard(ctx, tsKey)
		if err != nil {
			return 0, fmt.Errorf("count QPM window: %w", domain.ErrUnavailable)
		}

		if count <= int64(l.cfg.QPMLimit) {
			return score, nil
		}

		// Over budget: remove the entry we just added and wait for room.
		if err := l.store.ZRemRangeByScore(ctx, tsKey, score, score); err != nil {
			return 0, fmt.Errorf("revert QPM timestamp: %w", domain.ErrUnavailable)
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("wait for QPM window: %w", errors.Join(ctx.Err(), domain.ErrRateLimited))
		case <-ticker.C:
		}
	}
}

// admitConcurrent polls the concurrent-slot counter until it has room.
func (l *Limiter) admitConcurrent(ctx context.Context, concKey string) error {
	ttlSeconds := int(domain.RateLimiterSlidingWindow.Seconds())
	ticker := time.NewTicker(domain.RateLimiterPollInterval)
	defer ticker.Stop()

	for {
		count, err := l.store.IncrWithTTL(ctx, concKey, ttlSeconds)
		if err != nil {
			return fmt.Errorf("increment concurrent slot: %w", domain.ErrUnavailable)
		}

		if count <= int64(l.cfg.ConcurrentLimit) {
			return nil
		}

		if _, err := l.store.DecrBy(ctx, concKey, 1); err != nil {
			return fmt.Errorf("revert concurrent slot: %w", domain.ErrUnavailable)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for concurrent slot: %w", errors.Join(ctx.Err(), domain.ErrRateLimited))
		case <-ticker.C:
		}
	}
}
