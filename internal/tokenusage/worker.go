package tokenusage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diagramflow/core/internal/domain"
)

var (
	flushesTotal   metric.Int64Counter
	flushedRecords metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/tokenusage")
	flushesTotal, _ = m.Int64Counter("tokenusage_flushes_total",
		metric.WithDescription("Total flush attempts, by outcome"))
	flushedRecords, _ = m.Int64Counter("tokenusage_flushed_records_total",
		metric.WithDescription("Total records successfully persisted"))
}

// Persister is the narrow relational-store surface the flush worker needs:
// persist a batch in a single transaction, and nothing else. Implemented
// by internal/pgstore.
type Persister interface {
	PersistBatch(ctx context.Context, records []domain.TokenUsageRecord) error
}

// WorkerConfig holds the tuning parameters and dependencies for the
// background flush loop (spec.md §4.5).
type WorkerConfig struct {
	Store          ListAppender
	Persist        Persister
	Logger         *slog.Logger
	FlushInterval  time.Duration
	FlushThreshold int64
	Clock          domain.Clock
}

// Worker drains the buffer's store-backed list (and its in-process
// fallback queue) on a schedule and persists batches to the relational
// store.
type Worker struct {
	buffer  *Buffer
	store   ListAppender
	persist Persister
	logger  *slog.Logger
	clock   domain.Clock

	flushInterval  time.Duration
	flushThreshold int64
	pollInterval   time.Duration
}

// NewWorker builds a Worker over buffer using cfg.
func NewWorker(buffer *Buffer, cfg WorkerConfig) *Worker {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = domain.TokenBufferFlushInterval
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = domain.TokenBufferFlushThreshold
	}
	poll := interval / 5
	if poll < time.Second {
		poll = time.Second
	}
	if poll > interval {
		poll = interval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Worker{
		buffer:         buffer,
		store:          cfg.Store,
		persist:        cfg.Persist,
		logger:         cfg.Logger,
		clock:          clock,
		flushInterval:  interval,
		flushThreshold: threshold,
		pollInterval:   poll,
	}
}

// Run polls on pollInterval, triggering a flush whenever flushInterval has
// elapsed since the last one or the store list has crossed flushThreshold,
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastFlush := w.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			due := w.clock.Now().Sub(lastFlush) >= w.flushInterval
			if !due {
				n, err := w.storeLen(ctx)
				if err != nil {
					w.logger.WarnContext(ctx, "token usage buffer length check failed", slog.String("error", err.Error()))
				} else if n >= w.flushThreshold {
					due = true
				}
			}
			if !due {
				continue
			}
			w.flushOnce(ctx)
			lastFlush = w.clock.Now()
		}
	}
}

// storeLen reports the current backlog via a throwaway PopBatch(0) style
// probe is avoided; length is read through the Store's LLen, exposed on
// the narrower ListAppender via a type assertion since most callers never
// need it.
func (w *Worker) storeLen(ctx context.Context) (int64, error) {
	lenProbe, ok := w.store.(interface {
		LLen(ctx context.Context, key string) (int64, error)
	})
	if !ok {
		return 0, nil
	}
	return lenProbe.LLen(ctx, queueKey)
}

// flushOnce performs one read-and-trim-and-persist cycle. Failures are
// logged and the batch is restored for a later retry; flushOnce never
// panics or blocks indefinitely.
func (w *Worker) flushOnce(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "tokenusage.flush")
	defer span.End()

	fallbackBatch := w.buffer.drainFallback(int(w.flushThreshold))

	raw, err := w.store.PopBatch(ctx, queueKey, w.flushThreshold)
	if err != nil {
		w.logger.WarnContext(ctx, "token usage pop-batch failed", slog.String("error", err.Error()))
		w.buffer.requeueFallback(ctx, fallbackBatch)
		return
	}

	records := make([]domain.TokenUsageRecord, 0, len(raw)+len(fallbackBatch))
	var malformed int
	for _, item := range raw {
		var rec domain.TokenUsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	records = append(records, fallbackBatch...)

	if malformed > 0 {
		w.logger.WarnContext(ctx, "dropped malformed token usage records", slog.Int("count", malformed))
	}
	if len(records) == 0 {
		return
	}

	if err := w.persist.PersistBatch(ctx, records); err != nil {
		w.logger.WarnContext(ctx, "token usage batch persist failed, restoring batch",
			slog.Int("batch_size", len(records)), slog.String("error", err.Error()))
		w.restoreBatch(ctx, raw, fallbackBatch)
		flushesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		return
	}

	w.updateAggregates(ctx, records)
	flushesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	flushedRecords.Add(ctx, int64(len(records)))
}

// restoreBatch puts a failed batch back at the front of the store list (so
// it is the first thing the next flush sees) and returns the fallback
// portion to the in-process queue, per spec.md §4.5's retry-with-backoff
// requirement.
func (w *Worker) restoreBatch(ctx context.Context, storeItems []string, fallbackBatch []domain.TokenUsageRecord) {
	if err := w.store.LPushBatch(ctx, queueKey, storeItems); err != nil {
		w.logger.WarnContext(ctx, "failed to restore token usage batch to store, records may be delayed",
			slog.String("error", err.Error()))
	}
	w.buffer.requeueFallback(ctx, fallbackBatch)
}

// updateAggregates bumps the per-model admin-dashboard counters
// (requests, success, tokens) via atomic HINCRBY, per spec.md §4.5 point 4.
func (w *Worker) updateAggregates(ctx context.Context, records []domain.TokenUsageRecord) {
	for _, rec := range records {
		key := "tokenusage:agg:" + rec.ModelID
		if _, err := w.store.HIncrBy(ctx, key, "requests", 1); err != nil {
			w.logger.WarnContext(ctx, "aggregate counter update failed", slog.String("field", "requests"), slog.String("error", err.Error()))
		}
		if _, err := w.store.HIncrBy(ctx, key, "success", 1); err != nil {
			w.logger.WarnContext(ctx, "aggregate counter update failed", slog.String("field", "success"), slog.String("error", err.Error()))
		}
		tokens := int64(rec.PromptTokens + rec.CompletionTokens)
		if _, err := w.store.HIncrBy(ctx, key, "tokens", tokens); err != nil {
			w.logger.WarnContext(ctx, "aggregate counter update failed", slog.String("field", "tokens"), slog.String("error", err.Error()))
		}
	}
}
