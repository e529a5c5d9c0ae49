// Package tokenusage implements the Token-Usage Buffer (spec.md §4.5): a
// non-blocking enqueue on the LLM call hot path, backed by the
// coordination store's list, with a background worker that batches and
// persists to the relational store.
package tokenusage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diagramflow/core/internal/domain"
)

var tracer = otel.Tracer("internal/tokenusage")

var (
	enqueuedTotal metric.Int64Counter
	fallbackTotal metric.Int64Counter
	droppedTotal  metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/tokenusage")
	enqueuedTotal, _ = m.Int64Counter("tokenusage_enqueued_total",
		metric.WithDescription("Total TokenUsageRecords enqueued, by path (store or fallback)"))
	fallbackTotal, _ = m.Int64Counter("tokenusage_fallback_total",
		metric.WithDescription("Total records that fell back to the in-process queue"))
	droppedTotal, _ = m.Int64Counter("tokenusage_dropped_total",
		metric.WithDescription("Total records dropped because even the fallback queue was full"))
}

// queueKey is the coordination store list the buffer appends to.
const queueKey = "tokenusage:queue"

// ListAppender is the narrow coordination.Store surface the buffer needs
// on the hot path and the flush worker needs on the batch path.
type ListAppender interface {
	RPush(ctx context.Context, key, value string) error
	PopBatch(ctx context.Context, key string, n int64) ([]string, error)
	LPushBatch(ctx context.Context, key string, values []string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
}

// Buffer implements llmfacade.UsageRecorder: Enqueue returns after a single
// store append (or, if the store is unreachable, a non-blocking send to an
// in-process fallback queue) and never blocks the caller on a database
// write.
type Buffer struct {
	store    ListAppender
	logger   *slog.Logger
	fallback chan domain.TokenUsageRecord
}

// Config holds the dependencies needed to construct a Buffer.
type Config struct {
	Store  ListAppender
	Logger *slog.Logger
	// FallbackCapacity bounds the in-process queue used when the store is
	// unreachable. Once full, further records are logged and dropped
	// rather than blocking the caller.
	FallbackCapacity int
}

// New builds a Buffer from cfg.
func New(cfg Config) *Buffer {
	capacity := cfg.FallbackCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	return &Buffer{
		store:    cfg.Store,
		logger:   cfg.Logger,
		fallback: make(chan domain.TokenUsageRecord, capacity),
	}
}

// Enqueue appends record to the shared list. On store unavailability it
// falls back to the in-process queue; if that is also full, the record is
// logged as dropped per spec.md §4.5's "exactly once or explicitly logged
// as dropped" invariant. Either way, Enqueue never blocks on the database.
func (b *Buffer) Enqueue(ctx context.Context, record domain.TokenUsageRecord) error {
	ctx, span := tracer.Start(ctx, "tokenusage.enqueue")
	defer span.End()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal token usage record: %w", err)
	}

	err = b.store.RPush(ctx, queueKey, string(payload))
	if err == nil {
		enqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "store")))
		return nil
	}
	b.logger.WarnContext(ctx, "token usage store append failed, falling back to in-process queue",
		slog.String("error", err.Error()))

	select {
	case b.fallback <- record:
		fallbackTotal.Add(ctx, 1)
		enqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "fallback")))
		return nil
	default:
		droppedTotal.Add(ctx, 1)
		b.logger.WarnContext(ctx, "token usage fallback queue full, dropping record",
			slog.String("user_id", record.UserID.String()), slog.String("model", record.ModelID))
		return nil
	}
}

// drainFallback removes up to max records currently sitting in the
// in-process fallback queue, without blocking if fewer are available.
func (b *Buffer) drainFallback(max int) []domain.TokenUsageRecord {
	var out []domain.TokenUsageRecord
	for len(out) < max {
		select {
		case rec := <-b.fallback:
			out = append(out, rec)
		default:
			return out
		}
	}
	return out
}

// requeueFallback best-effort restores records to the in-process queue
// after a failed persist attempt. Records that don't fit are logged and
// dropped rather than blocking the flush worker.
func (b *Buffer) requeueFallback(ctx context.Context, records []domain.TokenUsageRecord) {
	for _, rec := range records {
		select {
		case b.fallback <- rec:
		default:
			droppedTotal.Add(ctx, 1)
			b.logger.WarnContext(ctx, "token usage record dropped on requeue, fallback queue full",
				slog.String("user_id", rec.UserID.String()), slog.String("model", rec.ModelID))
		}
	}
}
