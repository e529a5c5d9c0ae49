package llmfacade

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/ratelimit"
)

// ChunkKind discriminates the variants of a streamed chat response.
type ChunkKind string

const (
	ChunkDelta ChunkKind = "delta" // partial completion text
	ChunkMeta  ChunkKind = "meta"  // optional intermediate accounting
	ChunkDone  ChunkKind = "done"  // terminal marker with totals
	ChunkError ChunkKind = "error" // terminal error marker
)

// Chunk is one element of a streaming chat response (spec.md §4.3).
type Chunk struct {
	Kind ChunkKind

	Delta       string // set when Kind == ChunkDelta
	TokensSoFar int    // set when Kind == ChunkMeta

	Usage Usage // set when Kind == ChunkDone

	ErrKind    ErrorKind // set when Kind == ChunkError
	ErrMessage string
}

// ChatStream issues a streaming LLM call. The permit obtained from the rate
// limiter is held for the whole lifetime of the stream and released when
// the returned channel closes — whether that is because the provider sent
// Done/Error, or because ctx was cancelled and the provider adapter closed
// its upstream connection in response. The backpressure guarantee is
// structural: this method never reads ahead of what the caller consumes,
// since it only relays what the provider adapter's own channel produces.
func (f *Facade) ChatStream(ctx context.Context, providerID, prompt string, opts Options, cc CallContext) (<-chan Chunk, error) {
	ctx, span := tracer.Start(ctx, "llmfacade.chat_stream")
	span.SetAttributes(attribute.String("llm.provider", providerID))

	provider, ok := f.providers[providerID]
	if !ok || provider.Stream == nil {
		span.End()
		return nil, unknownProviderErr(providerID)
	}

	limiter, ok := f.limiters.For(providerID)
	if !ok {
		span.End()
		return nil, unknownProviderErr(providerID)
	}

	permit, err := limiter.Acquire(ctx)
	if err != nil {
		span.End()
		callsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerID), attribute.String("outcome", "rate_limited")))
		return nil, domain.ErrRateLimited
	}

	upstream, err := provider.Stream.Stream(ctx, prompt, opts)
	if err != nil {
		permit.Release(context.WithoutCancel(ctx))
		span.End()
		return nil, err
	}

	out := make(chan Chunk)
	go f.relayStream(ctx, span, providerID, cc, opts.RequestType, permit, upstream, out)
	return out, nil
}

// relayStream forwards upstream chunks to out, reports usage on the Done
// chunk, and guarantees the permit is released exactly once when upstream
// closes — the "finally-equivalent path" spec.md §4.3 requires so crashes
// and cancellations never leak permits.
func (f *Facade) relayStream(
	ctx context.Context,
	span trace.Span,
	providerID string,
	cc CallContext,
	requestType domain.RequestType,
	permit *ratelimit.Permit,
	upstream <-chan Chunk,
	out chan<- Chunk,
) {
	defer span.End()
	defer close(out)
	defer permit.Release(context.WithoutCancel(ctx))

	for chunk := range upstream {
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}

		switch chunk.Kind {
		case ChunkDone:
			callsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", providerID), attribute.String("outcome", "success")))
			f.reportUsage(ctx, providerID, cc, requestType, chunk.Usage, nil)
		case ChunkError:
			callsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("provider", providerID), attribute.String("outcome", "error")))
			f.logger.WarnContext(ctx, "llm stream error",
				slog.String("provider", providerID), slog.String("kind", string(chunk.ErrKind)), slog.String("message", chunk.ErrMessage))
		}
	}
}
