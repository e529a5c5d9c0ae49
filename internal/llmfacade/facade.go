// Package llmfacade provides the one call surface over N heterogeneous LLM
// providers (spec.md §4.3): it applies timeouts, retries with exponential
// back-off, obtains permits from the rate limiter, classifies provider
// errors into the shared taxonomy, and reports each call's token usage to
// the token-usage buffer and its outcome to telemetry. The facade holds no
// per-call state; its metric instruments are package-level, and
// per-provider behavior is supplied by a Caller adapter registered at
// construction time.
package llmfacade

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/ratelimit"
)

var tracer = otel.Tracer("internal/llmfacade")

var (
	callsTotal       metric.Int64Counter
	callLatencySecs  metric.Float64Histogram
	tokensInTotal    metric.Int64Counter
	tokensOutTotal   metric.Int64Counter
	retriesTotal     metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/llmfacade")
	callsTotal, _ = m.Int64Counter("llm_calls_total",
		metric.WithDescription("Total LLM provider calls by provider and outcome"))
	callLatencySecs, _ = m.Float64Histogram("llm_call_latency_seconds",
		metric.WithDescription("LLM provider call latency"))
	tokensInTotal, _ = m.Int64Counter("llm_tokens_in_total",
		metric.WithDescription("Total prompt tokens sent to LLM providers"))
	tokensOutTotal, _ = m.Int64Counter("llm_tokens_out_total",
		metric.WithDescription("Total completion tokens received from LLM providers"))
	retriesTotal, _ = m.Int64Counter("llm_retries_total",
		metric.WithDescription("Total retry attempts against LLM providers"))
}

// Options carries the caller-tunable parameters for one LLM call.
type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	RequestType domain.RequestType
}

// CallContext carries the accounting identity for one LLM call — who to
// bill tokens to — plus the diagram topic context a provider may need to
// build its prompt. It never carries a database connection or handle: per
// Design Notes §9, nothing downstream of the authenticator holds one.
type CallContext struct {
	UserID   domain.UserID
	OrgID    domain.OrgID
	APIKeyID domain.ApiKeyID
}

// Usage reports the token accounting for one completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Result is the outcome of a successful one-shot chat call.
type Result struct {
	Content string
	Usage   Usage
}

// UsageRecorder is the narrow interface the facade uses to report
// completed token usage; internal/tokenusage.Buffer satisfies it.
type UsageRecorder interface {
	Enqueue(ctx context.Context, record domain.TokenUsageRecord) error
}

// Limiter is the narrow interface the facade uses to gate calls through
// the rate limiter; *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context) (*ratelimit.Permit, error)
}

// LimiterRegistry looks up a provider's Limiter; *ratelimit.Registry
// satisfies it.
type LimiterRegistry interface {
	For(providerID string) (*ratelimit.Limiter, bool)
}

// OneShotCaller is implemented by a one-shot HTTP provider adapter.
type OneShotCaller interface {
	Call(ctx context.Context, prompt string, opts Options) (Result, error)
}

// StreamCaller is implemented by a streaming HTTP provider adapter. It
// returns a channel the facade forwards to the caller; the provider
// adapter is responsible for closing the channel when the stream
// terminates (Done, Error, or ctx cancellation) and for closing its
// upstream connection within a bounded grace period after ctx is done.
type StreamCaller interface {
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)
}

// Provider bundles a provider's id, variant, and its adapter(s). A provider
// may support one-shot, streaming, or both.
type Provider struct {
	ID     string
	OneShot OneShotCaller
	Stream  StreamCaller
}

// Facade is the composed call surface over all configured providers.
type Facade struct {
	providers map[string]Provider
	limiters  LimiterRegistry
	usage     UsageRecorder
	logger    *slog.Logger
	clock     domain.Clock
}

// Config holds the dependencies needed to construct a Facade.
type Config struct {
	Providers []Provider
	Limiters  LimiterRegistry
	Usage     UsageRecorder
	Logger    *slog.Logger
	Clock     domain.Clock
}

// New builds a Facade from cfg.
func New(cfg Config) *Facade {
	providers := make(map[string]Provider, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.ID] = p
	}
	return &Facade{
		providers: providers,
		limiters:  cfg.Limiters,
		usage:     cfg.Usage,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
}

// Chat issues a one-shot LLM call against providerID. It obtains a permit
// from the rate limiter before any network I/O, releases it on every exit
// path, retries transient failures per the back-off policy in retry.go,
// and reports latency and outcome once per call (success or final
// failure), plus token usage when the result carries any.
func (f *Facade) Chat(ctx context.Context, providerID, prompt string, opts Options, cc CallContext) (Result, error) {
	ctx, span := tracer.Start(ctx, "llmfacade.chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.provider", providerID))

	provider, ok := f.providers[providerID]
	if ok == false || provider.OneShot == nil {
		return Result{}, unknownProviderErr(providerID)
	}

	limiter, ok := f.limiters.For(providerID)
	if !ok {
		return Result{}, unknownProviderErr(providerID)
	}

	permit, err := limiter.Acquire(ctx)
	if err != nil {
		callsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerID), attribute.String("outcome", "rate_limited")))
		return Result{}, domain.ErrRateLimited
	}
	defer permit.Release(context.WithoutCancel(ctx))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.LLMDefaultTimeout
	}

	start := f.clock.Now()
	result, attempts, err := retryOneShot(ctx, timeout, func(attemptCtx context.Context) (Result, error) {
		return provider.OneShot.Call(attemptCtx, prompt, opts)
	})
	latency := f.clock.Now().Sub(start)

	retriesTotal.Add(ctx, int64(attempts-1), metric.WithAttributes(attribute.String("provider", providerID)))
	callLatencySecs.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("provider", providerID)))

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	callsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", providerID), attribute.String("outcome", outcome)))

	f.reportUsage(ctx, providerID, cc, opts.RequestType, result.Usage, err)

	if err != nil {
		f.logger.WarnContext(ctx, "llm call failed",
			slog.String("provider", providerID), slog.Int("attempts", attempts), slog.String("error", err.Error()))
		return Result{}, err
	}
	return result, nil
}

// reportUsage enqueues one TokenUsageRecord per call when usage reports
// any prompt or completion tokens; a call with zero usage enqueues
// nothing. Buffer failures never surface to the caller; they are logged
// and dropped.
func (f *Facade) reportUsage(ctx context.Context, providerID string, cc CallContext, requestType domain.RequestType, usage Usage, callErr error) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	tokensInTotal.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(attribute.String("provider", providerID)))
	tokensOutTotal.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(attribute.String("provider", providerID)))

	record := domain.TokenUsageRecord{
		UserID:           cc.UserID,
		ModelID:          providerID,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		RequestType:      requestType,
		CreatedAt:        f.clock.Now().UTC(),
	}
	if err := f.usage.Enqueue(context.WithoutCancel(ctx), record); err != nil {
		f.logger.WarnContext(ctx, "token usage enqueue failed, dropping record",
			slog.String("provider", providerID), slog.String("error", err.Error()))
	}
}

func unknownProviderErr(providerID string) error {
	return &ProviderNotConfiguredError{ProviderID: providerID}
}

// ProviderNotConfiguredError reports a call against a provider id the
// facade has no adapter for.
type ProviderNotConfiguredError struct {
	ProviderID string
}

func (e *ProviderNotConfiguredError) Error() string {
	return "llm provider not configured: " + e.ProviderID
}
