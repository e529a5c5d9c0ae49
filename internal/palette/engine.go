package palette

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/llmfacade"
)

var tracer = otel.Tracer("internal/palette")

var (
	batchesTotal          metric.Int64Counter
	nodesGeneratedTotal   metric.Int64Counter
	providerFailuresTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("internal/palette")
	batchesTotal, _ = m.Int64Counter("palette_batches_total",
		metric.WithDescription("Total node-palette batches run, by outcome"))
	nodesGeneratedTotal, _ = m.Int64Counter("palette_nodes_generated_total",
		metric.WithDescription("Total unique nodes forwarded to clients"))
	providerFailuresTotal, _ = m.Int64Counter("palette_provider_failures_total",
		metric.WithDescription("Total provider failures during a node-palette batch"))
}

// Caller is the narrow subset of *llmfacade.Facade the engine needs.
type Caller interface {
	Chat(ctx context.Context, providerID, prompt string, opts llmfacade.Options, cc llmfacade.CallContext) (llmfacade.Result, error)
	ChatStream(ctx context.Context, providerID, prompt string, opts llmfacade.Options, cc llmfacade.CallContext) (<-chan llmfacade.Chunk, error)
}

// ProviderSpec names one of the K providers fanned out to for a batch and
// whether it is called via chat_stream or chat (spec.md §4.4.1).
type ProviderSpec struct {
	ID        string
	Streaming bool
}

// Config holds the per-batch tuning parameters (spec.md §4.4 "Inputs").
type Config struct {
	NodesPerProvider int
	OverallDeadline  time.Duration
}

// Engine runs node-palette batches: fan-out to K providers, merge into an
// ordered, de-duplicated event stream.
type Engine struct {
	caller Caller
}

// NewEngine builds an Engine over caller.
func NewEngine(caller Caller) *Engine {
	return &Engine{caller: caller}
}

// mergeMsg is one item flowing from a provider goroutine to the merge
// loop: either a raw candidate node or that provider's terminal status.
type mergeMsg struct {
	providerID string
	node       string
	isDone     bool
	err        error
}

// RunBatch starts a fan-out batch for session and returns the ordered SSE
// event channel. reqCtx is the client's request/connection context — its
// cancellation (HTTP disconnect, explicit close) stops the batch per
// spec.md §4.4.2. The channel closes once the batch completes, fails, or
// is cancelled.
func (e *Engine) RunBatch(reqCtx context.Context, session *Session, providers []ProviderSpec, cfg Config, promptFor func(providerID string, stage string, stageData map[string]string, alreadySuggested []string) string, cc llmfacade.CallContext) <-chan Event {
	deadline := cfg.OverallDeadline
	if deadline <= 0 {
		deadline = domain.PaletteOverallDeadline
	}
	callCtx, cancel := context.WithTimeout(reqCtx, deadline)
	session.SetCancel(cancel)

	out := make(chan Event)
	go e.run(reqCtx, callCtx, session, providers, cfg, promptFor, cc, out)
	return out
}

func (e *Engine) run(
	reqCtx, callCtx context.Context,
	session *Session,
	providers []ProviderSpec,
	cfg Config,
	promptFor func(providerID, stage string, stageData map[string]string, alreadySuggested []string) string,
	cc llmfacade.CallContext,
	out chan<- Event,
) {
	defer close(out)

	_, span := tracer.Start(reqCtx, "palette.run_batch")
	defer span.End()
	span.SetAttributes(attribute.String("palette.session_id", session.ID.String()))

	stage, stageData, epoch := session.Stage()
	if !trySend(out, reqCtx, batchStartedEvent(stage)) {
		return
	}

	merged := make(chan mergeMsg, len(providers)*cfg.NodesPerProvider+len(providers))
	var wg sync.WaitGroup
	for _, spec := range providers {
		wg.Add(1)
		alreadySuggested := session.snapshotSuggested()
		prompt := promptFor(spec.ID, stage, stageData, alreadySuggested)
		opts := llmfacade.Options{RequestType: domain.RequestTypeNodePalette}
		go func(spec ProviderSpec, prompt string) {
			defer wg.Done()
			e.runProvider(callCtx, spec, prompt, opts, cc, merged)
		}(spec, prompt)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	var graceTimer <-chan time.Time
	cancelled := false
	forceClose := false
	doneCount := 0
	failCount := 0
	uniqueTotal := 0

	for !forceClose {
		select {
		case msg, ok := <-merged:
			if !ok {
				doneCount = len(providers)
				goto finished
			}
			if msg.isDone {
				doneCount++
				status := "success"
				if msg.err != nil {
					status = "failed"
					failCount++
					providerFailuresTotal.Add(reqCtx, 1, metric.WithAttributes(attribute.String("provider", msg.providerID)))
				}
				if !cancelled {
					trySend(out, reqCtx, providerDoneEvent(msg.providerID, status))
				}
				if doneCount == len(providers) {
					goto finished
				}
				continue
			}
			if cancelled || epoch != session.CurrentEpoch() {
				continue
			}
			if norm, added := session.TryAdd(msg.node); added {
				uniqueTotal++
				nodesGeneratedTotal.Add(reqCtx, 1)
				trySend(out, reqCtx, nodeGeneratedEvent(norm, msg.providerID))
			}
		case <-callCtx.Done():
			if !cancelled {
				cancelled = true
				timer := time.NewTimer(domain.PaletteCancelGracePeriod)
				defer timer.Stop()
				graceTimer = timer.C
			}
		case <-graceTimer:
			forceClose = true
		}
	}

finished:
	outcome := "completed"
	if failCount == len(providers) && len(providers) > 0 {
		trySend(out, reqCtx, errorEvent("all_providers_failed", "all providers failed"))
		outcome = "all_failed"
	} else if !forceClose {
		trySend(out, reqCtx, batchCompletedEvent(uniqueTotal))
	} else {
		outcome = "cancelled"
	}
	batchesTotal.Add(reqCtx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// runProvider drives one provider's call to completion (or ctx
// cancellation), emitting one mergeMsg per candidate node followed by
// exactly one terminal mergeMsg. A failure here never aborts the other
// providers (spec.md §4.4.4).
func (e *Engine) runProvider(ctx context.Context, spec ProviderSpec, prompt string, opts llmfacade.Options, cc llmfacade.CallContext, merged chan<- mergeMsg) {
	var callErr error
	defer func() {
		select {
		case merged <- mergeMsg{providerID: spec.ID, isDone: true, err: callErr}:
		case <-ctx.Done():
		}
	}()

	if spec.Streaming {
		chunks, err := e.caller.ChatStream(ctx, spec.ID, prompt, opts, cc)
		if err != nil {
			callErr = err
			return
		}
		var buf strings.Builder
		for chunk := range chunks {
			switch chunk.Kind {
			case llmfacade.ChunkDelta:
				buf.WriteString(chunk.Delta)
			case llmfacade.ChunkDone:
				if !e.emitCandidates(ctx, spec.ID, buf.String(), merged) {
					return
				}
			case llmfacade.ChunkError:
				callErr = fmt.Errorf("%s: %s", chunk.ErrKind, chunk.ErrMessage)
				return
			}
		}
		return
	}

	result, err := e.caller.Chat(ctx, spec.ID, prompt, opts, cc)
	if err != nil {
		callErr = err
		return
	}
	e.emitCandidates(ctx, spec.ID, result.Content, merged)
}

// emitCandidates parses content and forwards each candidate node,
// respecting cancellation. Returns false if ctx was cancelled mid-send.
func (e *Engine) emitCandidates(ctx context.Context, providerID, content string, merged chan<- mergeMsg) bool {
	for _, candidate := range parseCandidates(content) {
		select {
		case merged <- mergeMsg{providerID: providerID, node: candidate}:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// trySend sends ev on out, respecting ctx cancellation so a disconnected
// client never blocks the batch goroutine forever. Returns false if ctx
// was cancelled before the send could complete.
func trySend(out chan<- Event, ctx context.Context, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// snapshotSuggested returns the current already-suggested set as a slice,
// for embedding verbatim in a provider prompt (spec.md §4.4.1).
func (s *Session) snapshotSuggested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.alreadySuggested))
	for node := range s.alreadySuggested {
		out = append(out, node)
	}
	return out
}
