package palette

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/llmfacade"
)

// fakeCaller scripts Chat/ChatStream responses per provider id.
type fakeCaller struct {
	oneShot map[string]llmfacade.Result
	stream  map[string][]llmfacade.Chunk
	errs    map[string]error
	delay   map[string]time.Duration
}

func (f *fakeCaller) Chat(ctx context.Context, providerID, prompt string, opts llmfacade.Options, cc llmfacade.CallContext) (llmfacade.Result, error) {
	if d, ok := f.delay[providerID]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return llmfacade.Result{}, ctx.Err()
		}
	}
	if err, ok := f.errs[providerID]; ok {
		return llmfacade.Result{}, err
	}
	return f.oneShot[providerID], nil
}

func (f *fakeCaller) ChatStream(ctx context.Context, providerID, prompt string, opts llmfacade.Options, cc llmfacade.CallContext) (<-chan llmfacade.Chunk, error) {
	if err, ok := f.errs[providerID]; ok {
		return nil, err
	}
	out := make(chan llmfacade.Chunk, len(f.stream[providerID])+1)
	for _, c := range f.stream[providerID] {
		out <- c
	}
	close(out)
	return out, nil
}

func collectEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func nodesOf(events []Event) []string {
	var out []string
	for _, e := range events {
		if e.Kind == EventNodeGenerated {
			out = append(out, e.Node)
		}
	}
	return out
}

func noopPrompt(providerID, stage string, stageData map[string]string, alreadySuggested []string) string {
	return "prompt"
}

func TestEngine_RunBatch_MergesAndDedupsAcrossProviders(t *testing.T) {
	caller := &fakeCaller{
		oneShot: map[string]llmfacade.Result{
			"provider-a": {Content: "Database\nCache\nDatabase"},
			"provider-b": {Content: "Queue\ncache"},
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-a"}, {ID: "provider-b"}},
		Config{NodesPerProvider: 5, OverallDeadline: 5 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	events := collectEvents(t, out, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, EventBatchStarted, events[0].Kind)
	assert.Equal(t, EventBatchCompleted, events[len(events)-1].Kind)

	nodes := nodesOf(events)
	assert.ElementsMatch(t, []string{"database", "cache", "queue"}, nodes)

	completed := events[len(events)-1]
	assert.Equal(t, 3, completed.TotalUniqueNodes)
}

func TestEngine_RunBatch_StreamingProviderParsesOnDone(t *testing.T) {
	caller := &fakeCaller{
		stream: map[string][]llmfacade.Chunk{
			"provider-a": {
				{Kind: llmfacade.ChunkDelta, Delta: "Firewall\n"},
				{Kind: llmfacade.ChunkDelta, Delta: "Router"},
				{Kind: llmfacade.ChunkDone},
			},
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-a", Streaming: true}},
		Config{NodesPerProvider: 5, OverallDeadline: 5 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	events := collectEvents(t, out, 3*time.Second)
	nodes := nodesOf(events)
	assert.ElementsMatch(t, []string{"firewall", "router"}, nodes)
}

func TestEngine_RunBatch_OneProviderFailsOthersContinue(t *testing.T) {
	caller := &fakeCaller{
		oneShot: map[string]llmfacade.Result{
			"provider-good": {Content: "Alpha\nBeta"},
		},
		errs: map[string]error{
			"provider-bad": errors.New("upstream exploded"),
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-good"}, {ID: "provider-bad"}},
		Config{NodesPerProvider: 5, OverallDeadline: 5 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	events := collectEvents(t, out, 3*time.Second)
	assert.Contains(t, kinds(events), EventProviderDone)
	assert.Contains(t, kinds(events), EventBatchCompleted)
	assert.NotContains(t, kinds(events), EventError)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, nodesOf(events))
}

func TestEngine_RunBatch_AllProvidersFailEmitsError(t *testing.T) {
	caller := &fakeCaller{
		errs: map[string]error{
			"provider-a": errors.New("boom-a"),
			"provider-b": errors.New("boom-b"),
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-a"}, {ID: "provider-b"}},
		Config{NodesPerProvider: 5, OverallDeadline: 5 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	events := collectEvents(t, out, 3*time.Second)
	assert.Equal(t, EventError, events[len(events)-1].Kind)
}

func TestEngine_RunBatch_ExplicitCancelStopsNodeGeneration(t *testing.T) {
	caller := &fakeCaller{
		delay: map[string]time.Duration{"provider-slow": 2 * time.Second},
		oneShot: map[string]llmfacade.Result{
			"provider-slow": {Content: "Late"},
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-slow"}},
		Config{NodesPerProvider: 5, OverallDeadline: 10 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	// Let batch_started arrive, then cancel before the slow provider responds.
	first := <-out
	assert.Equal(t, EventBatchStarted, first.Kind)
	session.Cancel()

	events := collectEvents(t, out, 3*time.Second)
	for _, ev := range events {
		assert.NotEqual(t, EventNodeGenerated, ev.Kind, "no node_generated events may follow cancel")
	}
}

func TestEngine_RunBatch_StaleEpochNodesDropped(t *testing.T) {
	caller := &fakeCaller{
		delay: map[string]time.Duration{"provider-a": 200 * time.Millisecond},
		oneShot: map[string]llmfacade.Result{
			"provider-a": {Content: "StaleNode"},
		},
	}
	engine := NewEngine(caller)
	session := NewSession(domain.GeneratePaletteSessionID(), domain.GenerateUserID(), "topic", "tree", "dimensions", time.Now())

	out := engine.RunBatch(context.Background(), session,
		[]ProviderSpec{{ID: "provider-a"}},
		Config{NodesPerProvider: 5, OverallDeadline: 5 * time.Second},
		noopPrompt, llmfacade.CallContext{})

	first := <-out
	assert.Equal(t, EventBatchStarted, first.Kind)

	// Advance the session to the next stage while provider-a's call is
	// still in flight; its eventual node belongs to the now-stale epoch.
	session.AdvanceStage("categories", nil)

	events := collectEvents(t, out, 3*time.Second)
	assert.NotContains(t, kinds(events), EventNodeGenerated, "a node tagged with a stale epoch must never reach the client")
}
