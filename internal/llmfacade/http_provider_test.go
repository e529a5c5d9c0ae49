package llmfacade

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOneShotProvider_Call_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":10,"completion_tokens":4}}`)
	}))
	defer srv.Close()

	p := &HTTPOneShotProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	result, err := p.Call(context.Background(), "draw a flowchart", Options{MaxTokens: 512})
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 10, result.Usage.PromptTokens)
	assert.Equal(t, 4, result.Usage.CompletionTokens)
}

func TestHTTPOneShotProvider_Call_ErrorStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	p := &HTTPOneShotProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	_, err := p.Call(context.Background(), "draw a flowchart", Options{})
	require.Error(t, err)
	assert.Equal(t, KindRateLimit, Classify(err))
}

func TestHTTPOneShotProvider_Call_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[],"usage":{}}`)
	}))
	defer srv.Close()

	p := &HTTPOneShotProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	_, err := p.Call(context.Background(), "draw a flowchart", Options{})
	require.Error(t, err)
}

func TestHTTPStreamProvider_Stream_DeltasThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"hel\"}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"done\":true,\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	p := &HTTPStreamProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	chunks, err := p.Stream(context.Background(), "draw a flowchart", Options{})
	require.NoError(t, err)

	var deltas []string
	var done bool
	for c := range chunks {
		switch c.Kind {
		case ChunkDelta:
			deltas = append(deltas, c.Delta)
		case ChunkDone:
			done = true
			assert.Equal(t, 3, c.Usage.PromptTokens)
			assert.Equal(t, 2, c.Usage.CompletionTokens)
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, done)
}

func TestHTTPStreamProvider_Stream_SentinelTerminatedEmitsDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"hel\"}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"delta\":\"lo\",\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	p := &HTTPStreamProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	chunks, err := p.Stream(context.Background(), "draw a flowchart", Options{})
	require.NoError(t, err)

	var deltas []string
	var done bool
	for c := range chunks {
		switch c.Kind {
		case ChunkDelta:
			deltas = append(deltas, c.Delta)
		case ChunkDone:
			done = true
			assert.Equal(t, 3, c.Usage.PromptTokens)
			assert.Equal(t, 2, c.Usage.CompletionTokens)
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, done, "sentinel-terminated stream must still emit a terminal ChunkDone")
}

func TestHTTPStreamProvider_Stream_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"error\":\"upstream exploded\"}\n")
		flusher.Flush()
	}))
	defer srv.Close()

	p := &HTTPStreamProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	chunks, err := p.Stream(context.Background(), "draw a flowchart", Options{})
	require.NoError(t, err)

	c, ok := <-chunks
	require.True(t, ok)
	assert.Equal(t, ChunkError, c.Kind)
	assert.Equal(t, "upstream exploded", c.ErrMessage)

	_, ok = <-chunks
	assert.False(t, ok, "channel should close after error")
}

func TestHTTPStreamProvider_Stream_CancelStopsConsuming(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"first\"}\n")
		flusher.Flush()
		<-r.Context().Done()
		close(unblock)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := &HTTPStreamProvider{Endpoint: srv.URL, Model: "test-model", APIKey: "secret-key", Client: srv.Client()}
	chunks, err := p.Stream(ctx, "draw a flowchart", Options{})
	require.NoError(t, err)

	<-chunks // first delta
	cancel()

	select {
	case <-unblock:
	case <-time.After(2 * time.Second):
		t.Fatal("server request context was not cancelled")
	}

	for range chunks {
	}
}
