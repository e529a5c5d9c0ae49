package llmfacade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestHTTPDuplexProvider_Stream_DeltasThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer voice-key", r.Header.Get("Authorization"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var in duplexFrame
		require.NoError(t, conn.ReadJSON(&in))
		assert.Equal(t, duplexTypeInput, in.Type)
		assert.Equal(t, "draw a flowchart", in.Text)

		require.NoError(t, conn.WriteJSON(duplexFrame{Type: duplexTypeResponseChunk, Text: "hel"}))
		require.NoError(t, conn.WriteJSON(duplexFrame{Type: duplexTypeResponseChunk, Text: "lo"}))
		require.NoError(t, conn.WriteJSON(duplexFrame{Type: duplexTypeResponseDone, Usage: &chatUsage{PromptTokens: 5, CompletionTokens: 2}}))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := &HTTPDuplexProvider{Endpoint: wsURL, APIKey: "voice-key", Dial: DefaultDialer}

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
			assert.Equal(t, 5, c.Usage.PromptTokens)
			assert.Equal(t, 2, c.Usage.CompletionTokens)
		}
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.True(t, done)
}

func TestHTTPDuplexProvider_Stream_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var in duplexFrame
		require.NoError(t, conn.ReadJSON(&in))
		require.NoError(t, conn.WriteJSON(duplexFrame{Type: duplexTypeError, Error: "model overloaded"}))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	p := &HTTPDuplexProvider{Endpoint: wsURL, APIKey: "voice-key", Dial: DefaultDialer}

	chunks, err := p.Stream(context.Background(), "draw a flowchart", Options{})
	require.NoError(t, err)

	c, ok := <-chunks
	require.True(t, ok)
	assert.Equal(t, ChunkError, c.Kind)
	assert.Equal(t, "model overloaded", c.ErrMessage)

	_, ok = <-chunks
	assert.False(t, ok)
}

func TestHTTPDuplexProvider_Stream_CancelClosesSocket(t *testing.T) {
	serverClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var in duplexFrame
		require.NoError(t, conn.ReadJSON(&in))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(serverClosed)
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithCancel(context.Background())
	p := &HTTPDuplexProvider{Endpoint: wsURL, APIKey: "voice-key", Dial: DefaultDialer}

	chunks, err := p.Stream(ctx, "draw a flowchart", Options{})
	require.NoError(t, err)

	cancel()

	select {
	case <-serverClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe client disconnect after cancellation")
	}

	for range chunks {
	}
}
