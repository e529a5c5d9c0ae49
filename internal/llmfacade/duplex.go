package llmfacade

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diagramflow/core/internal/domain"
)

// duplexFrame is the wire shape of a message on a provider duplex socket
// (spec.md §6: "messages are JSON objects with a type discriminator").
type duplexFrame struct {
	Type  string     `json:"type"`
	Text  string     `json:"text,omitempty"`
	Usage *chatUsage `json:"usage,omitempty"`
	Error string     `json:"error,omitempty"`
}

const (
	duplexTypeInput         = "input"
	duplexTypeResponseChunk = "response_chunk"
	duplexTypeResponseDone  = "response_done"
	duplexTypeError         = "error"
)

// Dialer is the narrow subset of *websocket.Dialer the duplex provider
// needs, so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// HTTPDuplexProvider is the LLM Facade's duplex-socket provider variant
// (spec.md §4.3, §6): a persistent bidirectional WebSocket connection used
// for realtime/voice scenarios. Unlike the one-shot and streaming
// variants, each call dials its own connection and closes it when the
// exchange finishes — this adapter does not keep a pool of long-lived
// sockets, since the facade treats every call as an independently scoped
// resource (spec.md: "lifecycle managed as a scoped resource").
type HTTPDuplexProvider struct {
	Endpoint string
	APIKey   domain.SecretString
	Dial     Dialer
}

// Stream dials the provider's duplex endpoint, sends prompt as the single
// `input` frame, and relays `response_chunk`/`response_done`/`error`
// frames as Chunks. The socket is closed when the exchange completes or
// ctx is cancelled, whichever comes first.
func (p *HTTPDuplexProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.APIKey.Expose())

	conn, resp, err := p.Dial.DialContext(ctx, p.Endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, NewProviderError(status, "duplex dial failed", err)
	}

	if err := conn.WriteJSON(duplexFrame{Type: duplexTypeInput, Text: prompt}); err != nil {
		conn.Close()
		return nil, &ProviderError{Kind: KindNetwork, Message: "duplex write failed", Cause: err}
	}

	out := make(chan Chunk)
	go runDuplexSession(ctx, conn, out)
	return out, nil
}

// runDuplexSession reads frames off conn until response_done, error, ctx
// cancellation, or a read failure, relaying each as a Chunk. It always
// closes conn on return, which is the only way this provider variant
// releases its connection (spec.md: "lifecycle managed as a scoped
// resource" — the resource here is the socket itself).
func runDuplexSession(ctx context.Context, conn *websocket.Conn, out chan<- Chunk) {
	defer close(out)
	defer conn.Close()

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var frame duplexFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			sendChunk(ctx, out, Chunk{Kind: ChunkError, ErrKind: KindNetwork, ErrMessage: err.Error()})
			return
		}

		switch frame.Type {
		case duplexTypeResponseChunk:
			if !sendChunk(ctx, out, Chunk{Kind: ChunkDelta, Delta: frame.Text}) {
				return
			}
		case duplexTypeResponseDone:
			usage := Usage{}
			if frame.Usage != nil {
				usage = Usage{PromptTokens: frame.Usage.PromptTokens, CompletionTokens: frame.Usage.CompletionTokens}
			}
			sendChunk(ctx, out, Chunk{Kind: ChunkDone, Usage: usage})
			return
		case duplexTypeError:
			sendChunk(ctx, out, Chunk{Kind: ChunkError, ErrKind: KindUnknown, ErrMessage: frame.Error})
			return
		}
	}
}

// DefaultDialer wraps websocket.DefaultDialer to satisfy the Dialer
// interface, with a bounded handshake timeout.
var DefaultDialer Dialer = dialerFunc(func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return d.DialContext(ctx, urlStr, header)
})

type dialerFunc func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

func (f dialerFunc) DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return f(ctx, urlStr, header)
}
