// Package wsapi implements the Client WebSocket surface (spec.md §6): a
// connection multiplexes one or more streamed LLM calls, relaying
// ack/text_chunk/error/done frames per request and honoring client-sent
// cancel frames. Built fresh in the spirit of the teacher's near-empty
// internal/gateway/port package ("ports translate external protocols into
// app layer calls" — internal/gateway/port/doc.go), since no concrete
// port implementation survived retrieval.
package wsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/errmap"
	"github.com/diagramflow/core/internal/llmfacade"
	"github.com/diagramflow/core/pkg/protocol"
)

// StreamCaller is the narrow llmfacade.Facade surface the connection
// handler needs.
type StreamCaller interface {
	ChatStream(ctx context.Context, providerID, prompt string, opts llmfacade.Options, cc llmfacade.CallContext) (<-chan llmfacade.Chunk, error)
}

// Deps holds the dependencies the WebSocket handler needs.
type Deps struct {
	Facade   StreamCaller
	Auth     *authn.Authenticator
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

// Handler upgrades inbound HTTP connections to WebSocket and serves the
// Client WebSocket surface.
type Handler struct {
	deps Deps
}

// NewHandler builds a Handler from deps. A zero-value deps.Upgrader gets a
// sane default (same-origin check disabled, matching the teacher's gateway
// WebSocket entry point's permissive CORS posture for a browser client).
func NewHandler(deps Deps) *Handler {
	if deps.Upgrader.CheckOrigin == nil {
		deps.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{deps: deps}
}

// ServeHTTP authenticates the upgrade request, then serves the connection
// until the client disconnects or the server closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ac, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.deps.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &connection{
		conn:   conn,
		deps:   h.deps,
		ac:     ac,
		cancel: make(map[string]context.CancelFunc),
	}
	c.serve(r.Context())
}

func (h *Handler) authenticate(r *http.Request) (authn.AuthContext, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return h.deps.Auth.AuthenticateApiKey(r.Context(), domain.SecretString(apiKey))
	}
	if bearer := r.URL.Query().Get("access_token"); bearer != "" {
		return h.deps.Auth.AuthenticateBearer(r.Context(), bearer)
	}
	return authn.AuthContext{}, fmt.Errorf("websocket: no credential presented: %w", domain.ErrUnauthorized)
}

// connection is one upgraded WebSocket, multiplexing zero or more
// concurrently streamed requests.
type connection struct {
	conn *websocket.Conn
	deps Deps
	ac   authn.AuthContext

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// serve reads frames from the connection until it closes, dispatching
// "start" to beginRequest and "cancel" to the matching in-flight request's
// cancellation function.
func (c *connection) serve(parent context.Context) {
	defer c.conn.Close()

	ctx, cancelAll := context.WithCancel(parent)
	defer cancelAll()

	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case protocol.FrameTypeStart:
			var start protocol.Start
			if err := frame.ParsePayload(&start); err != nil {
				c.writeError("", "invalid start payload")
				continue
			}
			go c.beginRequest(ctx, start)

		case protocol.FrameTypeCancel:
			var cancelMsg protocol.Cancel
			if err := frame.ParsePayload(&cancelMsg); err != nil {
				continue
			}
			c.cancelRequest(cancelMsg.RequestID)

		default:
			c.writeError("", fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// beginRequest drives one streamed LLM call to completion, relaying
// ack/text_chunk/done/error frames (spec.md §6). It registers a
// cancellation function so a later "cancel" frame for this request_id can
// stop it early.
func (c *connection) beginRequest(parent context.Context, start protocol.Start) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel[start.RequestID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancel, start.RequestID)
		c.mu.Unlock()
		cancel()
	}()

	c.writeFrame(protocol.FrameTypeAck, protocol.Ack{RequestID: start.RequestID})

	chunks, err := c.deps.Facade.ChatStream(ctx, start.ProviderID, start.Prompt, llmfacade.Options{
		RequestType: domain.RequestTypeGenerateDiagram,
	}, llmfacade.CallContext{UserID: c.ac.UserID, OrgID: c.ac.OrgID})
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			// Infra-level failure, not specific to this request: terminate the
			// socket rather than leave the client retrying requests the
			// connection can't serve.
			c.closeWithDomainError(err)
			return
		}
		c.writeError(start.RequestID, err.Error())
		return
	}

	for chunk := range chunks {
		switch chunk.Kind {
		case llmfacade.ChunkDelta:
			c.writeFrame(protocol.FrameTypeTextChunk, protocol.TextChunk{RequestID: start.RequestID, Delta: chunk.Delta})
		case llmfacade.ChunkDone:
			c.writeFrame(protocol.FrameTypeDone, protocol.Done{RequestID: start.RequestID})
			return
		case llmfacade.ChunkError:
			c.writeError(start.RequestID, chunk.ErrMessage)
			return
		}
	}
}

func (c *connection) cancelRequest(requestID string) {
	c.mu.Lock()
	cancel, ok := c.cancel[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *connection) writeError(requestID, message string) {
	c.writeFrame(protocol.FrameTypeError, protocol.Error{RequestID: requestID, Code: "ERROR", Message: message})
}

func (c *connection) writeFrame(frameType protocol.FrameType, payload any) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteJSON(frame)
}

// closeWithDomainError closes the connection using the close code errmap
// maps err to, for handlers that need to terminate the socket on a fatal
// error rather than relaying an error frame and continuing.
func (c *connection) closeWithDomainError(err error) {
	wsClose := errmap.ToWebSocketClose(err)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(wsClose.Code, wsClose.Reason),
		time.Now().Add(time.Second))
}
