package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/palette"
)

// writeSSEStream relays events onto w as Server-Sent Events, framed as
// "event: <kind>\ndata: <json>\n\n" with a periodic ": keep-alive" comment
// line so intermediaries don't time out an idle connection, adapted from
// the distributed-SSE adapter's http.Flusher + channel pattern
// (other_examples/e8b9a2f9_..._sse_handler.go.go). It returns once events
// closes or the client disconnects.
func writeSSEStream(w http.ResponseWriter, r *http.Request, events <-chan palette.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(domain.SSEKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev palette.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
}
