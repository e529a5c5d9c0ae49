// Package httpapi mounts the Gateway's HTTP/SSE surface (spec.md §6):
// one-shot diagram generation, the node-palette SSE batch stream, and the
// SMS code send/verify endpoints. WebSocket handling lives in
// internal/wsapi; this package is pure net/http in the teacher's "ports
// translate external protocols into app layer calls" idiom
// (internal/gateway/port/doc.go).
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/config"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/llmfacade"
	"github.com/diagramflow/core/internal/palette"
	"github.com/diagramflow/core/internal/smscode"
)

// Deps holds every dependency the HTTP handlers call into. The composition
// root (cmd/gateway) builds one Deps and passes it to Mount.
type Deps struct {
	Facade        *llmfacade.Facade
	PaletteEngine *palette.Engine
	PaletteMgr    *palette.Manager
	SMS           *smscode.Service
	Auth          *authn.Authenticator
	Config        *config.Config
	Logger        *slog.Logger
	Clock         domain.Clock
}

// Mount registers every route this package serves onto mux.
func Mount(mux *http.ServeMux, deps Deps) {
	h := &handler{deps: deps}

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("POST /generate_diagram", withAuth(deps, http.HandlerFunc(h.generateDiagram)))
	mux.Handle("POST /node_palette/start", withAuth(deps, http.HandlerFunc(h.paletteStart)))
	mux.Handle("POST /node_palette/next_batch", withAuth(deps, http.HandlerFunc(h.paletteNextBatch)))
	mux.HandleFunc("POST /sms/send", h.smsSend)
	mux.HandleFunc("POST /sms/verify", h.smsVerify)
}

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": "0.1.0"})
}
