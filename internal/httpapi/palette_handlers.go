package httpapi

import (
	"fmt"
	"net/http"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/palette"
)

type paletteStartRequest struct {
	DiagramTopic string `json:"diagram_topic"`
	DiagramKind  string `json:"diagram_kind"`
	InitialStage string `json:"initial_stage"`
}

type paletteStartResponse struct {
	SessionID string `json:"session_id"`
}

// paletteStart handles POST /node_palette/start: opens a new in-memory
// session (spec.md §4.4, scenario S2) and hands the client its opaque id.
func (h *handler) paletteStart(w http.ResponseWriter, r *http.Request) {
	ac, _ := AuthFromContext(r.Context())

	var req paletteStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("decode request: %w", domain.ErrInvalidInput))
		return
	}
	if req.DiagramTopic == "" {
		writeError(w, h.deps.Logger, fmt.Errorf("diagram_topic is required: %w", domain.ErrInvalidInput))
		return
	}
	stage := req.InitialStage
	if stage == "" {
		stage = "root"
	}

	id := domain.GeneratePaletteSessionID()
	session := palette.NewSession(id, ac.UserID, req.DiagramTopic, req.DiagramKind, stage, h.deps.Clock.Now())
	h.deps.PaletteMgr.Open(session)

	writeJSON(w, http.StatusOK, paletteStartResponse{SessionID: id.String()})
}

type paletteNextBatchRequest struct {
	SessionID      string            `json:"session_id"`
	AdvanceToStage string            `json:"advance_to_stage,omitempty"`
	StageData      map[string]string `json:"stage_data,omitempty"`
}

// paletteNextBatch handles POST /node_palette/next_batch: optionally
// advances the session's stage, then fans out to every configured palette
// provider and streams the merged result as SSE (spec.md §4.4, scenario
// S2's 4-provider / 15-candidate fan-out).
func (h *handler) paletteNextBatch(w http.ResponseWriter, r *http.Request) {
	var req paletteNextBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("decode request: %w", domain.ErrInvalidInput))
		return
	}

	sessionID, err := domain.NewPaletteSessionID(req.SessionID)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	session, ok := h.deps.PaletteMgr.Get(sessionID)
	if !ok {
		writeError(w, h.deps.Logger, fmt.Errorf("node palette session: %w", domain.ErrNotFound))
		return
	}
	session.Touch(h.deps.Clock.Now())

	if req.AdvanceToStage != "" {
		session.AdvanceStage(req.AdvanceToStage, req.StageData)
	}

	providerIDs := h.deps.Config.Gateway.ProviderIDs()
	if len(providerIDs) == 0 {
		writeError(w, h.deps.Logger, fmt.Errorf("no node-palette providers configured: %w", domain.ErrUnavailable))
		return
	}
	providers := make([]palette.ProviderSpec, 0, len(providerIDs))
	for _, id := range providerIDs {
		providers = append(providers, palette.ProviderSpec{ID: id, Streaming: false})
	}

	ac, _ := AuthFromContext(r.Context())
	cc := llmCallContext(ac)

	cfg := palette.Config{
		NodesPerProvider: domain.PaletteDefaultNodesPerProvider,
		OverallDeadline:  domain.PaletteOverallDeadline,
	}
	promptFor := func(_ string, stage string, stageData map[string]string, alreadySuggested []string) string {
		return palette.BuildPrompt(session.DiagramTopic, session.DiagramKind, stage, stageData, cfg.NodesPerProvider, alreadySuggested)
	}

	events := h.deps.PaletteEngine.RunBatch(r.Context(), session, providers, cfg, promptFor, cc)

	writeSSEStream(w, r, events)
}
