package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/diagramflow/core/internal/diagram"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/llmfacade"
)

type generateDiagramRequest struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
}

type generateDiagramResponse struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec"`
}

// generateDiagram handles POST /generate_diagram: a one-shot LLM call
// against the configured diagram provider (spec.md §4.1, scenario S1).
func (h *handler) generateDiagram(w http.ResponseWriter, r *http.Request) {
	ac, _ := AuthFromContext(r.Context())

	var req generateDiagramRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("decode request: %w", domain.ErrInvalidInput))
		return
	}
	if req.Topic == "" {
		writeError(w, h.deps.Logger, fmt.Errorf("topic is required: %w", domain.ErrInvalidInput))
		return
	}

	providerID := h.deps.Config.Gateway.DiagramProviderID
	prompt := diagram.BuildPrompt(diagram.Request{Topic: req.Topic, Kind: req.Kind})

	result, err := h.deps.Facade.Chat(r.Context(), providerID, prompt, llmfacade.Options{
		RequestType: domain.RequestTypeGenerateDiagram,
	}, llmfacade.CallContext{UserID: ac.UserID, OrgID: ac.OrgID})
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}

	parsed, err := diagram.ParseResult(result.Content)
	if err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("%w: %v", domain.ErrUpstreamMalformed, err))
		return
	}

	writeJSON(w, http.StatusOK, generateDiagramResponse{Type: parsed.Type, Spec: parsed.Spec})
}
