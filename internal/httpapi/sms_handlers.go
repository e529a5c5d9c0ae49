package httpapi

import (
	"fmt"
	"net/http"

	"github.com/diagramflow/core/internal/authn"
	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/llmfacade"
)

// llmCallContext narrows an AuthContext down to the accounting identity
// llmfacade.CallContext carries.
func llmCallContext(ac authn.AuthContext) llmfacade.CallContext {
	return llmfacade.CallContext{UserID: ac.UserID, OrgID: ac.OrgID}
}

type smsSendRequest struct {
	Phone   string `json:"phone"`
	Purpose string `json:"purpose"`
}

// smsSend handles POST /sms/send. Unauthenticated: the phone itself is the
// credential being proven, per spec.md §4.6, scenario S5.
func (h *handler) smsSend(w http.ResponseWriter, r *http.Request) {
	var req smsSendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("decode request: %w", domain.ErrInvalidInput))
		return
	}

	phone, err := domain.NewPhoneNumber(req.Phone)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if req.Purpose == "" {
		writeError(w, h.deps.Logger, fmt.Errorf("purpose is required: %w", domain.ErrInvalidInput))
		return
	}

	if err := h.deps.SMS.SendCode(r.Context(), phone, req.Purpose); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type smsVerifyRequest struct {
	Phone   string `json:"phone"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

// smsVerify handles POST /sms/verify (spec.md §4.6, scenario S5's
// concurrent-verify race: VerifyCode's compare-and-delete makes exactly one
// of two concurrent correct attempts succeed).
func (h *handler) smsVerify(w http.ResponseWriter, r *http.Request) {
	var req smsVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.deps.Logger, fmt.Errorf("decode request: %w", domain.ErrInvalidInput))
		return
	}

	phone, err := domain.NewPhoneNumber(req.Phone)
	if err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	if req.Purpose == "" || req.Code == "" {
		writeError(w, h.deps.Logger, fmt.Errorf("purpose and code are required: %w", domain.ErrInvalidInput))
		return
	}

	if err := h.deps.SMS.VerifyCode(r.Context(), phone, req.Purpose, req.Code); err != nil {
		writeError(w, h.deps.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}
