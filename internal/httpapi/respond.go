package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/diagramflow/core/internal/errmap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	httpErr := errmap.ToHTTPError(err)
	if httpErr.StatusCode >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, httpErr.StatusCode, httpErr)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
