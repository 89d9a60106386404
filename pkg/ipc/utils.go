package ipc

import (
	"encoding/json"
	"net/http"

	preflighterrors "github.com/odvcencio/preflight/pkg/errors"
)

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response. Structured coordinator
// errors surface their code and retryability; plain errors just the message.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
	}{
		Error:  err.Error(),
		Status: status,
	}
	if code := preflighterrors.GetCode(err); code != "" {
		response.Code = string(code)
		response.Retryable = preflighterrors.IsRetryable(err)
	}
	_ = json.NewEncoder(w).Encode(response)
}
