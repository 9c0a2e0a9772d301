// Package httputil writes the JSON bodies served by the ops endpoint.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

// ErrorResponse is the error body. It uses the same code and message fields
// as the Parscade API so one parser reads both.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse, tagged with the request ID when the
// request context carries one.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: logger.RequestIDFromContext(r.Context()),
	})
}
