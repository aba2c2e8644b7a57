// Package httputil provides the shared JSON response writer used by the
// control channel, the forwarder, and the replay dispatcher, so status code,
// Content-Type, and encoding are never duplicated ad hoc.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// ErrorBody is the JSON shape used for every error response the proxy emits.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError writes a JSON error body with the given status code.
func WriteError(w http.ResponseWriter, status int, errKind, message string) {
	WriteJSON(w, status, ErrorBody{Error: errKind, Message: message})
}
