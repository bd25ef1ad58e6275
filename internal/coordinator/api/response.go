// Package api implements the coordinator's REST facade. It uses Chi as
// the router. The paths and response shapes in this package are
// contract-stable: operators' scripts and the monitoring mode consume
// them as-is, so payloads are written bare, with no data envelope.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the shape of every error response: the taxonomy kind is
// machine-readable, the message human-readable.
type errorBody struct {
	Kind    protocol.ErrorKind `json:"kind"`
	Message string             `json:"message,omitempty"`
}

// ErrKind writes an error response whose HTTP status is derived from the
// taxonomy kind; every failure surfaces to the caller verbatim.
func ErrKind(w http.ResponseWriter, kind protocol.ErrorKind, message string) {
	JSON(w, kind.HTTPStatus(), map[string]errorBody{
		"error": {Kind: kind, Message: message},
	})
}

// ErrBadRequest writes a 400 with the InvalidRequest kind.
func ErrBadRequest(w http.ResponseWriter, message string) {
	ErrKind(w, protocol.ErrInvalidRequest, message)
}

// decodeJSON decodes the request body into dst. Returns false and writes
// an error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
