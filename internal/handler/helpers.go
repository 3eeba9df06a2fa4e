// Package handler holds the HTTP surface: request decoding, response
// shaping, and translation between service errors and wire errors.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError translates an error into the wire error shape. Typed
// apperr values keep their code and status; anything else is a 500.
func respondError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		respondJSON(w, ae.Status, errorBody{Detail: ae.Detail, ErrorCode: ae.Code})
		return
	}
	respondJSON(w, http.StatusInternalServerError,
		errorBody{Detail: "internal error", ErrorCode: apperr.CodeInternal})
}

// decodeJSON decodes a bounded JSON body into v. Unknown fields are
// tolerated; malformed bodies return a 422 validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}
