package handler

import (
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
)

// Removed answers HTTP 410 for retired endpoints, pointing callers at
// the replacement.
func Removed(replacement string) http.HandlerFunc {
	detail := "this endpoint has been removed"
	if replacement != "" {
		detail += "; use " + replacement
	}
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusGone, errorBody{
			Detail:    detail,
			ErrorCode: apperr.CodeEndpointRemoved,
		})
	}
}
