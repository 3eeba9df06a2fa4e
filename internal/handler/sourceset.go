package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlf-ai/ai-gateway/internal/service"
)

// StartSourceSet handles POST /internal/ai/source-sets/{id}/start.
func StartSourceSet(pipeline *service.SourceSetPipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := pipeline.Start(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, status)
	}
}

// SourceSetStatus handles GET /internal/ai/source-sets/{id}/status.
func SourceSetStatus(pipeline *service.SourceSetPipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := pipeline.Status(chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, status)
	}
}
