package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/render"
)

type createJobRequest struct {
	VideoID   string `json:"video_id"`
	ScriptID  string `json:"script_id"`
	CreatedBy string `json:"created_by,omitempty"`
}

// CreateRenderJob handles POST /internal/ai/render-jobs.
// Idempotent per video: the existing non-terminal job is returned with
// created=false and HTTP 200 instead of 202.
func CreateRenderJob(runner *render.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}
		if req.VideoID == "" || req.ScriptID == "" {
			respondError(w, apperr.Validation("video_id and script_id are required"))
			return
		}

		job, created, err := runner.Create(r.Context(), req.VideoID, req.ScriptID, req.CreatedBy)
		if err != nil {
			respondError(w, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusAccepted
		}
		respondJSON(w, status, map[string]any{"job": job, "created": created})
	}
}

// StartRenderJob handles POST /ai/video/job/{job_id}/start.
func StartRenderJob(runner *render.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := runner.Start(r.Context(), chi.URLParam(r, "job_id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"job": job})
	}
}

// RetryRenderJob handles POST /ai/video/job/{job_id}/retry.
func RetryRenderJob(runner *render.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := runner.Retry(r.Context(), chi.URLParam(r, "job_id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"job": job})
	}
}

// ListRenderJobs handles GET /api/v2/videos/{video_id}/render-jobs.
func ListRenderJobs(store *render.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := store.ListJobs(r.Context(), chi.URLParam(r, "video_id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

// GetRenderJob handles GET /api/v2/videos/{video_id}/render-jobs/{job_id}.
func GetRenderJob(store *render.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
		if err != nil {
			respondError(w, err)
			return
		}
		if job.VideoID != chi.URLParam(r, "video_id") {
			respondError(w, apperr.NotFound(apperr.CodeJobNotFound, "render job not found"))
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"job": job})
	}
}

// CancelRenderJob handles POST /api/v2/videos/{video_id}/render-jobs/{job_id}/cancel.
func CancelRenderJob(runner *render.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := runner.Cancel(r.Context(), chi.URLParam(r, "job_id")); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	}
}

// PublishedAssets handles GET /api/v2/videos/{video_id}/assets/published.
func PublishedAssets(store *render.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets, err := store.PublishedAssets(r.Context(), chi.URLParam(r, "video_id"))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"assets": assets})
	}
}
