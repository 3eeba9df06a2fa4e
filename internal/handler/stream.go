package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/apperr"
	"github.com/ctrlf-ai/ai-gateway/internal/middleware"
	"github.com/ctrlf-ai/ai-gateway/internal/model"
	"github.com/ctrlf-ai/ai-gateway/internal/service"
	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
)

// streamRequest is the streaming chat body: the sync shape plus a
// request_id for idempotency.
type streamRequest struct {
	model.Turn
	RequestID string `json:"request_id"`
}

// ndjsonSink writes one JSON object per line and flushes after each.
// Write errors indicate the client is gone.
type ndjsonSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *ndjsonSink) WriteEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ChatStream handles POST /ai/chat/stream — NDJSON streaming chat.
//
// Telemetry runs in a streaming-safe finaliser after the last byte, not
// in the middleware teardown (which fires before streaming completes).
func ChatStream(pipeline *service.StreamPipeline, emitter *telemetry.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req streamRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respondError(w, err)
			return
		}
		if req.RequestID == "" {
			respondError(w, apperr.Validation("request_id is required"))
			return
		}
		if err := validateTurn(&req.Turn); err != nil {
			respondError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			respondError(w, fmt.Errorf("streaming unsupported"))
			return
		}

		tc := telemetry.FromContext(r.Context())
		if tc != nil {
			tc.Identify(req.ConversationID, req.UserID, req.Department)
		}
		middleware.MarkStreaming(r)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		// Finaliser wraps the body production, not the middleware
		// teardown: it must run after the final event is written.
		defer emitter.Flush(r.Context(), tc)

		sink := &ndjsonSink{w: w, flusher: flusher}
		pipeline.Run(r.Context(), &req.Turn, req.RequestID, sink)
	}
}
