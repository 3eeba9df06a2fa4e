package middleware

import (
	"context"
	"net/http"

	"github.com/ctrlf-ai/ai-gateway/internal/telemetry"
)

type streamingFlagKey struct{}

type streamingFlag struct{ set bool }

// TurnScope attaches a fresh telemetry TurnContext to every request and
// flushes queued events when the handler returns.
//
// Streaming handlers must opt out of the teardown flush: this middleware
// fires on handler return, which for a streaming response happens before
// the body has been written. Those handlers call MarkStreaming and run
// their own finaliser after the last byte.
func TurnScope(emitter *telemetry.Emitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := telemetry.NewTurnContext()
			// The request id doubles as the trace id so telemetry events
			// correlate with the access log and upstream callers.
			if reqID := RequestIDFromContext(r.Context()); reqID != "" {
				tc.TraceID = reqID
			}
			ctx := telemetry.WithTurn(r.Context(), tc)

			flag := &streamingFlag{}
			ctx = context.WithValue(ctx, streamingFlagKey{}, flag)

			next.ServeHTTP(w, r.WithContext(ctx))

			if !flag.set {
				emitter.Flush(ctx, tc)
			}
		})
	}
}

// MarkStreaming tells the TurnScope teardown to skip its flush; the
// streaming handler owns telemetry finalisation.
func MarkStreaming(r *http.Request) {
	if f, ok := r.Context().Value(streamingFlagKey{}).(*streamingFlag); ok {
		f.set = true
	}
}
