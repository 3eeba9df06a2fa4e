package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// Emitter forwards event batches to the telemetry collector. Failures
// are logged and dropped — there is no retry loop, because telemetry
// must never impede the user path.
type Emitter struct {
	baseURL    string
	token      string
	enabled    bool
	httpClient *http.Client

	// LogMasker redacts free-text payload fields before emission. On
	// masking failure the field is replaced with "[REDACTED]", never the
	// original text.
	LogMasker func(ctx context.Context, text string) string
}

// NewEmitter creates an Emitter posting to baseURL/internal/telemetry/events.
func NewEmitter(baseURL, token string, enabled bool) *Emitter {
	return &Emitter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		enabled:    enabled,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// maskedPayloadFields are free-text keys that pass through the LOG-stage
// masker before leaving the process.
var maskedPayloadFields = []string{"masked_query", "answer_preview", "clarify_prompt"}

// Flush drains tc and posts the batch. Safe to call multiple times; only
// the first call with queued events does work.
func (e *Emitter) Flush(ctx context.Context, tc *TurnContext) {
	if tc == nil || !tc.HasQueued() {
		return
	}
	events := tc.Drain()
	if !e.enabled {
		return
	}

	// Flush frequently runs after the client has gone away (streaming
	// finaliser, disconnects) — detach from the request's cancellation.
	ctx = context.WithoutCancel(ctx)

	if e.LogMasker != nil {
		for i := range events {
			e.maskPayload(ctx, &events[i])
		}
	}

	if err := e.post(ctx, events); err != nil {
		slog.Error("telemetry post failed, dropping batch",
			"events", len(events),
			"trace_id", tc.TraceID,
			"error", err,
		)
	}
}

func (e *Emitter) maskPayload(ctx context.Context, ev *model.TelemetryEvent) {
	for _, field := range maskedPayloadFields {
		v, ok := ev.Payload[field]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		ev.Payload[field] = e.LogMasker(ctx, s)
	}
}

func (e *Emitter) post(ctx context.Context, events []model.TelemetryEvent) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("telemetry.post: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/internal/telemetry/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry.post: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Internal-Token", e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry.post: call: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry.post: status %d", resp.StatusCode)
	}
	return nil
}
