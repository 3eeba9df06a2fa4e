// Package telemetry assembles per-turn events and forwards them in
// batches to the collector. Emission is at-most-once per turn per event
// type and must never impede the user path.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

type ctxKey struct{}

// TurnContext is the request-scoped telemetry state. One instance is
// created per in-flight request so concurrent turns cannot leak IDs into
// one another. All methods are safe for concurrent use.
type TurnContext struct {
	mu sync.Mutex

	TraceID        string
	ConversationID string
	TurnID         string
	UserID         string
	DeptID         string

	emitted map[string]bool
	queued  []model.TelemetryEvent
}

// NewTurnContext creates a fresh TurnContext with a generated trace id
// and turn id.
func NewTurnContext() *TurnContext {
	return &TurnContext{
		TraceID: uuid.NewString(),
		TurnID:  uuid.NewString(),
		emitted: make(map[string]bool),
	}
}

// WithTurn attaches tc to ctx.
func WithTurn(ctx context.Context, tc *TurnContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the TurnContext attached to ctx, or nil.
func FromContext(ctx context.Context) *TurnContext {
	tc, _ := ctx.Value(ctxKey{}).(*TurnContext)
	return tc
}

// Identify records the turn's correlation identifiers once the request
// body has been parsed.
func (tc *TurnContext) Identify(conversationID, userID, deptID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.ConversationID = conversationID
	tc.UserID = userID
	tc.DeptID = deptID
}

// Queue stages an event of the given type with the turn's identifiers.
// A second queue of the same type within one turn is a no-op, which
// enforces the at-most-once CHAT_TURN guarantee.
func (tc *TurnContext) Queue(eventType string, payload map[string]any) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.emitted[eventType] {
		return false
	}
	tc.emitted[eventType] = true

	tc.queued = append(tc.queued, model.TelemetryEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		TraceID:        tc.TraceID,
		ConversationID: tc.ConversationID,
		TurnID:         tc.TurnID,
		UserID:         tc.UserID,
		DeptID:         tc.DeptID,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	})
	return true
}

// Drain returns the queued events and clears the queue. The emitted
// flags stay set so re-queues after drain remain no-ops.
func (tc *TurnContext) Drain() []model.TelemetryEvent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.queued
	tc.queued = nil
	return events
}

// HasQueued reports whether undrained events remain.
func (tc *TurnContext) HasQueued() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.queued) > 0
}
