package model

import "time"

// Telemetry event types. At most one CHAT_TURN is emitted per turn.
const (
	EventChatTurn = "CHAT_TURN"
	EventSecurity = "SECURITY"
	EventFeedback = "FEEDBACK"
)

// Security block types.
const (
	BlockPII = "PII_BLOCK"
)

// TelemetryEvent is the envelope POSTed in batches to the telemetry
// collector. Payload contents vary by EventType.
type TelemetryEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	TraceID        string         `json:"trace_id"`
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	UserID         string         `json:"user_id"`
	DeptID         string         `json:"dept_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload"`
}
