package audit

import "time"

// Event is an immutable, append-only record of something that happened to a call.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required.
// - Appends are best-effort; callers never block a lifecycle step on them.
type Event struct {
	ID     string    `json:"id"`
	CallID int64     `json:"call_id"`
	Type   EventType `json:"type"`

	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status,omitempty"`

	// Message is a short human-readable description for ops (e.g. a failure cause).
	Message string `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventCallScheduled           EventType = "call_scheduled"
	EventCallStarted             EventType = "call_started"
	EventCallCompleted           EventType = "call_completed"
	EventCallFailed              EventType = "call_failed"
	EventCallCancelled           EventType = "call_cancelled"
	EventCallDeferred            EventType = "call_deferred"
	EventSchedulingInconsistency EventType = "scheduling_inconsistency"
)
