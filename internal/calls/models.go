package calls

import (
	"errors"
	"time"
)

// Call is one scheduled outbound AI call.
//
// FireAt is always UTC. CustomDescription is nil when the caller did not send one.
// FailureReason is empty unless Status is failed.
type Call struct {
	ID                int64     `json:"call_id"`
	PhoneNumber       string    `json:"destination_phone_number"`
	FireAt            time.Time `json:"scheduled_time"`
	Persona           string    `json:"persona"`
	Scenario          string    `json:"scenario"`
	CustomDescription *string   `json:"custom_description,omitempty"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Description returns the custom description or "".
func (c Call) Description() string {
	if c.CustomDescription == nil {
		return ""
	}
	return *c.CustomDescription
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every persisted status value.
var Statuses = []Status{StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a forward lifecycle step.
// scheduled -> failed covers calls that are cancelled or dropped for lateness
// before they ever start.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Failure reasons recorded outside of bridge errors.
const (
	ReasonCancelled      = "cancelled"
	ReasonMissedSchedule = "missed_schedule"
	ReasonInterrupted    = "interrupted"
	ReasonStale          = "stale_in_progress"
	ReasonRegisterFailed = "register_failed"
)

var (
	ErrNotFound = errors.New("calls: not found")
	// ErrInvalidTransition means the requested step is not a forward lifecycle step.
	ErrInvalidTransition = errors.New("calls: invalid status transition")
	// ErrStaleTransition means the row was not in the expected status when the update ran.
	ErrStaleTransition = errors.New("calls: status changed concurrently")
)
