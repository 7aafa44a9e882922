package calls

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects a schedule request before anything is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ScheduleRequest is the caller-supplied part of a Call.
type ScheduleRequest struct {
	PhoneNumber       string
	FireTime          int64 // unix seconds
	Persona           string
	Scenario          string
	CustomDescription *string
}

// NewCall validates req and builds the Call to persist. created is stamped
// on CreatedAt and UpdatedAt.
func NewCall(req ScheduleRequest, created time.Time) (Call, error) {
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		return Call{}, &ValidationError{Field: "destination_phone_number", Message: "must not be empty"}
	}
	persona := strings.TrimSpace(req.Persona)
	if persona == "" {
		return Call{}, &ValidationError{Field: "persona", Message: "must not be empty"}
	}
	scenario := strings.TrimSpace(req.Scenario)
	if scenario == "" {
		return Call{}, &ValidationError{Field: "scenario", Message: "must not be empty"}
	}
	if req.FireTime <= 0 {
		return Call{}, &ValidationError{Field: "fire_time", Message: "must be a positive unix timestamp"}
	}

	var desc *string
	if req.CustomDescription != nil {
		if d := strings.TrimSpace(*req.CustomDescription); d != "" {
			desc = &d
		}
	}

	created = created.UTC()
	return Call{
		PhoneNumber:       phone,
		FireAt:            time.Unix(req.FireTime, 0).UTC(),
		Persona:           persona,
		Scenario:          scenario,
		CustomDescription: desc,
		Status:            StatusScheduled,
		CreatedAt:         created,
		UpdatedAt:         created,
	}, nil
}
