package calls

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusFailed, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusScheduled, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusScheduled, false},
		{StatusCompleted, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestNewCall_NormalizesAndValidates(t *testing.T) {
	desc := "  birthday  "
	created := time.Date(2025, 1, 1, 9, 0, 0, 0, time.FixedZone("X", 3600))
	c, err := NewCall(ScheduleRequest{
		PhoneNumber:       " +15551234567 ",
		FireTime:          1700000000,
		Persona:           "Alice",
		Scenario:          "greeting",
		CustomDescription: &desc,
	}, created)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.PhoneNumber != "+15551234567" {
		t.Fatalf("expected trimmed phone, got %q", c.PhoneNumber)
	}
	if c.FireAt.Location() != time.UTC || c.FireAt.Unix() != 1700000000 {
		t.Fatalf("expected UTC fire time, got %v", c.FireAt)
	}
	if c.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC created_at")
	}
	if c.Status != StatusScheduled {
		t.Fatalf("expected scheduled, got %s", c.Status)
	}
	if c.Description() != "birthday" {
		t.Fatalf("expected trimmed description, got %q", c.Description())
	}
}

func TestNewCall_BlankDescriptionIsAbsent(t *testing.T) {
	blank := "   "
	c, err := NewCall(ScheduleRequest{PhoneNumber: "+1", FireTime: 1, Persona: "p", Scenario: "s", CustomDescription: &blank}, time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.CustomDescription != nil {
		t.Fatalf("expected nil description")
	}
}

func TestNewCall_Rejects(t *testing.T) {
	base := ScheduleRequest{PhoneNumber: "+1", FireTime: 1700000000, Persona: "p", Scenario: "s"}
	cases := map[string]func(r *ScheduleRequest){
		"destination_phone_number": func(r *ScheduleRequest) { r.PhoneNumber = "   " },
		"persona":                  func(r *ScheduleRequest) { r.Persona = "" },
		"scenario":                 func(r *ScheduleRequest) { r.Scenario = "\t" },
		"fire_time":                func(r *ScheduleRequest) { r.FireTime = 0 },
	}
	for field, mutate := range cases {
		req := base
		mutate(&req)
		_, err := NewCall(req, time.Now())
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", field, err)
		}
		if ve.Field != field {
			t.Fatalf("expected field %s, got %s", field, ve.Field)
		}
	}

	req := base
	req.FireTime = -5
	if _, err := NewCall(req, time.Now()); err == nil {
		t.Fatalf("expected negative fire_time to be rejected")
	}
}
