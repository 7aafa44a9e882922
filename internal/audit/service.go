package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCall(ctx context.Context, callID int64) ([]Event, error)
}

// Service records call lifecycle events.
// Callers should treat Append as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID <= 0 || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return s.repo.Append(ctx, e)
}

// LogTransition records a status change of callID.
func (s *Service) LogTransition(ctx context.Context, callID int64, typ EventType, from, to, message string) error {
	return s.Append(ctx, Event{
		CallID:     callID,
		Type:       typ,
		FromStatus: from,
		ToStatus:   to,
		Message:    message,
	})
}

// LogInconsistency records a fired trigger whose call was not in the expected state.
func (s *Service) LogInconsistency(ctx context.Context, callID int64, observed, message string) error {
	return s.Append(ctx, Event{
		CallID:     callID,
		Type:       EventSchedulingInconsistency,
		FromStatus: observed,
		Message:    message,
	})
}

// List returns the events of one call, oldest first.
func (s *Service) List(ctx context.Context, callID int64) ([]Event, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if callID <= 0 {
		return nil, ErrInvalidEvent
	}
	return s.repo.ListByCall(ctx, callID)
}
