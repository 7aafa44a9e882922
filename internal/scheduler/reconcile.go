package scheduler

import (
	"errors"
	"log/slog"
	"time"
)

// Pending is a persisted call that is still scheduled.
type Pending struct {
	CallID int64
	FireAt time.Time
}

type ReconcileReport struct {
	Registered int
	// Overdue counts registered calls whose fire time had already passed;
	// they fire on the next loop pass.
	Overdue int
	// Duplicates were already registered and left untouched.
	Duplicates int
	Invalid    int
}

// Reconcile registers every pending call after a restart. Calls whose fire
// time has passed fire immediately.
func (s *Service) Reconcile(pending []Pending, action Action) ReconcileReport {
	var rep ReconcileReport
	now := s.now()
	for _, p := range pending {
		_, err := s.Register(p.CallID, p.FireAt, action)
		switch {
		case err == nil:
			rep.Registered++
			if !p.FireAt.After(now) {
				rep.Overdue++
			}
		case errors.Is(err, ErrAlreadyRegistered):
			rep.Duplicates++
		default:
			rep.Invalid++
			s.log.Warn("reconcile skipped call", slog.Int64("call_id", p.CallID), slog.Any("err", err))
		}
	}
	s.log.Info("reconciled pending calls",
		slog.Int("registered", rep.Registered),
		slog.Int("overdue", rep.Overdue),
		slog.Int("duplicates", rep.Duplicates),
		slog.Int("invalid", rep.Invalid),
	)
	return rep
}
