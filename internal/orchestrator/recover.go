package orchestrator

import (
	"context"
	"fmt"

	"voice-scheduler/internal/audit"
	"voice-scheduler/internal/calls"
	"voice-scheduler/internal/scheduler"
)

type RecoverReport struct {
	// Interrupted calls were in_progress when the previous process died.
	Interrupted int
	// Missed calls were past MaxLateness and failed without firing.
	Missed    int
	Reconcile scheduler.ReconcileReport
}

// Recover rebuilds the trigger registry from the store after a restart.
// It must run before the first call of this process starts.
func (s *Service) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport

	running, err := s.store.ListByStatus(ctx, calls.StatusInProgress)
	if err != nil {
		return rep, fmt.Errorf("orchestrator: list in_progress calls: %w", err)
	}
	for _, c := range running {
		if s.isActive(c.ID) {
			continue
		}
		ok, err := s.failStuck(ctx, c.ID, calls.StatusInProgress, calls.ReasonInterrupted)
		if err != nil {
			return rep, err
		}
		if ok {
			rep.Interrupted++
		}
	}

	scheduled, err := s.store.ListByStatus(ctx, calls.StatusScheduled)
	if err != nil {
		return rep, fmt.Errorf("orchestrator: list scheduled calls: %w", err)
	}
	now := s.now()
	pending := make([]scheduler.Pending, 0, len(scheduled))
	for _, c := range scheduled {
		if s.cfg.MaxLateness > 0 && now.Sub(c.FireAt) > s.cfg.MaxLateness {
			ok, err := s.failStuck(ctx, c.ID, calls.StatusScheduled, calls.ReasonMissedSchedule)
			if err != nil {
				return rep, err
			}
			if ok {
				rep.Missed++
			}
			continue
		}
		pending = append(pending, scheduler.Pending{CallID: c.ID, FireAt: c.FireAt})
	}
	rep.Reconcile = s.sched.Reconcile(pending, s.fire)

	s.log.Info("recovered calls",
		"interrupted", rep.Interrupted,
		"missed", rep.Missed,
		"registered", rep.Reconcile.Registered,
		"overdue", rep.Reconcile.Overdue,
		"duplicates", rep.Reconcile.Duplicates,
	)
	return rep, nil
}

// failStuck moves a call that will never run to failed. It reports false when
// another writer got there first.
func (s *Service) failStuck(ctx context.Context, id int64, from calls.Status, reason string) (bool, error) {
	_, err := s.store.Transition(ctx, calls.Transition{
		ID:     id,
		From:   from,
		To:     calls.StatusFailed,
		Reason: reason,
		At:     s.now(),
	})
	if err != nil {
		if isStale(err) {
			return false, nil
		}
		return false, fmt.Errorf("orchestrator: fail call %d: %w", id, err)
	}
	s.record(ctx, id, audit.EventCallFailed, from, calls.StatusFailed, reason)
	s.log.Warn("call failed without running", "call_id", id, "reason", reason)
	return true, nil
}
