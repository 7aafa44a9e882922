package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voice-scheduler/internal/calls"

	"github.com/robfig/cron/v3"
)

// Start launches the stale sweeper and the scheduler loop. Run Recover first
// so overdue calls are registered before the loop begins.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cron != nil {
		return errors.New("orchestrator: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.cfg.StaleSweepSpec, func() {
		if _, err := s.SweepStale(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("stale sweep failed", "err", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: stale sweep spec %q: %w", s.cfg.StaleSweepSpec, err)
	}

	if err := s.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.log.Info("orchestrator started", "stale_sweep", s.cfg.StaleSweepSpec, "stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop halts the sweeper and the scheduler, then waits for in-flight calls
// until ctx expires. Calls cut short by shutdown are recorded as failed.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.lifecycle.Unlock()
	if c == nil {
		return errors.New("orchestrator: not running")
	}

	cronDone := c.Stop()
	err := s.sched.Stop(ctx)
	cancel()

	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("orchestrator: stale sweep still running: %w", ctx.Err())
		}
	}
	return err
}

// SweepStale fails in_progress calls older than StaleAfter that this process
// is not running. Their owner is gone.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	list, err := s.store.ListByStatus(ctx, calls.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list in_progress calls: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	n := 0
	for _, c := range list {
		since := c.UpdatedAt
		if c.StartedAt != nil {
			since = *c.StartedAt
		}
		if !since.Before(cutoff) || s.isActive(c.ID) {
			continue
		}
		ok, err := s.failStuck(ctx, c.ID, calls.StatusInProgress, calls.ReasonStale)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		s.log.Warn("stale calls failed", "count", n)
	}
	return n, nil
}

func isStale(err error) bool {
	return errors.Is(err, calls.ErrStaleTransition)
}

// cronLogger routes robfig/cron logs into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
