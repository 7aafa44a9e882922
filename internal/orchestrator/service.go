// Package orchestrator drives a call through its lifecycle: it persists and
// registers new calls, and when a trigger fires it moves the call to
// in_progress, runs the media bridge and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"voice-scheduler/internal/audit"
	"voice-scheduler/internal/bridge"
	"voice-scheduler/internal/calls"
	"voice-scheduler/internal/scheduler"
	"voice-scheduler/pkg/logger"

	"github.com/robfig/cron/v3"
)

var (
	// ErrPersistence wraps store failures seen while scheduling. Nothing was registered.
	ErrPersistence = errors.New("orchestrator: persistence unavailable")
	// ErrSchedulingInconsistency means the trigger registry and the store
	// disagree about a call.
	ErrSchedulingInconsistency = errors.New("orchestrator: scheduling inconsistency")
	// ErrNotCancellable means the call already started or finished.
	ErrNotCancellable = errors.New("orchestrator: call can no longer be cancelled")
)

// Runner runs one bridge session to completion.
type Runner interface {
	Run(ctx context.Context, cc bridge.CallContext) error
}

// SlotLimiter caps concurrent calls across processes.
type SlotLimiter interface {
	Acquire(ctx context.Context, member string) (bool, error)
	Release(ctx context.Context, member string) error
}

type Config struct {
	// MaxLateness drops calls recovered more than this long after their fire
	// time. Zero fires every overdue call.
	MaxLateness time.Duration
	// CapacityRetry is how long a call waits for a free slot before retrying.
	CapacityRetry time.Duration
	// StaleAfter is the age after which an in_progress call nobody runs is failed.
	StaleAfter     time.Duration
	StaleSweepSpec string
	// FinalizeTimeout bounds writing the terminal status.
	FinalizeTimeout time.Duration
	// LoadRetry is the delay before re-firing when the call could not be loaded.
	LoadRetry time.Duration
	// CancelWait bounds how long Cancel waits for a trigger that just fired
	// to either start the call or put it back.
	CancelWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.CapacityRetry <= 0 {
		c.CapacityRetry = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.StaleSweepSpec == "" {
		c.StaleSweepSpec = "@every 1m"
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.LoadRetry <= 0 {
		c.LoadRetry = 5 * time.Second
	}
	if c.CancelWait <= 0 {
		c.CancelWait = 2 * time.Second
	}
	return c
}

type Service struct {
	store  calls.Store
	sched  *scheduler.Service
	runner Runner
	slots  SlotLimiter
	audit  *audit.Service
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[int64]struct{}
	// firing holds calls whose trigger was taken but which have neither
	// started nor been put back yet.
	firing map[int64]chan struct{}

	lifecycle sync.Mutex
	cron      *cron.Cron
	cancel    context.CancelFunc
}

type Option func(*Service)

// WithSlotLimiter caps concurrent calls. Without one every due call runs.
func WithSlotLimiter(l SlotLimiter) Option {
	return func(s *Service) { s.slots = l }
}

// WithAudit records lifecycle events. Audit failures never block a call.
func WithAudit(a *audit.Service) Option {
	return func(s *Service) { s.audit = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store calls.Store, sched *scheduler.Service, runner Runner, cfg Config, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:  store,
		sched:  sched,
		runner: runner,
		cfg:    cfg.withDefaults(),
		log:    log.With(slog.String("component", "orchestrator")),
		now:    time.Now,
		active: map[int64]struct{}{},
		firing: map[int64]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule validates req, persists the call and registers its trigger.
func (s *Service) Schedule(ctx context.Context, req calls.ScheduleRequest) (calls.Call, error) {
	c, err := calls.NewCall(req, s.now())
	if err != nil {
		return calls.Call{}, err
	}

	created, err := s.store.Create(ctx, c)
	if err != nil {
		s.log.Error("persist scheduled call failed", "err", err)
		return calls.Call{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if _, err := s.sched.Register(created.ID, created.FireAt, s.fire); err != nil {
		// A scheduled row without a trigger would never fire.
		logger.ForCall(s.log, created.ID).Error("register trigger failed", "err", err)
		if _, ferr := s.failStuck(ctx, created.ID, calls.StatusScheduled, calls.ReasonRegisterFailed); ferr != nil {
			s.log.Error("fail unregistered call", "call_id", created.ID, "err", ferr)
		}
		return calls.Call{}, fmt.Errorf("%w: register trigger for call %d: %w", ErrSchedulingInconsistency, created.ID, err)
	}

	s.record(ctx, created.ID, audit.EventCallScheduled, "", calls.StatusScheduled, created.FireAt.Format(time.RFC3339))
	logger.ForCall(s.log, created.ID).Info("call scheduled",
		"fire_at", created.FireAt,
		"persona", created.Persona,
	)
	return created, nil
}

// Status returns the last persisted state of a call.
func (s *Service) Status(ctx context.Context, id int64) (calls.Call, error) {
	return s.store.Get(ctx, id)
}

// Events returns the audit trail of a call.
func (s *Service) Events(ctx context.Context, id int64) ([]audit.Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []audit.Event{}, nil
	}
	return s.audit.List(ctx, id)
}

// Cancel removes a pending trigger and fails the call with reason cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (calls.Call, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return calls.Call{}, err
	}
	if c.Status != calls.StatusScheduled {
		return c, ErrNotCancellable
	}
	removed, err := s.cancelTrigger(ctx, id)
	if err != nil {
		return c, err
	}
	if !removed {
		return c, ErrNotCancellable
	}

	updated, err := s.store.Transition(ctx, calls.Transition{
		ID:     id,
		From:   calls.StatusScheduled,
		To:     calls.StatusFailed,
		Reason: calls.ReasonCancelled,
		At:     s.now(),
	})
	if err != nil {
		if errors.Is(err, calls.ErrStaleTransition) {
			return c, fmt.Errorf("%w: %w", ErrNotCancellable, err)
		}
		// Put the trigger back so the call is not lost.
		if _, rerr := s.sched.Register(c.ID, c.FireAt, s.fire); rerr != nil {
			s.log.Error("re-register after failed cancel", "call_id", id, "err", rerr)
		}
		return c, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.record(ctx, id, audit.EventCallCancelled, calls.StatusScheduled, calls.StatusFailed, calls.ReasonCancelled)
	logger.ForCall(s.log, id).Info("call cancelled")
	return updated, nil
}

// cancelTrigger removes the pending trigger of id. A trigger taken by the
// loop moments ago may come back through a capacity deferral, so it waits for
// fire to decide, bounded by CancelWait.
func (s *Service) cancelTrigger(ctx context.Context, id int64) (bool, error) {
	deadline := time.NewTimer(s.cfg.CancelWait)
	defer deadline.Stop()
	for {
		if s.sched.CancelCall(id) {
			return true, nil
		}
		var poll <-chan time.Time
		decided := s.firingDone(id)
		if decided == nil {
			c, err := s.store.Get(ctx, id)
			if err != nil {
				return false, err
			}
			if c.Status != calls.StatusScheduled {
				return false, nil
			}
			// Taken off the queue but fire has not begun.
			poll = time.After(cancelPoll)
		}
		select {
		case <-decided:
		case <-poll:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

const cancelPoll = 10 * time.Millisecond

// fire is the scheduler action for every registered call.
func (s *Service) fire(ctx context.Context, f scheduler.Firing) {
	log := logger.ForCall(s.log, f.CallID).With("seq", f.Seq)
	settle := s.beginFiring(f.CallID)
	defer settle()

	c, err := s.store.Get(ctx, f.CallID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			log.Error("trigger fired for unknown call", "err", ErrSchedulingInconsistency)
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("load call failed, retrying", "err", err, "retry_in", s.cfg.LoadRetry)
		s.retry(log, f.CallID, s.cfg.LoadRetry)
		return
	}

	if c.Status != calls.StatusScheduled {
		s.inconsistent(ctx, log, c.ID, c.Status)
		return
	}

	if s.slots != nil {
		member := strconv.FormatInt(c.ID, 10)
		ok, err := s.slots.Acquire(ctx, member)
		switch {
		case err != nil:
			log.Warn("concurrency cap unavailable, proceeding", "err", err)
		case !ok:
			log.Info("concurrency cap reached, deferring", "retry_in", s.cfg.CapacityRetry)
			s.record(ctx, c.ID, audit.EventCallDeferred, calls.StatusScheduled, calls.StatusScheduled, "concurrency cap reached")
			s.retry(log, c.ID, s.cfg.CapacityRetry)
			return
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
			defer cancel()
			if err := s.slots.Release(rctx, member); err != nil {
				log.Warn("release concurrency slot failed", "err", err)
			}
		}()
	}

	started, err := s.store.Transition(ctx, calls.Transition{
		ID:   c.ID,
		From: calls.StatusScheduled,
		To:   calls.StatusInProgress,
		At:   s.now(),
	})
	if err != nil {
		if errors.Is(err, calls.ErrStaleTransition) {
			s.inconsistent(ctx, log, c.ID, "")
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Error("start call failed, retrying", "err", err, "retry_in", s.cfg.LoadRetry)
		s.retry(log, c.ID, s.cfg.LoadRetry)
		return
	}
	s.track(c.ID)
	defer s.untrack(c.ID)
	settle()

	s.record(ctx, c.ID, audit.EventCallStarted, calls.StatusScheduled, calls.StatusInProgress, "")
	log.Info("call started", "lateness", f.FiredAt.Sub(f.FireAt))

	runErr := s.runner.Run(ctx, bridge.CallContext{
		CallID:            started.ID,
		PhoneNumber:       started.PhoneNumber,
		Persona:           started.Persona,
		Scenario:          started.Scenario,
		CustomDescription: started.Description(),
	})
	s.finish(ctx, log, started.ID, runErr)
}

// finish persists the terminal status on a context that outlives shutdown.
func (s *Service) finish(ctx context.Context, log *slog.Logger, id int64, runErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	t := calls.Transition{ID: id, From: calls.StatusInProgress, To: calls.StatusCompleted, At: s.now()}
	typ := audit.EventCallCompleted
	if runErr != nil {
		t.To = calls.StatusFailed
		t.Reason = bridge.Reason(runErr)
		typ = audit.EventCallFailed
	}

	if _, err := s.store.Transition(fctx, t); err != nil {
		// The sweeper fails the row once it goes stale.
		log.Error("persist terminal status failed", "status", t.To, "err", err)
		return
	}
	s.record(fctx, id, typ, calls.StatusInProgress, t.To, t.Reason)

	if runErr != nil {
		log.Warn("call failed", "cause", bridge.CauseOf(runErr), "reason", t.Reason)
		return
	}
	log.Info("call completed")
}

func (s *Service) retry(log *slog.Logger, id int64, after time.Duration) {
	if _, err := s.sched.Register(id, s.now().Add(after), s.fire); err != nil {
		log.Error("re-register trigger failed", "err", err)
	}
}

func (s *Service) inconsistent(ctx context.Context, log *slog.Logger, id int64, observed calls.Status) {
	log.Error("trigger fired for call that is not scheduled",
		"err", ErrSchedulingInconsistency,
		"status", observed,
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.LogInconsistency(context.WithoutCancel(ctx), id, string(observed), "trigger fired outside scheduled status"); err != nil {
		log.Warn("audit append failed", "err", err)
	}
}

func (s *Service) record(ctx context.Context, id int64, typ audit.EventType, from, to calls.Status, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogTransition(context.WithoutCancel(ctx), id, typ, string(from), string(to), msg); err != nil {
		s.log.Warn("audit append failed", "call_id", id, "type", typ, "err", err)
	}
}

// beginFiring marks id as being decided by fire. The returned func ends the
// mark and may be called more than once.
func (s *Service) beginFiring(id int64) func() {
	done := make(chan struct{})
	s.mu.Lock()
	s.firing[id] = done
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.firing[id] == done {
				delete(s.firing, id)
			}
			s.mu.Unlock()
			close(done)
		})
	}
}

func (s *Service) firingDone(id int64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.firing[id]; ok {
		return done
	}
	return nil
}

func (s *Service) track(id int64) {
	s.mu.Lock()
	s.active[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) untrack(id int64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) isActive(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Active returns how many calls this process is running.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns the number of registered triggers.
func (s *Service) Pending() int {
	return s.sched.Len()
}
