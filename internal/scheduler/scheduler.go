package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Service is a one-shot trigger scheduler: a single goroutine owns timing,
// triggers live in a min-heap and each fired action runs on its own goroutine.
//
// Triggers may be registered before Start; they fire once the loop runs.
type Service struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	triggers triggerHeap
	byCall   map[int64]*trigger
	regSeq   uint64
	fireSeq  uint64

	wakeCh chan struct{}

	lifecycle sync.Mutex
	running   bool
	stop      context.CancelFunc
	loopDone  chan struct{}
	inflight  sync.WaitGroup
}

type Option func(*Service)

// WithClock overrides time.Now. Timers still use real time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:    log.With(slog.String("component", "scheduler")),
		now:    time.Now,
		byCall: map[int64]*trigger{},
		wakeCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var ErrNotRunning = errors.New("scheduler: not running")

// Start launches the loop. Actions receive a context derived from ctx that
// is cancelled by Stop.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running {
		return errors.New("scheduler: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.loopDone)
	s.log.Info("scheduler started", slog.Int("pending", s.Len()))
	return nil
}

// Stop halts the loop and waits for in-flight actions until ctx expires.
// Unfired triggers stay registered; their calls remain persisted as scheduled.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	if !s.running {
		s.lifecycle.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.stop()
	done := s.loopDone
	s.lifecycle.Unlock()

	<-done

	idle := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		s.log.Info("scheduler stopped", slog.Int("pending", s.Len()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: in-flight actions still running: %w", ctx.Err())
	}
}

func (s *Service) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		s.mu.Lock()
		now := s.now()
		due, wait := s.popDueLocked(now)
		s.mu.Unlock()

		for _, t := range due {
			s.dispatch(ctx, t, now)
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.wakeCh:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

func (s *Service) dispatch(ctx context.Context, t *trigger, now time.Time) {
	s.fireSeq++
	f := Firing{CallID: t.callID, FireAt: t.fireAt, FiredAt: now, Seq: s.fireSeq}

	s.log.Debug("trigger fired",
		slog.Int64("call_id", f.CallID),
		slog.Time("fire_at", f.FireAt),
		slog.Duration("lateness", now.Sub(f.FireAt)),
	)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("trigger action panicked",
					slog.Int64("call_id", f.CallID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		t.action(ctx, f)
	}()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
