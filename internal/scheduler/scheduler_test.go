package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"voice-scheduler/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	fired  []Firing
	signal chan Firing
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan Firing, 64)}
}

func (r *recorder) action(ctx context.Context, f Firing) {
	r.mu.Lock()
	r.fired = append(r.fired, f)
	r.mu.Unlock()
	r.signal <- f
}

func (r *recorder) wait(t *testing.T, n int, timeout time.Duration) []Firing {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d firings, got %d", n, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Firing(nil), r.fired...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func startService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s := New(logger.Discard(), opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestService_FiresOnceNotBeforeFireTime(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	fireAt := time.Now().Add(80 * time.Millisecond)
	_, err := s.Register(1, fireAt, rec.action)
	require.NoError(t, err)
	assert.True(t, s.Pending(1))

	got := rec.wait(t, 1, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].CallID)
	assert.False(t, got[0].FiredAt.Before(fireAt), "fired early: %v < %v", got[0].FiredAt, fireAt)
	assert.Less(t, got[0].FiredAt.Sub(fireAt), 500*time.Millisecond)

	// The trigger is gone once fired and never fires again.
	assert.False(t, s.Pending(1))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestService_FiresInFireTimeOrder(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	base := time.Now().Add(60 * time.Millisecond)
	_, err := s.Register(2, base.Add(40*time.Millisecond), rec.action)
	require.NoError(t, err)
	_, err = s.Register(1, base, rec.action)
	require.NoError(t, err)

	got := rec.wait(t, 2, 2*time.Second)
	assert.Equal(t, int64(1), got[0].CallID)
	assert.Equal(t, int64(2), got[1].CallID)
}

func TestService_EqualFireTimesFireInRegistrationOrder(t *testing.T) {
	s := New(logger.Discard())
	rec := newRecorder()

	// Registered before Start so all of them are due on the same loop pass.
	at := time.Now().Add(50 * time.Millisecond)
	ids := []int64{5, 3, 9, 1, 7}
	for _, id := range ids {
		_, err := s.Register(id, at, rec.action)
		require.NoError(t, err)
	}
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := rec.wait(t, len(ids), 2*time.Second)
	for i, f := range got {
		assert.Equal(t, ids[i], f.CallID, "position %d", i)
	}
}

func TestService_PastFireTimeFiresImmediately(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	start := time.Now()
	_, err := s.Register(1, start.Add(-time.Hour), rec.action)
	require.NoError(t, err)

	got := rec.wait(t, 1, time.Second)
	assert.Less(t, got[0].FiredAt.Sub(start), 200*time.Millisecond)
}

func TestService_CancelBeforeFire(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	h, err := s.Register(1, time.Now().Add(100*time.Millisecond), rec.action)
	require.NoError(t, err)
	_, err = s.Register(2, time.Now().Add(120*time.Millisecond), rec.action)
	require.NoError(t, err)

	assert.True(t, s.Cancel(h))
	assert.False(t, s.Cancel(h), "second cancel is a no-op")

	got := rec.wait(t, 1, 2*time.Second)
	assert.Equal(t, int64(2), got[0].CallID)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestService_CancelAfterFireIsNoop(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	h, err := s.Register(1, time.Now(), rec.action)
	require.NoError(t, err)
	rec.wait(t, 1, time.Second)

	assert.False(t, s.Cancel(h))
	assert.False(t, s.CancelCall(1))
}

func TestService_StaleHandleDoesNotCancelNewRegistration(t *testing.T) {
	s := New(logger.Discard())
	rec := newRecorder()

	old, err := s.Register(1, time.Now().Add(time.Hour), rec.action)
	require.NoError(t, err)
	require.True(t, s.CancelCall(1))

	_, err = s.Register(1, time.Now().Add(time.Hour), rec.action)
	require.NoError(t, err)

	assert.False(t, s.Cancel(old))
	assert.True(t, s.Pending(1))
}

func TestService_OneActiveTriggerPerCall(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	_, err := s.Register(1, time.Now().Add(50*time.Millisecond), rec.action)
	require.NoError(t, err)
	_, err = s.Register(1, time.Now().Add(time.Hour), rec.action)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	rec.wait(t, 1, time.Second)

	// After firing, the call may be registered again (e.g. deferred retry).
	_, err = s.Register(1, time.Now(), rec.action)
	require.NoError(t, err)
	rec.wait(t, 2, time.Second)
}

func TestService_RejectsInvalidTriggers(t *testing.T) {
	s := New(logger.Discard())
	_, err := s.Register(0, time.Now(), func(context.Context, Firing) {})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	_, err = s.Register(1, time.Now(), nil)
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	_, err = s.Register(1, time.Time{}, func(context.Context, Firing) {})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestService_SlowActionDoesNotDelayOthers(t *testing.T) {
	s := startService(t)
	rec := newRecorder()
	release := make(chan struct{})
	defer close(release)

	_, err := s.Register(1, time.Now(), func(ctx context.Context, f Firing) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	require.NoError(t, err)

	at := time.Now().Add(50 * time.Millisecond)
	_, err = s.Register(2, at, rec.action)
	require.NoError(t, err)

	got := rec.wait(t, 1, time.Second)
	assert.Less(t, got[0].FiredAt.Sub(at), 200*time.Millisecond)
}

func TestService_StopWaitsForInflightActions(t *testing.T) {
	s := New(logger.Discard())
	require.NoError(t, s.Start(context.Background()))

	started := make(chan struct{})
	var finished bool
	var mu sync.Mutex
	_, err := s.Register(1, time.Now(), func(ctx context.Context, f Firing) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)

	assert.ErrorIs(t, s.Stop(ctx), ErrNotRunning)
}

func TestService_StopDeadlineWithStuckAction(t *testing.T) {
	s := New(logger.Discard())
	require.NoError(t, s.Start(context.Background()))

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	_, err := s.Register(1, time.Now(), func(ctx context.Context, f Firing) {
		close(started)
		<-block
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(ctx))
}

func TestService_ActionPanicDoesNotKillLoop(t *testing.T) {
	s := startService(t)
	rec := newRecorder()

	_, err := s.Register(1, time.Now(), func(context.Context, Firing) { panic("boom") })
	require.NoError(t, err)
	_, err = s.Register(2, time.Now().Add(30*time.Millisecond), rec.action)
	require.NoError(t, err)

	got := rec.wait(t, 1, time.Second)
	assert.Equal(t, int64(2), got[0].CallID)
}

func TestService_Reconcile(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(logger.Discard(), WithClock(func() time.Time { return now }))

	_, err := s.Register(3, now.Add(time.Hour), func(context.Context, Firing) {})
	require.NoError(t, err)

	rep := s.Reconcile([]Pending{
		{CallID: 1, FireAt: now.Add(-time.Minute)},
		{CallID: 2, FireAt: now.Add(time.Minute)},
		{CallID: 3, FireAt: now.Add(time.Hour)},
		{CallID: 0, FireAt: now},
	}, func(context.Context, Firing) {})

	assert.Equal(t, ReconcileReport{Registered: 2, Overdue: 1, Duplicates: 1, Invalid: 1}, rep)
	assert.Equal(t, 3, s.Len())
}

func TestService_ReconcileFiresOverdueOnStart(t *testing.T) {
	s := New(logger.Discard())
	rec := newRecorder()

	s.Reconcile([]Pending{
		{CallID: 10, FireAt: time.Now().Add(-2 * time.Hour)},
		{CallID: 11, FireAt: time.Now().Add(-time.Hour)},
	}, rec.action)
	require.Equal(t, 0, rec.count())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := rec.wait(t, 2, time.Second)
	assert.Equal(t, int64(10), got[0].CallID)
	assert.Equal(t, int64(11), got[1].CallID)
}
