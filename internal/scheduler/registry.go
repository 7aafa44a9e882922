package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"time"
)

// Action runs when a trigger fires. It runs on its own goroutine.
type Action func(ctx context.Context, f Firing)

// Firing describes one dispatched trigger.
type Firing struct {
	CallID  int64
	FireAt  time.Time
	FiredAt time.Time
	// Seq is the dispatch order across the whole scheduler, starting at 1.
	Seq uint64
}

// Handle identifies one registration. A handle from an earlier registration
// of the same call never cancels a later one.
type Handle struct {
	CallID int64
	id     uint64
}

var (
	ErrAlreadyRegistered = errors.New("scheduler: call already has an active trigger")
	ErrInvalidTrigger    = errors.New("scheduler: invalid trigger")
)

type trigger struct {
	callID int64
	fireAt time.Time
	// seq is the registration order; it breaks fire-time ties FIFO.
	seq    uint64
	action Action
	index  int
}

// triggerHeap is a min-heap on (fireAt, seq).
type triggerHeap []*trigger

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x any) {
	t := x.(*trigger)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Register adds a trigger for callID. A fireAt in the past fires on the next
// loop pass. A call may hold at most one active trigger.
func (s *Service) Register(callID int64, fireAt time.Time, action Action) (Handle, error) {
	if callID <= 0 || action == nil || fireAt.IsZero() {
		return Handle{}, ErrInvalidTrigger
	}

	s.mu.Lock()
	if _, ok := s.byCall[callID]; ok {
		s.mu.Unlock()
		return Handle{}, ErrAlreadyRegistered
	}
	s.regSeq++
	t := &trigger{callID: callID, fireAt: fireAt.UTC(), seq: s.regSeq, action: action}
	heap.Push(&s.triggers, t)
	s.byCall[callID] = t
	head := s.triggers[0] == t
	s.mu.Unlock()

	// Only a new head changes how long the loop should sleep.
	if head {
		s.wake()
	}
	return Handle{CallID: callID, id: t.seq}, nil
}

// Cancel removes the trigger behind h if it has not fired yet.
// It reports whether a trigger was removed.
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byCall[h.CallID]
	if !ok || t.seq != h.id {
		return false
	}
	s.removeLocked(t)
	return true
}

// CancelCall removes whatever trigger callID holds, if it has not fired yet.
func (s *Service) CancelCall(callID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byCall[callID]
	if !ok {
		return false
	}
	s.removeLocked(t)
	return true
}

// Pending reports whether callID holds an unfired trigger.
func (s *Service) Pending(callID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byCall[callID]
	return ok
}

// Len is the number of unfired triggers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

func (s *Service) removeLocked(t *trigger) {
	if t.index >= 0 {
		heap.Remove(&s.triggers, t.index)
	}
	delete(s.byCall, t.callID)
}

// popDueLocked removes and returns every trigger due at now, in fire order,
// and how long until the next one (-1 when empty).
func (s *Service) popDueLocked(now time.Time) ([]*trigger, time.Duration) {
	var due []*trigger
	for len(s.triggers) > 0 {
		head := s.triggers[0]
		if head.fireAt.After(now) {
			return due, head.fireAt.Sub(now)
		}
		heap.Pop(&s.triggers)
		delete(s.byCall, head.callID)
		due = append(due, head)
	}
	return due, -1
}
