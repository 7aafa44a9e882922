package calls

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests.
// It is not intended for production use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]Call

	// FailNext, when set, is returned (once) by the next call to any method.
	FailNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[int64]Call{}}
}

func (s *MemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *MemoryStore) Create(ctx context.Context, c Call) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Call{}, err
	}
	if c.PhoneNumber == "" || !c.Status.Valid() {
		return Call{}, errors.New("calls: invalid row")
	}
	s.nextID++
	c.ID = s.nextID
	c.FireAt = c.FireAt.UTC()
	s.calls[c.ID] = c
	return c, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Call{}, err
	}
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Transition(ctx context.Context, t Transition) (Call, error) {
	if err := t.validate(); err != nil {
		return Call{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return Call{}, err
	}
	c, ok := s.calls[t.ID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status != t.From {
		return Call{}, ErrStaleTransition
	}
	started, ended := t.stamps()
	c.Status = t.To
	c.FailureReason = t.Reason
	c.UpdatedAt = t.At.UTC()
	if started != nil {
		c.StartedAt = started
	}
	if ended != nil {
		c.EndedAt = ended
	}
	s.calls[t.ID] = c
	return c, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]Call, 0)
	for _, c := range s.calls {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sortByFireTime(out)
	return out, nil
}

func (s *MemoryStore) ListCalls(ctx context.Context, from, to time.Time) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]Call, 0)
	for _, c := range s.calls {
		if c.FireAt.Before(from) || !c.FireAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sortByFireTime(out)
	return out, nil
}

// Put stores c as-is, keeping its ID. Tests use it to seed rows.
func (s *MemoryStore) Put(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID > s.nextID {
		s.nextID = c.ID
	}
	s.calls[c.ID] = c
}
