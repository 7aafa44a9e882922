package reporting

import (
	"context"
	"sync"
	"time"

	"voice-scheduler/internal/calls"
)

// MemoryRepo is a fixed set of calls for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	Calls []calls.Call
	Err   error
}

func NewMemoryRepo(cs ...calls.Call) *MemoryRepo { return &MemoryRepo{Calls: cs} }

func (r *MemoryRepo) ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.FireAt.Before(from) || !c.FireAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
