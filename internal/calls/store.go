package calls

import (
	"context"
	"sort"
	"time"
)

// Store persists calls. Implementations must make Transition a single
// conditional update: the row changes only if it is still in From.
type Store interface {
	Create(ctx context.Context, c Call) (Call, error)
	Get(ctx context.Context, id int64) (Call, error)
	Transition(ctx context.Context, t Transition) (Call, error)
	ListByStatus(ctx context.Context, status Status) ([]Call, error)
	// ListCalls returns calls whose FireAt is in [from, to).
	ListCalls(ctx context.Context, from, to time.Time) ([]Call, error)
}

// Transition moves one call forward in its lifecycle.
type Transition struct {
	ID     int64
	From   Status
	To     Status
	Reason string
	At     time.Time
}

func (t Transition) validate() error {
	if !t.From.Valid() || !t.To.Valid() || !CanTransition(t.From, t.To) {
		return ErrInvalidTransition
	}
	return nil
}

// stamps returns the started_at / ended_at values a transition sets.
func (t Transition) stamps() (started, ended *time.Time) {
	at := t.At.UTC()
	if t.To == StatusInProgress {
		started = &at
	}
	if t.To.Terminal() {
		ended = &at
	}
	return started, ended
}

func sortByFireTime(cs []Call) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].FireAt.Equal(cs[j].FireAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].FireAt.Before(cs[j].FireAt)
	})
}
