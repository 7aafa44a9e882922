// Package reporting aggregates call outcomes for operators.
package reporting

import (
	"context"
	"errors"
	"strings"
	"time"

	"voice-scheduler/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side reporting needs. calls.Store satisfies it.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// maxRange bounds one summary query.
const maxRange = 366 * 24 * time.Hour

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	from, to := req.Range.From.UTC(), req.Range.To.UTC()
	rows, err := s.repo.ListCalls(ctx, from, to)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{
		Range:           TimeRange{From: from, To: to},
		FailuresByCause: map[string]int{},
	}
	var ended, started int
	var delay time.Duration
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case calls.StatusScheduled:
			out.ScheduledCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
			out.FailuresByCause[causeOf(c.FailureReason)]++
		}
		if c.StartedAt != nil {
			started++
			delay += c.StartedAt.Sub(c.FireAt)
			if c.EndedAt != nil {
				ended++
				out.TotalDurationSeconds += int(c.EndedAt.Sub(*c.StartedAt).Seconds())
			}
		}
	}
	if ended > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / ended
	}
	if started > 0 {
		out.AverageStartDelayMillis = (delay / time.Duration(started)).Milliseconds()
	}
	if terminal := out.CompletedCalls + out.FailedCalls; terminal > 0 {
		out.CompletionRate = float64(out.CompletedCalls) / float64(terminal)
	}
	return out, nil
}

// causeOf returns the "<cause>" part of a "<cause>: <detail>" reason.
func causeOf(reason string) string {
	if reason == "" {
		return "unknown"
	}
	cause, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(cause)
}
