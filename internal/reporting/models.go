package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest selects calls by fire time in [From, To).
type CallsSummaryRequest struct {
	Range TimeRange `json:"range"`
}

type CallsSummary struct {
	Range TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	ScheduledCalls  int `json:"scheduled_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`

	// FailuresByCause counts failed calls by the cause prefix of their
	// failure reason (e.g. "ai_connect", "cancelled").
	FailuresByCause map[string]int `json:"failures_by_cause"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// AverageStartDelayMillis is the mean gap between fire time and start.
	AverageStartDelayMillis int64 `json:"average_start_delay_ms"`

	CompletionRate float64 `json:"completion_rate"`
}
