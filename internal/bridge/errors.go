package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Cause classifies why a session failed. It is persisted as the prefix of a
// call's failure reason.
type Cause string

const (
	CauseTelephonyConnect Cause = "telephony_connect"
	CauseAIConnect        Cause = "ai_connect"
	CauseStartTimeout     Cause = "start_timeout"
	CauseProtocol         Cause = "protocol_violation"
	CauseTransport        Cause = "transport_error"
	CauseRemote           Cause = "remote_error"
	CauseIdleTimeout      Cause = "idle_timeout"
	CauseMaxDuration      Cause = "max_duration"
	CauseBackpressure     Cause = "backpressure"
	CauseCanceled         Cause = "canceled"
	CauseUnknown          Cause = "unknown"
)

type Side string

const (
	SideTelephony Side = "telephony"
	SideAI        Side = "ai"
)

// ErrBackpressure is returned when a relay queue is full.
var ErrBackpressure = errors.New("relay queue full")

// Error is the failure result of a session.
type Error struct {
	Cause Cause
	Side  Side
	Err   error
}

func (e *Error) Error() string {
	if e.Side == "" {
		return fmt.Sprintf("bridge: %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("bridge: %s on %s stream: %v", e.Cause, e.Side, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(cause Cause, side Side, err error) *Error {
	return &Error{Cause: cause, Side: side, Err: err}
}

// CauseOf extracts the failure cause of err ("" for nil).
func CauseOf(err error) Cause {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Cause
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CauseCanceled
	}
	return CauseUnknown
}

const maxReasonLen = 500

// Reason renders err as a failure reason: "<cause>: <detail>".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	var be *Error
	if errors.As(err, &be) && be.Err != nil {
		detail = be.Err.Error()
		if be.Side != "" {
			detail = string(be.Side) + ": " + detail
		}
	}
	r := string(CauseOf(err)) + ": " + detail
	return truncateReason(r, maxReasonLen)
}

// truncateReason cuts r to at most n bytes on a rune boundary; the reason
// column only takes valid UTF-8.
func truncateReason(r string, n int) string {
	r = strings.ToValidUTF8(r, "?")
	if len(r) <= n {
		return r
	}
	for n > 0 && !utf8.RuneStart(r[n]) {
		n--
	}
	return r[:n]
}
