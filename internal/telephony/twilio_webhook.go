package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// TwilioStatusForm captures the subset of call status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid        string
	AccountSid     string
	From           string
	To             string
	Direction      string
	CallStatus     string
	CallDuration   string
	SequenceNumber string
	SipCode        string

	// Params is the full form, needed for signature validation.
	Params map[string]string
}

// Twilio call statuses.
const (
	TwilioStatusQueued     = "queued"
	TwilioStatusInitiated  = "initiated"
	TwilioStatusRinging    = "ringing"
	TwilioStatusInProgress = "in-progress"
	TwilioStatusCompleted  = "completed"
	TwilioStatusBusy       = "busy"
	TwilioStatusNoAnswer   = "no-answer"
	TwilioStatusFailed     = "failed"
	TwilioStatusCanceled   = "canceled"
)

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	f := TwilioStatusForm{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		From:           strings.TrimSpace(r.PostFormValue("From")),
		To:             strings.TrimSpace(r.PostFormValue("To")),
		Direction:      r.PostFormValue("Direction"),
		CallStatus:     strings.ToLower(r.PostFormValue("CallStatus")),
		CallDuration:   r.PostFormValue("CallDuration"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
		SipCode:        r.PostFormValue("SipResponseCode"),
		Params:         params,
	}
	if f.CallSid == "" || f.CallStatus == "" {
		return TwilioStatusForm{}, errors.New("telephony: CallSid and CallStatus are required")
	}
	return f, nil
}

// Terminal reports whether the call can no longer attach a media stream.
func (f TwilioStatusForm) Terminal() bool {
	switch f.CallStatus {
	case TwilioStatusCompleted, TwilioStatusBusy, TwilioStatusNoAnswer, TwilioStatusFailed, TwilioStatusCanceled:
		return true
	default:
		return false
	}
}

// EndReason explains a terminal status to the waiting dial.
func (f TwilioStatusForm) EndReason() error {
	reason := f.CallStatus
	if f.SipCode != "" {
		reason += " (sip " + f.SipCode + ")"
	}
	return errors.Join(ErrCallEnded, errors.New(reason))
}

// callIDFromQuery reads the call id added by statusCallbackFor.
func callIDFromQuery(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("call_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("telephony: call_id query parameter required")
	}
	return id, nil
}
