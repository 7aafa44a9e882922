package telephony

import (
	"context"
	"errors"
	"time"
)

// Provider defines the provider-agnostic call-control interface used by the
// rest of the service.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall starts an outbound call that executes TwiML when answered.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	// Hangup ends a call regardless of its state.
	Hangup(ctx context.Context, providerCallID string) error
}

// ErrRejected wraps errors the provider returned for a call request.
var ErrRejected = errors.New("telephony: provider rejected request")

type PlaceCallRequest struct {
	CallID int64 `json:"call_id"`

	// To is the E.164 destination.
	To string `json:"to"`

	// TwiML is executed once the callee answers.
	TwiML string `json:"-"`

	// StatusCallbackURL receives call progress; optional.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`

	// RingTimeout bounds how long the callee's phone rings.
	RingTimeout time.Duration `json:"ring_timeout"`
}

type PlaceCallResult struct {
	// ProviderCallID is the provider's unique identifier for this call.
	ProviderCallID string `json:"provider_call_id"`
	Status         string `json:"status"`
}
