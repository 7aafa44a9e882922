package telephony

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"voice-scheduler/internal/bridge"
)

// StreamTokenIssuer mints the token a call's media stream presents on attach.
type StreamTokenIssuer interface {
	IssueStreamToken(now time.Time, callID int64) (token, tokenID string, err error)
}

type DialerConfig struct {
	MediaStreamURL    string
	StatusCallbackURL string
	Greeting          string
	RingTimeout       time.Duration
}

// Dialer places an outbound call and waits for its media stream. It is the
// telephony side of a bridge session.
type Dialer struct {
	provider Provider
	hub      *StreamHub
	tokens   StreamTokenIssuer
	cfg      DialerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewDialer(provider Provider, hub *StreamHub, tokens StreamTokenIssuer, cfg DialerConfig, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{provider: provider, hub: hub, tokens: tokens, cfg: cfg, log: log, now: time.Now}
}

const hangupTimeout = 5 * time.Second

// Dial returns once the callee's media stream has attached. If the call
// cannot attach (rejected, unanswered, timed out) the placed call is hung up.
func (d *Dialer) Dial(ctx context.Context, call bridge.CallContext) (bridge.Stream, error) {
	token, tokenID, err := d.tokens.IssueStreamToken(d.now(), call.CallID)
	if err != nil {
		return nil, err
	}

	attached, cancel, err := d.hub.Expect(call.CallID, tokenID)
	if err != nil {
		return nil, err
	}
	defer cancel()

	twiml, err := RenderStreamTwiML(StreamTwiML{
		Greeting:  d.cfg.Greeting,
		StreamURL: d.cfg.MediaStreamURL,
		Parameters: map[string]string{
			StreamParamToken:   token,
			bridge.MetaCallID:  strconv.FormatInt(call.CallID, 10),
			bridge.MetaPersona: call.Persona,
		},
	})
	if err != nil {
		return nil, err
	}

	placed, err := d.provider.PlaceCall(ctx, PlaceCallRequest{
		CallID:            call.CallID,
		To:                call.PhoneNumber,
		TwiML:             twiml,
		StatusCallbackURL: statusCallbackFor(d.cfg.StatusCallbackURL, call.CallID),
		RingTimeout:       d.cfg.RingTimeout,
	})
	if err != nil {
		return nil, err
	}
	log := d.log.With(slog.Int64("call_id", call.CallID), slog.String("provider_call_id", placed.ProviderCallID))
	log.Info("call placed", slog.String("provider", d.provider.Name()), slog.String("status", placed.Status))

	select {
	case res := <-attached:
		if res.Err != nil {
			d.hangup(log, placed.ProviderCallID)
			return nil, res.Err
		}
		return res.Stream, nil
	case <-ctx.Done():
		cancel()
		// An attach may have landed between the deadline and cancel.
		select {
		case res := <-attached:
			if res.Stream != nil {
				_ = res.Stream.Close()
			}
		default:
		}
		d.hangup(log, placed.ProviderCallID)
		return nil, ctx.Err()
	}
}

func (d *Dialer) hangup(log *slog.Logger, providerCallID string) {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := d.provider.Hangup(ctx, providerCallID); err != nil {
		log.Warn("hangup failed", "err", err)
	}
}

// statusCallbackFor tags the callback URL with the call id so progress
// events can be routed without a provider-id lookup.
func statusCallbackFor(base string, callID int64) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("call_id", strconv.FormatInt(callID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}
