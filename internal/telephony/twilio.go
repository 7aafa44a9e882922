package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-scheduler/internal/config"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/time/rate"
)

// callAPI is the subset of the Twilio v2010 REST API this adapter uses.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// TwilioProvider places outbound calls through the Twilio REST API.
// Call creation is rate limited to the account's calls-per-second budget.
type TwilioProvider struct {
	api        callAPI
	accountSID string
	from       string
	limiter    *rate.Limiter
}

func NewTwilioProvider(cfg config.TwilioConfig) *TwilioProvider {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newTwilioProvider(rc.Api, cfg)
}

func newTwilioProvider(api callAPI, cfg config.TwilioConfig) *TwilioProvider {
	cps := cfg.CallsPerSecond
	if cps <= 0 {
		cps = 1
	}
	return &TwilioProvider{
		api:        api,
		accountSID: cfg.AccountSID,
		from:       cfg.FromNumber,
		limiter:    rate.NewLimiter(rate.Limit(cps), 1),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.api.FetchAccount(p.accountSID); err != nil {
		return fmt.Errorf("telephony: twilio account fetch: %w", restError(err))
	}
	return nil
}

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.To == "" || req.TwiML == "" {
		return PlaceCallResult{}, errors.New("telephony: to and twiml are required")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: waiting for call rate: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.from)
	params.SetTwiml(req.TwiML)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(statusCallbackEvents)
	}
	if req.RingTimeout > 0 {
		params.SetTimeout(int(req.RingTimeout / time.Second))
	}

	call, err := p.api.CreateCall(params)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: twilio create call: %w", restError(err))
	}

	res := PlaceCallResult{}
	if call.Sid != nil {
		res.ProviderCallID = *call.Sid
	}
	if call.Status != nil {
		res.Status = *call.Status
	}
	if res.ProviderCallID == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio create call returned no sid")
	}
	return res, nil
}

func (p *TwilioProvider) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return nil
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.api.UpdateCall(providerCallID, params); err != nil {
		return fmt.Errorf("telephony: twilio hangup %s: %w", providerCallID, restError(err))
	}
	return nil
}

// restError tags API-level rejections with ErrRejected so callers can tell
// them apart from transport failures.
func restError(err error) error {
	var re *client.TwilioRestError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %d %s", ErrRejected, re.Code, re.Message)
	}
	return err
}
