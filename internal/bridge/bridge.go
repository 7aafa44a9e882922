package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	// ConnectTimeout bounds each dial (placing the call includes ringing).
	ConnectTimeout time.Duration
	// StartTimeout bounds the wait for the telephony session-start event.
	StartTimeout time.Duration
	// IdleTimeout ends the session when either stream is silent this long.
	IdleTimeout time.Duration
	// MaxDuration caps the relay phase. Zero means no cap.
	MaxDuration time.Duration
	// QueueLimit is the per-direction relay queue depth.
	QueueLimit int
}

const (
	defaultConnectTimeout = 60 * time.Second
	defaultStartTimeout   = 10 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultQueueLimit     = 256
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = defaultQueueLimit
	}
	return c
}

// Bridge runs one session per call. It holds no per-call state and is safe
// for concurrent use.
type Bridge struct {
	telephony TelephonyDialer
	ai        AIDialer
	cfg       Config
	log       *slog.Logger
}

func New(telephony TelephonyDialer, ai AIDialer, cfg Config, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{telephony: telephony, ai: ai, cfg: cfg.withDefaults(), log: log}
}

// Run places the call, waits for the callee's media session to start, opens
// the AI session and relays audio both ways until either side ends.
//
// A nil result means the session ended gracefully. Any failure is an *Error.
// Both streams are closed before Run returns.
func (b *Bridge) Run(ctx context.Context, call CallContext) error {
	log := b.log.With(slog.Int64("call_id", call.CallID))

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	tel, err := b.telephony.Dial(dialCtx, call)
	cancel()
	if err != nil {
		return dialError(ctx, CauseTelephonyConnect, SideTelephony, err)
	}
	defer tel.Close()

	start, err := awaitStart(ctx, tel, b.cfg.StartTimeout)
	if err != nil {
		return err
	}
	log.Info("media session started",
		slog.String("stream_id", start.Metadata[MetaStreamID]),
		slog.String("provider_call_id", start.Metadata[MetaProviderCallID]),
	)

	call = call.withMetadata(start.Metadata)
	instructions := BuildInstructions(call.Persona, call.Scenario, call.CustomDescription)

	dialCtx, cancel = context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	ai, err := b.ai.Dial(dialCtx, instructions)
	cancel()
	if err != nil {
		return dialError(ctx, CauseAIConnect, SideAI, err)
	}
	defer ai.Close()
	log.Info("ai session opened")

	r := newRelay(b.cfg, log, tel, ai)
	err = r.run(ctx)
	if err != nil {
		log.Warn("session failed", slog.String("cause", string(CauseOf(err))), slog.Any("err", err))
	} else {
		log.Info("session ended", slog.Int64("frames_to_ai", r.framesToAI.Load()), slog.Int64("frames_to_telephony", r.framesToTel.Load()))
	}
	return err
}

func dialError(ctx context.Context, cause Cause, side Side, err error) error {
	if ctx.Err() != nil {
		return newError(CauseCanceled, side, ctx.Err())
	}
	return newError(cause, side, err)
}

// awaitStart waits for the first non-heartbeat telephony event, which must be
// a session start. On timeout or cancellation the stream is closed to unblock
// the pending Recv.
func awaitStart(ctx context.Context, s Stream, timeout time.Duration) (Event, error) {
	type result struct {
		ev  Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			ev, err := s.Recv()
			if err != nil || ev.Kind != KindHeartbeat {
				ch <- result{ev: ev, err: err}
				return
			}
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		switch {
		case r.err != nil:
			return Event{}, newError(CauseTransport, SideTelephony, r.err)
		case r.ev.Kind == KindError:
			return Event{}, newError(CauseRemote, SideTelephony, remoteErr(r.ev))
		case r.ev.Kind != KindSessionStart:
			return Event{}, newError(CauseProtocol, SideTelephony, fmt.Errorf("expected session start, got %s", r.ev.Kind))
		}
		if r.ev.Metadata == nil {
			r.ev.Metadata = map[string]string{}
		}
		return r.ev, nil
	case <-timer.C:
		_ = s.Close()
		return Event{}, newError(CauseStartTimeout, SideTelephony, fmt.Errorf("no session start within %s", timeout))
	case <-ctx.Done():
		_ = s.Close()
		return Event{}, newError(CauseCanceled, "", ctx.Err())
	}
}
