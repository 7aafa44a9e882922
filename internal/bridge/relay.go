package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const minWatchdogTick = 10 * time.Millisecond

// relay pumps events between the two streams of a session. Each stream has
// a reader that enqueues onto the peer's bounded queue without blocking and
// a writer that drains its own queue, so a slow writer never stalls the
// opposite direction. The first reported result wins.
type relay struct {
	cfg Config
	log *slog.Logger
	tel Stream
	ai  Stream

	toAI  chan Event
	toTel chan Event

	lastTel atomic.Int64
	lastAI  atomic.Int64

	framesToAI  atomic.Int64
	framesToTel atomic.Int64

	once   sync.Once
	done   chan struct{}
	result error
}

func newRelay(cfg Config, log *slog.Logger, tel, ai Stream) *relay {
	return &relay{
		cfg:   cfg,
		log:   log,
		tel:   tel,
		ai:    ai,
		toAI:  make(chan Event, cfg.QueueLimit),
		toTel: make(chan Event, cfg.QueueLimit),
		done:  make(chan struct{}),
	}
}

func (r *relay) finish(err error) {
	r.once.Do(func() {
		r.result = err
		close(r.done)
	})
}

func (r *relay) run(ctx context.Context) error {
	now := time.Now().UnixNano()
	r.lastTel.Store(now)
	r.lastAI.Store(now)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); r.read(SideTelephony, r.tel, r.toAI, &r.lastTel) }()
	go func() { defer wg.Done(); r.read(SideAI, r.ai, r.toTel, &r.lastAI) }()
	go func() { defer wg.Done(); r.write(SideAI, r.ai, r.toAI, &r.framesToAI) }()
	go func() { defer wg.Done(); r.write(SideTelephony, r.tel, r.toTel, &r.framesToTel) }()

	r.watch(ctx)

	// Closing both streams unblocks readers stuck in Recv and writers stuck
	// in Send.
	_ = r.tel.Close()
	_ = r.ai.Close()
	wg.Wait()
	return r.result
}

func (r *relay) watch(ctx context.Context) {
	tick := r.cfg.IdleTimeout / 4
	if tick < minWatchdogTick {
		tick = minWatchdogTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var maxC <-chan time.Time
	if r.cfg.MaxDuration > 0 {
		t := time.NewTimer(r.cfg.MaxDuration)
		defer t.Stop()
		maxC = t.C
	}

	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			r.finish(newError(CauseCanceled, "", ctx.Err()))
		case <-maxC:
			r.finish(newError(CauseMaxDuration, "", fmt.Errorf("session exceeded %s", r.cfg.MaxDuration)))
		case now := <-ticker.C:
			r.checkIdle(now, SideTelephony, &r.lastTel)
			r.checkIdle(now, SideAI, &r.lastAI)
		}
	}
}

func (r *relay) checkIdle(now time.Time, side Side, last *atomic.Int64) {
	silent := now.Sub(time.Unix(0, last.Load()))
	if silent > r.cfg.IdleTimeout {
		r.finish(newError(CauseIdleTimeout, side, fmt.Errorf("no activity for %s", silent.Truncate(time.Millisecond))))
	}
}

func (r *relay) read(side Side, src Stream, out chan<- Event, last *atomic.Int64) {
	peer := SideAI
	if side == SideAI {
		peer = SideTelephony
	}
	for {
		ev, err := src.Recv()
		select {
		case <-r.done:
			return
		default:
		}
		if err != nil {
			r.finish(newError(CauseTransport, side, err))
			return
		}
		last.Store(time.Now().UnixNano())

		switch ev.Kind {
		case KindAudio, KindInterrupt:
			select {
			case out <- ev:
			default:
				r.finish(newError(CauseBackpressure, peer, ErrBackpressure))
				return
			}
		case KindSessionEnd:
			r.log.Info("stream ended", slog.String("side", string(side)))
			r.finish(nil)
			return
		case KindError:
			r.finish(newError(CauseRemote, side, remoteErr(ev)))
			return
		case KindSessionStart, KindHeartbeat:
		default:
			r.log.Debug("dropping unknown event", slog.String("side", string(side)), slog.String("kind", ev.Kind.String()))
		}
	}
}

func (r *relay) write(side Side, dst Stream, in <-chan Event, frames *atomic.Int64) {
	for {
		select {
		case <-r.done:
			return
		case ev := <-in:
			if err := dst.Send(ev); err != nil {
				r.finish(newError(CauseTransport, side, err))
				return
			}
			if ev.Kind == KindAudio {
				frames.Add(1)
			}
		}
	}
}

func remoteErr(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New("remote reported an error")
}
