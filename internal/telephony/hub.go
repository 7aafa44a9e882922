package telephony

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNoWaiter is returned by Attach when no dial is waiting for the call.
	ErrNoWaiter = errors.New("telephony: no pending dial for call")
	// ErrTokenMismatch is returned by Attach when the stream token is not the
	// one issued for the pending dial.
	ErrTokenMismatch = errors.New("telephony: stream token does not match pending dial")
	// ErrCallEnded is delivered to a waiting dial when the provider reports
	// the call finished before its media stream attached.
	ErrCallEnded = errors.New("telephony: call ended before media stream attached")
)

// AttachResult is what a waiting dial receives: the attached stream or the
// reason the call will never attach.
type AttachResult struct {
	Stream *MediaStream
	Err    error
}

type waiter struct {
	tokenID string
	ch      chan AttachResult
}

// StreamHub is the rendezvous between an outbound dial, which knows the call
// it placed, and the media-stream websocket Twilio opens once the callee
// answers. At most one dial per call waits at a time.
type StreamHub struct {
	mu      sync.Mutex
	waiters map[int64]*waiter
}

func NewStreamHub() *StreamHub {
	return &StreamHub{waiters: make(map[int64]*waiter)}
}

// Expect registers a pending dial for callID whose stream must present a
// token with tokenID. The returned cancel func unregisters it; it must be
// called once the caller stops waiting.
func (h *StreamHub) Expect(callID int64, tokenID string) (<-chan AttachResult, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.waiters[callID]; ok {
		return nil, nil, fmt.Errorf("telephony: dial already pending for call %d", callID)
	}
	w := &waiter{tokenID: tokenID, ch: make(chan AttachResult, 1)}
	h.waiters[callID] = w
	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.waiters[callID]; ok && cur == w {
			delete(h.waiters, callID)
		}
		h.mu.Unlock()
	}
	return w.ch, cancel, nil
}

// Attach hands stream to the dial waiting for callID. On error the caller
// still owns stream.
func (h *StreamHub) Attach(callID int64, tokenID string, stream *MediaStream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.waiters[callID]
	if !ok {
		return ErrNoWaiter
	}
	if w.tokenID != tokenID {
		return ErrTokenMismatch
	}
	delete(h.waiters, callID)
	w.ch <- AttachResult{Stream: stream}
	return nil
}

// Abort fails the dial waiting for callID with reason. It reports whether a
// dial was waiting.
func (h *StreamHub) Abort(callID int64, reason error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.waiters[callID]
	if !ok {
		return false
	}
	delete(h.waiters, callID)
	w.ch <- AttachResult{Err: reason}
	return true
}

// Pending returns the number of dials waiting for a stream.
func (h *StreamHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
