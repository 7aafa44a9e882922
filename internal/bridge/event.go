// Package bridge relays a live call between a telephony media stream and a
// realtime conversational AI stream.
//
// Transports are adapted to Stream: a duplex channel of protocol-neutral
// Events. Codecs for concrete wire protocols live with their transports
// (internal/telephony, internal/realtime).
package bridge

import (
	"context"
	"fmt"
)

type Kind int

const (
	// KindSessionStart opens a session; Metadata carries stream parameters.
	KindSessionStart Kind = iota + 1
	// KindAudio carries one frame of encoded audio, passed through untouched.
	KindAudio
	// KindInterrupt asks the receiving side to drop audio it has buffered
	// (the caller started talking over the assistant).
	KindInterrupt
	// KindSessionEnd is a graceful end of the session.
	KindSessionEnd
	// KindError is an error reported in-band by the remote side.
	KindError
	// KindHeartbeat is any other protocol traffic. It counts as activity
	// and is not forwarded.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindSessionStart:
		return "session_start"
	case KindAudio:
		return "audio"
	case KindInterrupt:
		return "interrupt"
	case KindSessionEnd:
		return "session_end"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Event struct {
	Kind     Kind
	Audio    []byte
	Metadata map[string]string
	Err      error
}

// Stream is one side of a bridge session.
//
// Recv blocks until an event arrives; it returns an error when the transport
// fails or is closed. Send may be called concurrently with Recv but not with
// itself. Close unblocks Recv and Send and is safe to call more than once.
// Send ignores kinds the transport has no representation for.
type Stream interface {
	Recv() (Event, error)
	Send(ev Event) error
	Close() error
}

// CallContext is what a session needs to know about the call it serves.
type CallContext struct {
	CallID            int64
	PhoneNumber       string
	Persona           string
	Scenario          string
	CustomDescription string
}

// Stream metadata keys carried on KindSessionStart.
const (
	MetaCallID            = "call_id"
	MetaPersona           = "persona"
	MetaScenario          = "scenario"
	MetaCustomDescription = "custom_description"
	MetaStreamID          = "stream_id"
	MetaProviderCallID    = "provider_call_id"
)

// TelephonyDialer places the call and returns its media stream once the
// callee's audio is attached.
type TelephonyDialer interface {
	Dial(ctx context.Context, call CallContext) (Stream, error)
}

// AIDialer opens a realtime AI session primed with instructions.
type AIDialer interface {
	Dial(ctx context.Context, instructions string) (Stream, error)
}

// withMetadata fills fields the caller left empty from stream metadata.
func (c CallContext) withMetadata(md map[string]string) CallContext {
	if c.Persona == "" {
		c.Persona = md[MetaPersona]
	}
	if c.Scenario == "" {
		c.Scenario = md[MetaScenario]
	}
	if c.CustomDescription == "" {
		c.CustomDescription = md[MetaCustomDescription]
	}
	return c
}
