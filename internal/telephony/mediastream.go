package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-scheduler/internal/bridge"

	"github.com/gorilla/websocket"
)

// Twilio Media Streams wire format.
// Ref: https://www.twilio.com/docs/voice/media-streams/websocket-messages

const (
	frameConnected = "connected"
	frameStart     = "start"
	frameMedia     = "media"
	frameMark      = "mark"
	frameDTMF      = "dtmf"
	frameStop      = "stop"
	frameClear     = "clear"
)

// ErrStreamClosed is returned by writes after Close.
var ErrStreamClosed = errors.New("telephony: media stream closed")

// StreamParamToken carries the stream token in the start event's custom parameters.
const StreamParamToken = "token"

const (
	mediaWriteWait   = 5 * time.Second
	mediaMaxFrameLen = 1 << 16
)

type mediaFrame struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *mediaStart  `json:"start,omitempty"`
	Media          *mediaChunk  `json:"media,omitempty"`
	Mark           *mediaMark   `json:"mark,omitempty"`
	DTMF           *mediaDigits `json:"dtmf,omitempty"`
	Stop           *mediaStop   `json:"stop,omitempty"`
}

type mediaStart struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaChunk struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type mediaMark struct {
	Name string `json:"name"`
}

type mediaDigits struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type mediaStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

func parseFrame(data []byte) (mediaFrame, error) {
	var f mediaFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return mediaFrame{}, fmt.Errorf("telephony: malformed media frame: %w", err)
	}
	if f.Event == "" {
		return mediaFrame{}, errors.New("telephony: media frame without event")
	}
	return f, nil
}

// toEvent maps an inbound frame to a bridge event.
func (f mediaFrame) toEvent() (bridge.Event, error) {
	switch f.Event {
	case frameStart:
		if f.Start == nil {
			return bridge.Event{}, errors.New("telephony: start frame without start payload")
		}
		md := make(map[string]string, len(f.Start.CustomParameters)+2)
		for k, v := range f.Start.CustomParameters {
			if k == StreamParamToken {
				continue
			}
			md[k] = v
		}
		md[bridge.MetaStreamID] = f.Start.StreamSid
		md[bridge.MetaProviderCallID] = f.Start.CallSid
		return bridge.Event{Kind: bridge.KindSessionStart, Metadata: md}, nil
	case frameMedia:
		if f.Media == nil {
			return bridge.Event{}, errors.New("telephony: media frame without media payload")
		}
		audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
		if err != nil {
			return bridge.Event{}, fmt.Errorf("telephony: media payload: %w", err)
		}
		return bridge.Event{Kind: bridge.KindAudio, Audio: audio}, nil
	case frameStop:
		return bridge.Event{Kind: bridge.KindSessionEnd}, nil
	case frameConnected, frameMark, frameDTMF:
		return bridge.Event{Kind: bridge.KindHeartbeat}, nil
	default:
		// Event types newer than this adapter still prove the stream is alive.
		return bridge.Event{Kind: bridge.KindHeartbeat}, nil
	}
}

// MediaStream adapts an accepted Twilio media-stream websocket to bridge.Stream.
type MediaStream struct {
	conn      *websocket.Conn
	streamSid string
	callSid   string
	start     bridge.Event

	// pending holds the start event, already consumed during the handshake,
	// until the first Recv.
	pendingMu sync.Mutex
	pending   *bridge.Event

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newMediaStream(conn *websocket.Conn, start mediaFrame) (*MediaStream, error) {
	ev, err := start.toEvent()
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(mediaMaxFrameLen)
	s := &MediaStream{
		conn:      conn,
		streamSid: start.Start.StreamSid,
		callSid:   start.Start.CallSid,
		start:     ev,
		done:      make(chan struct{}),
	}
	s.pending = &s.start
	return s, nil
}

func (s *MediaStream) StreamSid() string { return s.streamSid }
func (s *MediaStream) CallSid() string   { return s.callSid }

// Done is closed when the stream is closed.
func (s *MediaStream) Done() <-chan struct{} { return s.done }

func (s *MediaStream) Recv() (bridge.Event, error) {
	s.pendingMu.Lock()
	if p := s.pending; p != nil {
		s.pending = nil
		s.pendingMu.Unlock()
		return *p, nil
	}
	s.pendingMu.Unlock()

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return bridge.Event{Kind: bridge.KindSessionEnd}, nil
		}
		return bridge.Event{}, err
	}
	f, err := parseFrame(data)
	if err != nil {
		return bridge.Event{}, err
	}
	return f.toEvent()
}

func (s *MediaStream) Send(ev bridge.Event) error {
	var f mediaFrame
	switch ev.Kind {
	case bridge.KindAudio:
		f = mediaFrame{Event: frameMedia, Media: &mediaChunk{Payload: base64.StdEncoding.EncodeToString(ev.Audio)}}
	case bridge.KindInterrupt:
		f = mediaFrame{Event: frameClear}
	default:
		return nil
	}
	f.StreamSid = s.streamSid
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *MediaStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(mediaWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

// Close sends a normal close frame and tears down the connection. It
// unblocks pending Recv and Send calls.
func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
