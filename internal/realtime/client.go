// Package realtime connects bridge sessions to the OpenAI Realtime API over
// a websocket.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"voice-scheduler/internal/bridge"
	"voice-scheduler/internal/config"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 5 * time.Second
	maxServerEventLen       = 1 << 20
)

type Config struct {
	APIKey string
	URL    string
	Voice  string
	// GreetFirst makes the assistant speak before the callee does.
	GreetFirst       bool
	HandshakeTimeout time.Duration
}

func ConfigFrom(c config.RealtimeConfig) Config {
	return Config{APIKey: c.APIKey, URL: c.URL, Voice: c.Voice, GreetFirst: c.GreetFirst}
}

// Dialer opens one Realtime session per call.
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
	log *slog.Logger
}

func NewDialer(cfg Config, log *slog.Logger) (*Dialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("realtime: api key is required")
	}
	if !strings.HasPrefix(cfg.URL, "wss://") && !strings.HasPrefix(cfg.URL, "ws://") {
		return nil, fmt.Errorf("realtime: url %q is not a websocket url", cfg.URL)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log,
	}, nil
}

// Dial connects, waits for session.created and configures the session with
// instructions and telephony audio formats.
func (d *Dialer) Dial(ctx context.Context, instructions string) (bridge.Stream, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.cfg.APIKey)
	h.Add("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.ws.DialContext(ctx, d.cfg.URL, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(maxServerEventLen)

	s := &Session{conn: conn, done: make(chan struct{})}
	if err := s.handshake(ctx, d.cfg, instructions); err != nil {
		_ = s.Close()
		return nil, err
	}
	d.log.Debug("realtime session configured", "voice", d.cfg.Voice, "greet_first", d.cfg.GreetFirst)
	return s, nil
}

// Session is an open Realtime API websocket adapted to bridge.Stream.
type Session struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) handshake(ctx context.Context, cfg Config, instructions string) error {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetReadDeadline(deadline)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: waiting for session.created: %w", err)
		}
		ev, err := parseServerEvent(data)
		if err != nil {
			return err
		}
		if ev.Type == evError && ev.Error != nil {
			return fmt.Errorf("realtime: session rejected: %w", ev.Error)
		}
		if ev.Type == evSessionCreated {
			break
		}
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	update := sessionUpdate{
		Type: evSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  audioFormatG711ULaw,
			OutputAudioFormat: audioFormatG711ULaw,
			TurnDetection:     &turnDetection{Type: turnDetectionServerVAD},
			Temperature:       0.8,
		},
	}
	if err := s.writeJSON(update); err != nil {
		return fmt.Errorf("realtime: session.update: %w", err)
	}
	if cfg.GreetFirst {
		if err := s.writeJSON(responseCreate{Type: evResponseCreate}); err != nil {
			return fmt.Errorf("realtime: response.create: %w", err)
		}
	}
	return nil
}

func (s *Session) Recv() (bridge.Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return bridge.Event{Kind: bridge.KindSessionEnd}, nil
		}
		return bridge.Event{}, err
	}
	ev, err := parseServerEvent(data)
	if err != nil {
		return bridge.Event{}, err
	}
	return ev.toBridge()
}

// Send forwards caller audio. Other kinds have no client-side counterpart
// and are dropped.
func (s *Session) Send(ev bridge.Event) error {
	if ev.Kind != bridge.KindAudio {
		return nil
	}
	return s.writeJSON(audioAppend{Type: evInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(ev.Audio)})
}

var errClosed = errors.New("realtime: session closed")

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errClosed
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) Close() error {
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
