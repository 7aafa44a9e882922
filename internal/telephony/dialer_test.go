package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-scheduler/internal/bridge"
	"voice-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct{}

func (fakeTokens) IssueStreamToken(now time.Time, callID int64) (string, string, error) {
	return fmt.Sprintf("tok-%d", callID), fmt.Sprintf("jti-%d", callID), nil
}

func (fakeTokens) VerifyStreamToken(token string, now time.Time) (int64, string, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "tok-%d", &id); err != nil {
		return 0, "", errors.New("bad token")
	}
	return id, fmt.Sprintf("jti-%d", id), nil
}

// fakeTwilio plays the provider: on PlaceCall it answers by running onAnswer
// with the TwiML it was given.
type fakeTwilio struct {
	onAnswer func(req PlaceCallRequest)
	placeErr error

	mu      sync.Mutex
	placed  []PlaceCallRequest
	hungUp  []string
	answers sync.WaitGroup
}

func (f *fakeTwilio) Name() string                          { return "fake" }
func (f *fakeTwilio) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeTwilio) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if f.placeErr != nil {
		return PlaceCallResult{}, f.placeErr
	}
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	if f.onAnswer != nil {
		f.answers.Add(1)
		go func() {
			defer f.answers.Done()
			f.onAnswer(req)
		}()
	}
	return PlaceCallResult{ProviderCallID: "CA42", Status: "queued"}, nil
}

func (f *fakeTwilio) Hangup(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, providerCallID)
	return nil
}

func (f *fakeTwilio) hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hungUp...)
}

var streamParamRe = regexp.MustCompile(`<Parameter name="([^"]+)" value="([^"]*)">`)

func twimlParams(twiml string) map[string]string {
	out := map[string]string{}
	for _, m := range streamParamRe.FindAllStringSubmatch(twiml, -1) {
		out[m[1]] = m[2]
	}
	return out
}

type harness struct {
	srv    *httptest.Server
	hub    *StreamHub
	wsURL  string
	dialer *Dialer
	tw     *fakeTwilio
}

func newHarness(t *testing.T, tw *fakeTwilio) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewStreamHub()
	r := gin.New()
	r.GET("/media-stream", NewMediaStreamHandler(hub, fakeTokens{}).Handle)
	r.POST("/webhooks/twilio/status", StatusCallbackHandler{Hub: hub}.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	d := NewDialer(tw, hub, fakeTokens{}, DialerConfig{
		MediaStreamURL:    wsURL,
		StatusCallbackURL: srv.URL + "/webhooks/twilio/status",
		Greeting:          "Hello",
		RingTimeout:       time.Second,
	}, logger.Discard())
	return &harness{srv: srv, hub: hub, wsURL: wsURL, dialer: d, tw: tw}
}

// twilioSide dials the media stream the way Twilio does after answer.
func twilioSide(t *testing.T, wsURL string, params map[string]string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA42",
			"accountSid":       "AC1",
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}))
	return conn
}

func TestDialer_AttachesAnsweredCall(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	tw := &fakeTwilio{}
	h := newHarness(t, tw)
	tw.onAnswer = func(req PlaceCallRequest) {
		connCh <- twilioSide(t, h.wsURL, twimlParams(req.TwiML))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stream, err := h.dialer.Dial(ctx, bridge.CallContext{CallID: 42, PhoneNumber: "+15551112222", Persona: "Alice"})
	require.NoError(t, err)
	defer stream.Close()
	twilio := <-connCh
	defer twilio.Close()

	placed := tw.placed[0]
	assert.Equal(t, "+15551112222", placed.To)
	assert.Contains(t, placed.TwiML, "<Say>Hello</Say>")
	u, err := url.Parse(placed.StatusCallbackURL)
	require.NoError(t, err)
	assert.Equal(t, "42", u.Query().Get("call_id"))

	// The start event is replayed to the bridge without the token.
	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, bridge.KindSessionStart, ev.Kind)
	assert.Equal(t, "MZ1", ev.Metadata[bridge.MetaStreamID])
	assert.Equal(t, "CA42", ev.Metadata[bridge.MetaProviderCallID])
	assert.Equal(t, "Alice", ev.Metadata[bridge.MetaPersona])
	assert.NotContains(t, ev.Metadata, StreamParamToken)

	// Inbound audio.
	require.NoError(t, twilio.WriteJSON(map[string]any{
		"event": "media", "streamSid": "MZ1",
		"media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f})},
	}))
	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, bridge.Event{Kind: bridge.KindAudio, Audio: []byte{0xff, 0x7f}}, ev)

	// Outbound audio and interrupt.
	require.NoError(t, stream.Send(bridge.Event{Kind: bridge.KindAudio, Audio: []byte("hi")}))
	require.NoError(t, stream.Send(bridge.Event{Kind: bridge.KindInterrupt}))
	var out mediaFrame
	require.NoError(t, twilio.ReadJSON(&out))
	assert.Equal(t, "media", out.Event)
	assert.Equal(t, "MZ1", out.StreamSid)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), out.Media.Payload)
	require.NoError(t, twilio.ReadJSON(&out))
	assert.Equal(t, "clear", out.Event)

	// Stop ends the session.
	require.NoError(t, twilio.WriteJSON(map[string]any{"event": "stop", "streamSid": "MZ1"}))
	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, bridge.KindSessionEnd, ev.Kind)
	assert.Empty(t, tw.hangups())
}

func TestDialer_StatusCallbackAbortsPendingDial(t *testing.T) {
	tw := &fakeTwilio{}
	h := newHarness(t, tw)
	tw.onAnswer = func(req PlaceCallRequest) {
		form := url.Values{"CallSid": {"CA42"}, "CallStatus": {"busy"}}
		resp, err := http.PostForm(req.StatusCallbackURL, form)
		if err == nil {
			resp.Body.Close()
		}
	}

	_, err := h.dialer.Dial(context.Background(), bridge.CallContext{CallID: 7, PhoneNumber: "+1555"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallEnded)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, []string{"CA42"}, tw.hangups())
	assert.Zero(t, h.hub.Pending())
}

func TestDialer_TimeoutHangsUp(t *testing.T) {
	tw := &fakeTwilio{}
	h := newHarness(t, tw)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.dialer.Dial(ctx, bridge.CallContext{CallID: 8, PhoneNumber: "+1555"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"CA42"}, tw.hangups())
	assert.Zero(t, h.hub.Pending())
}

func TestDialer_PlaceCallFailure(t *testing.T) {
	tw := &fakeTwilio{placeErr: fmt.Errorf("%w: 21211 invalid number", ErrRejected)}
	h := newHarness(t, tw)

	_, err := h.dialer.Dial(context.Background(), bridge.CallContext{CallID: 9, PhoneNumber: "+1"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, tw.hangups())
	assert.Zero(t, h.hub.Pending())
}

func TestMediaStreamHandler_RejectsUnknownToken(t *testing.T) {
	h := newHarness(t, &fakeTwilio{})

	conn := twilioSide(t, h.wsURL, map[string]string{StreamParamToken: "forged"})
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestMediaStreamHandler_RejectsStreamWithoutPendingDial(t *testing.T) {
	h := newHarness(t, &fakeTwilio{})

	conn := twilioSide(t, h.wsURL, map[string]string{StreamParamToken: "tok-5"})
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

type rejectAll struct{}

func (rejectAll) Validate(string, map[string]string, string) bool { return false }

func TestStatusCallbackHandler_Signature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", StatusCallbackHandler{Hub: NewStreamHub(), Validator: rejectAll{}, PublicBaseURL: "https://example.com"}.Handle)

	body := strings.NewReader("CallSid=CA1&CallStatus=completed")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status?call_id=1", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestParseFrame(t *testing.T) {
	_, err := parseFrame([]byte(`{"streamSid":"MZ1"}`))
	assert.Error(t, err)

	for _, raw := range []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"dtmf","dtmf":{"digit":"5"}}`,
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"greeting-done"}}`,
		`{"event":"transcript"}`,
	} {
		f, err := parseFrame([]byte(raw))
		require.NoError(t, err, raw)
		ev, err := f.toEvent()
		require.NoError(t, err, raw)
		assert.Equal(t, bridge.KindHeartbeat, ev.Kind, raw)
	}
	f, err := parseFrame([]byte(`{"event":"mark","mark":{"name":"greeting-done"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Mark)
	assert.Equal(t, "greeting-done", f.Mark.Name)

	f, err = parseFrame([]byte(`{"event":"media","media":{"payload":"!!"}}`))
	require.NoError(t, err)
	_, err = f.toEvent()
	assert.Error(t, err)

	raw, err := json.Marshal(mediaFrame{Event: frameClear, StreamSid: "MZ1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ1"}`, string(raw))
}
