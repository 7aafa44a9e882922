package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"voice-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/client"
)

// StreamTokenVerifier checks the token presented by an attaching media stream.
type StreamTokenVerifier interface {
	VerifyStreamToken(token string, now time.Time) (callID int64, tokenID string, err error)
}

// SignatureValidator checks the X-Twilio-Signature of a webhook request.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

func NewTwilioSignatureValidator(authToken string) SignatureValidator {
	v := client.NewRequestValidator(authToken)
	return &v
}

const (
	handshakeTimeout   = 10 * time.Second
	maxHandshakeFrames = 4
	signatureHeader    = "X-Twilio-Signature"
)

// MediaStreamHandler accepts the websocket Twilio opens for <Connect><Stream>,
// authenticates it by the stream token in its start event and hands it to the
// dial waiting in the hub. The handler holds the request until the stream is
// closed.
type MediaStreamHandler struct {
	Hub      *StreamHub
	Tokens   StreamTokenVerifier
	Upgrader websocket.Upgrader
	Now      func() time.Time
}

func NewMediaStreamHandler(hub *StreamHub, tokens StreamTokenVerifier) MediaStreamHandler {
	return MediaStreamHandler{
		Hub:    hub,
		Tokens: tokens,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin; the stream token authenticates.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Now: time.Now,
	}
}

func (h MediaStreamHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Now == nil {
		h.Now = time.Now
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}

	reject := func(reason string, err error) {
		log.Warn("media stream rejected", "reason", reason, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	_ = conn.SetReadDeadline(h.Now().Add(handshakeTimeout))
	start, err := readStartFrame(conn)
	if err != nil {
		reject("no start event", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	callID, tokenID, err := h.Tokens.VerifyStreamToken(start.Start.CustomParameters[StreamParamToken], h.Now())
	if err != nil {
		reject("invalid stream token", err)
		return
	}

	stream, err := newMediaStream(conn, start)
	if err != nil {
		reject("bad start event", err)
		return
	}
	if err := h.Hub.Attach(callID, tokenID, stream); err != nil {
		reject("no pending dial", err)
		return
	}

	log.Info("media stream attached",
		"call_id", callID,
		"stream_sid", stream.StreamSid(),
		"provider_call_id", stream.CallSid(),
	)
	<-stream.Done()
}

// readStartFrame consumes frames up to and including the start event.
func readStartFrame(conn *websocket.Conn) (mediaFrame, error) {
	for i := 0; i < maxHandshakeFrames; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return mediaFrame{}, err
		}
		f, err := parseFrame(data)
		if err != nil {
			return mediaFrame{}, err
		}
		switch f.Event {
		case frameConnected:
			continue
		case frameStart:
			if f.Start == nil {
				return mediaFrame{}, errors.New("telephony: start frame without start payload")
			}
			return f, nil
		default:
			return mediaFrame{}, fmt.Errorf("telephony: unexpected %q frame before start", f.Event)
		}
	}
	return mediaFrame{}, errors.New("telephony: too many frames before start")
}

// StatusCallbackHandler receives Twilio call progress. A terminal status for
// a call whose media stream never attached fails the waiting dial at once
// instead of letting it run into its timeout.
type StatusCallbackHandler struct {
	Hub *StreamHub

	// Validator is nil only outside production.
	Validator SignatureValidator

	// PublicBaseURL is the origin Twilio was given; signatures cover it.
	PublicBaseURL string
}

func (h StatusCallbackHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.Validator != nil {
		url := h.PublicBaseURL + c.Request.URL.RequestURI()
		if !h.Validator.Validate(url, form.Params, c.GetHeader(signatureHeader)) {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	callID, err := callIDFromQuery(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Info("twilio call status",
		"call_id", callID,
		"provider_call_id", form.CallSid,
		"status", form.CallStatus,
		"sequence", form.SequenceNumber,
	)

	if form.Terminal() && h.Hub.Abort(callID, form.EndReason()) {
		log.Info("pending dial aborted", "call_id", callID, "status", form.CallStatus)
	}
	c.Status(http.StatusNoContent)
}
