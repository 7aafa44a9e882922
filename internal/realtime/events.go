package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"voice-scheduler/internal/bridge"
)

// Realtime API event types used by the bridge.
// Ref: https://platform.openai.com/docs/api-reference/realtime
const (
	evSessionCreated   = "session.created"
	evSessionUpdated   = "session.updated"
	evSessionUpdate    = "session.update"
	evAudioDelta       = "response.audio.delta"
	evSpeechStarted    = "input_audio_buffer.speech_started"
	evInputAudioAppend = "input_audio_buffer.append"
	evResponseCreate   = "response.create"
	evError            = "error"
)

const (
	audioFormatG711ULaw    = "g711_ulaw"
	turnDetectionServerVAD = "server_vad"
)

type serverEvent struct {
	Type    string    `json:"type"`
	EventID string    `json:"event_id,omitempty"`
	Delta   string    `json:"delta,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCreate struct {
	Type string `json:"type"`
}

func parseServerEvent(data []byte) (serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return serverEvent{}, fmt.Errorf("realtime: malformed server event: %w", err)
	}
	if ev.Type == "" {
		return serverEvent{}, errors.New("realtime: server event without type")
	}
	return ev, nil
}

// toBridge maps a server event to a bridge event.
func (e serverEvent) toBridge() (bridge.Event, error) {
	switch e.Type {
	case evAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			return bridge.Event{}, fmt.Errorf("realtime: audio delta: %w", err)
		}
		return bridge.Event{Kind: bridge.KindAudio, Audio: audio}, nil
	case evSpeechStarted:
		return bridge.Event{Kind: bridge.KindInterrupt}, nil
	case evError:
		if e.Error == nil {
			return bridge.Event{Kind: bridge.KindError, Err: errors.New("realtime: error event without detail")}, nil
		}
		return bridge.Event{Kind: bridge.KindError, Err: e.Error}, nil
	case evSessionCreated, evSessionUpdated:
		return bridge.Event{Kind: bridge.KindSessionStart}, nil
	default:
		return bridge.Event{Kind: bridge.KindHeartbeat}, nil
	}
}
