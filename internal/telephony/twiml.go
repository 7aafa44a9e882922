package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs needed to bridge an answered call into a media stream.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// StreamTwiML describes the answer instructions for a bridged call: an
// optional greeting, then a bidirectional media stream to StreamURL. The
// parameters are delivered to the stream in its start event.
type StreamTwiML struct {
	Greeting   string
	StreamURL  string
	Parameters map[string]string
}

// RenderStreamTwiML renders s as a compact TwiML document suitable for
// inline use in a call request.
func RenderStreamTwiML(s StreamTwiML) (string, error) {
	u := strings.TrimSpace(s.StreamURL)
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return "", errors.New("telephony: stream url must be a websocket url")
	}

	var r twimlResponse
	if g := strings.TrimSpace(s.Greeting); g != "" {
		r.Verbs = append(r.Verbs, twimlSay{Text: g})
	}

	names := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		names = append(names, k)
	}
	sort.Strings(names)
	stream := twimlStream{URL: u}
	for _, k := range names {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: k, Value: s.Parameters[k]})
	}
	// A closed stream falls through to the next verb.
	r.Verbs = append(r.Verbs, twimlConnect{Stream: stream}, twimlHangup{})

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
