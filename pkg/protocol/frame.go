package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingEvent   = errors.New("frame has no event")
)

// Frame is an inbound client message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode validates and splits a raw client frame. When "data" is absent the
// whole object is treated as the data, which keeps older clients that send
// {"event":"direct_message","recipientId":...} working.
func Decode(raw []byte) (Frame, error) {
	if !gjson.ValidBytes(raw) {
		return Frame{}, ErrMalformedFrame
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}

	event := root.Get("event")
	if !event.Exists() || event.Type != gjson.String || event.Str == "" {
		return Frame{}, ErrMissingEvent
	}

	frame := Frame{Event: event.Str}
	data := root.Get("data")
	switch {
	case !data.Exists() || data.Type == gjson.Null:
		frame.Data = json.RawMessage(root.Raw)
	case data.IsObject():
		frame.Data = json.RawMessage(data.Raw)
	default:
		return Frame{}, fmt.Errorf("%w: data must be an object", ErrMalformedFrame)
	}
	return frame, nil
}

// Bind unmarshals the frame data into v.
func (f Frame) Bind(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return nil
}

// Envelope is the generic server → client frame.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Sender identifies who a routed message came from.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Routed is the frame shape used for messages relayed between identities.
type Routed struct {
	Event     string          `json:"event"`
	Sender    Sender          `json:"sender"`
	Message   json.RawMessage `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode marshals a server event with its data.
func Encode(event string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	return b, nil
}

// EncodeRouted marshals a relayed message.
func EncodeRouted(event string, sender Sender, message json.RawMessage, at time.Time) ([]byte, error) {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}
	b, err := json.Marshal(Routed{Event: event, Sender: sender, Message: message, Timestamp: at})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal routed %s: %w", event, err)
	}
	return b, nil
}
