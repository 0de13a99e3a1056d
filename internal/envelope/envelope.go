// Package envelope defines the wire shape of every realtime event carried by
// the lottery stream and the messaging socket, and the commands sent back.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Stream event names delivered by the lottery feed.
const (
	StreamLottery   = "lottery"
	StreamHeartbeat = "heartbeat"
)

// StreamEvent is one decoded lottery stream payload. Data is kept opaque.
type StreamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ts    Time            `json:"ts"`
	// ID is the transport event id, when the server sent one.
	ID string `json:"-"`
}

// Frame is one messaging socket frame before its payload is interpreted.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeStream decodes a lottery stream payload.
func DecodeStream(raw []byte) (StreamEvent, error) {
	var evt StreamEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return StreamEvent{}, malformed(raw, "invalid json", err)
	}
	if evt.Event == "" {
		return StreamEvent{}, malformed(raw, "missing event", nil)
	}
	if len(evt.Data) == 0 {
		evt.Data = json.RawMessage("null")
	}
	return evt, nil
}

// DecodeFrame decodes a messaging socket frame. The discriminator is read from
// "event", falling back to "type". A data field holding a JSON-encoded string
// is unwrapped so Data is always the payload document itself.
func DecodeFrame(raw []byte) (Frame, error) {
	var wire struct {
		Event   string          `json:"event"`
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Frame{}, malformed(raw, "invalid json", err)
	}
	name := wire.Event
	if name == "" {
		name = wire.Type
	}
	if name == "" {
		return Frame{}, malformed(raw, "missing event", nil)
	}
	data, err := unwrapData(wire.Data)
	if err != nil {
		return Frame{}, malformed(raw, "invalid data", err)
	}
	return Frame{
		Event:   strings.TrimPrefix(name, "."),
		Channel: wire.Channel,
		Data:    data,
	}, nil
}

// EncodeFrame builds an outbound socket frame.
func EncodeFrame(event, channel string, data any) ([]byte, error) {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", event, err)
		}
		payload = b
	}
	return json.Marshal(Frame{Event: event, Channel: channel, Data: payload})
}

func unwrapData(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, err
	}
	if inner == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(inner)) {
		return nil, fmt.Errorf("data string is not json")
	}
	return json.RawMessage(inner), nil
}
