package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media-stream payload variants sent by the signaling
// layer over the per-call websocket.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
)

// ErrUnsupportedEvent marks events outside the closed set above. The
// transport ignores them rather than failing the connection.
var ErrUnsupportedEvent = errors.New("unsupported stream event")

type Envelope struct {
	Event EventType `json:"event"`
}

// Connected is the handshake frame sent once per websocket.
type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

// Start announces stream metadata, including the call identifier the rest of
// the pipeline is keyed by.
type Start struct {
	Event EventType `json:"event"`
	Start struct {
		StreamSID string   `json:"streamSid"`
		CallSID   string   `json:"callSid"`
		Tracks    []string `json:"tracks"`
	} `json:"start"`
}

// Media carries one base64-encoded audio frame.
type Media struct {
	Event EventType `json:"event"`
	Media struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

// Stop signals the end of the audio stream for the call.
type Stop struct {
	Event EventType `json:"event"`
	Stop  struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// Mark acknowledges completed playback of a previously dispatched clip.
type Mark struct {
	Event EventType `json:"event"`
	Mark  struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// ParseStreamMessage decodes one inbound websocket frame into its concrete
// event type. Unknown event discriminators yield ErrUnsupportedEvent.
func ParseStreamMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("media event missing payload")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}
