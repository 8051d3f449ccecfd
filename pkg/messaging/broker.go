package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Broker is a fire-and-forget pub/sub transport. Messages published while no
// subscriber is listening are lost.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Handler processes one raw message from a channel.
type Handler func(ctx context.Context, payload []byte) error

var ErrUntypedEvent = errors.New("event without type")

// Event is the {"type", "payload"} envelope other CRM services publish for
// business events. Payload is kept raw and forwarded as is.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEvent parses an Event and rejects one without a type.
func DecodeEvent(raw []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, ErrUntypedEvent
	}
	return evt, nil
}
