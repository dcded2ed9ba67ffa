// Package changefeed fans confirmed store writes out to interested sessions
// over Redis pub/sub or Kafka.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dmsync/models"
)

const eventTypeMessage = "message"

// ErrMalformedEvent marks a feed payload that is not a message event.
var ErrMalformedEvent = errors.New("changefeed: malformed event")

// Publisher announces a confirmed message to both participants.
type Publisher interface {
	Publish(ctx context.Context, message models.Message) error
	Close() error
}

type event struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// Encode serializes one change event.
func Encode(message models.Message) ([]byte, error) {
	payload, err := json.Marshal(event{Type: eventTypeMessage, Message: message})
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	return payload, nil
}

// Decode parses one change event.
func Decode(payload []byte) (models.Message, error) {
	var decoded event
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if decoded.Type != eventTypeMessage {
		return models.Message{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedEvent, decoded.Type)
	}
	return decoded.Message, nil
}

func participants(message models.Message) []string {
	if message.SenderID == message.ReceiverID {
		return []string{message.SenderID}
	}
	return []string{message.SenderID, message.ReceiverID}
}

// Nop discards every event. It stands in when no feed is configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.Message) error { return nil }

func (Nop) Close() error { return nil }
