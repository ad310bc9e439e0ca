// Package mqtt publishes loop events to an MQTT broker, with a fake
// publisher for tests.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/mrcode/amaloop/internal/loop"
)

// Default topics
const (
	TopicDecision = "amaloop/decision"
	TopicAborted  = "amaloop/aborted"
)

// Publisher publishes loop events to MQTT.
type Publisher interface {
	// Publish sends an event to the broker. Errors are reported, never fatal.
	Publish(event loop.Event) error

	// Close disconnects from the broker.
	Close() error
}

// Payload is the MQTT message body
type Payload struct {
	Loop LoopPayload `json:"loop"`
}

// LoopPayload contains the event details
type LoopPayload struct {
	Timestamp  string          `json:"timestamp"`
	Event      string          `json:"event"`
	Initiator  string          `json:"initiator"`
	Kind       string          `json:"kind,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ID         string          `json:"id,omitempty"`
	Rate       *float64        `json:"rate,omitempty"`
	Duration   *int            `json:"duration,omitempty"`
	EventualBG float64         `json:"eventualBG,omitempty"`
	IOB        float64         `json:"iob,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// TopicFor returns the topic of an event below prefix
func TopicFor(prefix string, event loop.Event) string {
	if prefix == "" {
		prefix = "amaloop"
	}
	if event.Failed() {
		return prefix + "/aborted"
	}
	return prefix + "/decision"
}

// FormatPayload creates the JSON payload for an event.
func FormatPayload(event loop.Event) ([]byte, error) {
	p := LoopPayload{
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Event:     string(event.Type),
		Initiator: event.Initiator,
		Kind:      event.Kind,
		Reason:    event.Reason,
	}
	if d := event.Decision; d != nil {
		rate, duration := d.Rate, d.Duration
		p.ID = d.ID
		p.Rate = &rate
		p.Duration = &duration
		p.EventualBG = d.EventualBG
		p.Reason = d.Reason
		if d.IOB != nil {
			p.IOB = d.IOB.IOB
		}
		p.Raw = d.Raw
	}
	return json.Marshal(Payload{Loop: p})
}
