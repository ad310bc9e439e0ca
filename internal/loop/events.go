package loop

import (
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// EventType identifies what a published event carries
type EventType string

const (
	// EventDecision carries a freshly stored decision
	EventDecision EventType = "DECISION"
	// EventAborted carries the reason a cycle produced no decision
	EventAborted EventType = "ABORTED"
)

// Event is the outcome of one cycle as seen by observers
type Event struct {
	Type      EventType              `json:"type"`
	Initiator string                 `json:"initiator"`
	Kind      string                 `json:"kind,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Decision  *models.DosingDecision `json:"decision,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Failed reports whether the event describes an aborted cycle
func (e Event) Failed() bool {
	return e.Type == EventAborted
}
