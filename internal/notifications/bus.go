// Package notifications delivers loop events to observers: MQTT, desktop
// notifications, a critical D-Bus alert and the status badge.
package notifications

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/loop"
)

// Sink receives loop events
type Sink interface {
	Notify(event loop.Event) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(event loop.Event) error

// Notify calls f
func (f SinkFunc) Notify(event loop.Event) error { return f(event) }

type namedSink struct {
	name string
	sink Sink
}

// Bus fans events out to its sinks in registration order. Sink failures
// are logged and never reach the publisher.
type Bus struct {
	log   *zap.Logger
	mu    sync.RWMutex
	sinks []namedSink
}

// NewBus creates an empty bus; a nil logger disables logging
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Add registers a sink
func (b *Bus) Add(name string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: sink})
}

// Publish implements loop.NotificationBus
func (b *Bus) Publish(event loop.Event) {
	b.mu.RLock()
	sinks := append([]namedSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := b.notify(s, event); err != nil {
			b.log.Warn("notification failed",
				zap.String("sink", s.name),
				zap.String("event", string(event.Type)),
				zap.Error(err))
		}
	}
}

func (b *Bus) notify(s namedSink, event loop.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("notification sink panicked", zap.String("sink", s.name), zap.Any("panic", r))
		}
	}()
	return s.sink.Notify(event)
}
