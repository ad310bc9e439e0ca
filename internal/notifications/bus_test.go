package notifications

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrcode/amaloop/internal/loop"
	"github.com/mrcode/amaloop/internal/models"
	"github.com/mrcode/amaloop/internal/mqtt"
)

func decisionEvent(rate float64, duration int, requested bool) loop.Event {
	return loop.Event{
		Type:      loop.EventDecision,
		Initiator: "test",
		Decision: &models.DosingDecision{
			ID:                 "d1",
			Rate:               rate,
			Duration:           duration,
			TempBasalRequested: requested,
			Reason:             "eventual BG 160 > 120",
		},
	}
}

func abortedEvent(kind, reason string) loop.Event {
	return loop.Event{Type: loop.EventAborted, Initiator: "test", Kind: kind, Reason: reason}
}

func TestBus_FanOutInOrder(t *testing.T) {
	bus := NewBus(nil)
	var order []string
	bus.Add("first", SinkFunc(func(loop.Event) error { order = append(order, "first"); return nil }))
	bus.Add("second", SinkFunc(func(loop.Event) error { order = append(order, "second"); return nil }))

	bus.Publish(decisionEvent(1, 30, true))

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestBus_SinkErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewBus(zap.New(core))

	delivered := false
	bus.Add("broken", SinkFunc(func(loop.Event) error { return errors.New("broker down") }))
	bus.Add("ok", SinkFunc(func(loop.Event) error { delivered = true; return nil }))

	bus.Publish(abortedEvent("validation", "bad profile"))

	assert.True(t, delivered, "later sinks still receive the event")
	entries := logs.FilterMessage("notification failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "broken", entries[0].ContextMap()["sink"])
	assert.Equal(t, "ABORTED", entries[0].ContextMap()["event"])
}

func TestBus_SinkPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	bus := NewBus(zap.New(core))

	delivered := false
	bus.Add("panicky", SinkFunc(func(loop.Event) error { panic("boom") }))
	bus.Add("ok", SinkFunc(func(loop.Event) error { delivered = true; return nil }))

	assert.NotPanics(t, func() { bus.Publish(decisionEvent(0, 30, true)) })
	assert.True(t, delivered)
	assert.Equal(t, 1, logs.FilterMessage("notification sink panicked").Len())
}

func TestBus_MQTTSink(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	bus := NewBus(nil)
	bus.Add("mqtt", SinkFunc(pub.Publish))

	bus.Publish(decisionEvent(1.2, 30, true))
	bus.Publish(abortedEvent("precondition", "no glucose data"))

	require.Len(t, pub.Events, 2)
	assert.Equal(t, loop.EventDecision, pub.Events[0].Type)
	assert.Contains(t, string(pub.Payloads[1]), "no glucose data")
}
