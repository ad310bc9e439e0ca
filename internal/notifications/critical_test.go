package notifications

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	calls [][]interface{}
	id    uint32
	err   error
}

func (f *fakeCaller) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.calls = append(f.calls, append([]interface{}{method}, args...))
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	return &dbus.Call{Body: []interface{}{f.id}}
}

func TestCritical_NotifiesHaltingFailures(t *testing.T) {
	obj := &fakeCaller{id: 7}
	c := &Critical{obj: obj}

	require.NoError(t, c.Notify(abortedEvent("validation", "max basal out of range")))
	require.Len(t, obj.calls, 1)

	args := obj.calls[0]
	assert.Equal(t, notifyMethod, args[0])
	assert.Equal(t, uint32(0), args[2], "first alert does not replace")
	assert.Equal(t, "max basal out of range", args[5])
	hints := args[7].(map[string]dbus.Variant)
	assert.Equal(t, urgencyCritical, hints["urgency"].Value())
	assert.Equal(t, uint32(7), c.lastID)

	obj.id = 8
	require.NoError(t, c.Notify(abortedEvent("algorithm", "algorithm panicked")))
	assert.Equal(t, uint32(7), obj.calls[1][2], "second alert replaces the first")
	assert.Equal(t, uint32(8), c.lastID)
}

func TestCritical_IgnoresOtherEvents(t *testing.T) {
	obj := &fakeCaller{id: 1}
	c := &Critical{obj: obj}

	require.NoError(t, c.Notify(decisionEvent(1, 30, true)))
	require.NoError(t, c.Notify(abortedEvent("precondition", "no profile")))
	require.NoError(t, c.Notify(abortedEvent("sensitivity", "autosens unavailable")))

	assert.Empty(t, obj.calls)
}

func TestCritical_CallError(t *testing.T) {
	c := &Critical{obj: &fakeCaller{err: errors.New("no notification daemon")}}
	err := c.Notify(abortedEvent("validation", "bad"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no notification daemon")
}

func TestCritical_CloseWithoutConnection(t *testing.T) {
	assert.NoError(t, (&Critical{}).Close())
}
