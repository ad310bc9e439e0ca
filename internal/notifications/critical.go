package notifications

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/mrcode/amaloop/internal/loop"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = notifyDest + ".Notify"

	urgencyCritical = byte(2)
)

// caller is the part of a D-Bus object the notifier uses
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Critical raises a critical-urgency freedesktop notification when the
// loop halts on a validation or algorithm failure. Critical notifications
// stay on screen until dismissed.
type Critical struct {
	mu     sync.Mutex
	obj    caller
	conn   *dbus.Conn
	lastID uint32
}

// NewCritical connects to the session bus
func NewCritical() (*Critical, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Critical{conn: conn, obj: conn.Object(notifyDest, notifyPath)}, nil
}

// Notify implements Sink
func (c *Critical) Notify(event loop.Event) error {
	if !event.Failed() {
		return nil
	}
	if event.Kind != loop.KindValidation.String() && event.Kind != loop.KindAlgorithm.String() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgencyCritical)}
	// replacing the previous notification keeps a single alert on screen
	call := c.obj.Call(notifyMethod, 0,
		"amaloop", c.lastID, "dialog-warning",
		"Loop halted", event.Reason,
		[]string{}, hints, int32(0))
	if call.Err != nil {
		return fmt.Errorf("dbus notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err == nil {
		c.lastID = id
	}
	return nil
}

// Close releases the bus connection
func (c *Critical) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
