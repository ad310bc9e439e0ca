package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mrcode/amaloop/internal/loop"
)

// DesktopSettings control which events become desktop notifications
type DesktopSettings struct {
	NotifyDecisions bool
	NotifyFailures  bool
	// RepeatMinutes suppresses the same message within the interval;
	// zero notifies once per change of message.
	RepeatMinutes int
}

// Desktop shows loop events as system notifications
type Desktop struct {
	settings DesktopSettings
	lastSent map[string]time.Time
	last     string
	mu       sync.Mutex

	notify func(title, message, icon string) error
	now    func() time.Time
}

// NewDesktop creates a desktop notifier using beeep
func NewDesktop(settings DesktopSettings) *Desktop {
	return &Desktop{
		settings: settings,
		lastSent: make(map[string]time.Time),
		notify:   func(title, message, icon string) error { return beeep.Notify(title, message, icon) },
		now:      time.Now,
	}
}

// Notify implements Sink
func (d *Desktop) Notify(event loop.Event) error {
	title, message, ok := d.format(event)
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := title + "\x00" + message
	if lastTime, seen := d.lastSent[key]; seen {
		if d.settings.RepeatMinutes > 0 {
			if d.now().Sub(lastTime) < time.Duration(d.settings.RepeatMinutes)*time.Minute {
				return nil
			}
		} else if d.last == key {
			return nil
		}
	}

	if err := d.notify(title, message, ""); err != nil {
		return err
	}
	d.lastSent[key] = d.now()
	d.last = key
	return nil
}

// format creates the notification title and message
func (d *Desktop) format(event loop.Event) (title, message string, ok bool) {
	switch {
	case event.Failed():
		if !d.settings.NotifyFailures {
			return "", "", false
		}
		return "⚠️ Loop halted", event.Reason, true
	case event.Decision != nil:
		if !d.settings.NotifyDecisions {
			return "", "", false
		}
		dec := event.Decision
		if !dec.TempBasalRequested {
			return "Loop", fmt.Sprintf("No change: %s", dec.Reason), true
		}
		if dec.Rate == 0 && dec.Duration == 0 {
			return "Loop", fmt.Sprintf("Cancel temp basal: %s", dec.Reason), true
		}
		return "Loop", fmt.Sprintf("Temp basal %.2f U/h for %d min: %s", dec.Rate, dec.Duration, dec.Reason), true
	}
	return "", "", false
}

// ClearState forgets which messages were sent
func (d *Desktop) ClearState() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSent = make(map[string]time.Time)
	d.last = ""
}

// SendTestNotification sends a test notification
func (d *Desktop) SendTestNotification() error {
	return d.notify("amaloop", "Test notification - loop notifications are working!", "")
}
