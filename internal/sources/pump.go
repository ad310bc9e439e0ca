package sources

import (
	"time"

	"github.com/mrcode/amaloop/internal/loop"
)

// VirtualPump stands in for a pump driver: it reports the profile's
// scheduled basal and a configured temp basal capability. It never
// delivers insulin.
type VirtualPump struct {
	profiles  loop.ProfileProvider
	connected bool
	capable   bool
	now       func() time.Time
}

// NewVirtualPump creates a pump. A disconnected pump is reported as absent.
func NewVirtualPump(profiles loop.ProfileProvider, connected, tempBasalCapable bool) *VirtualPump {
	return &VirtualPump{
		profiles:  profiles,
		connected: connected,
		capable:   tempBasalCapable,
		now:       time.Now,
	}
}

// ActivePump implements loop.PumpProvider
func (p *VirtualPump) ActivePump() loop.Pump {
	if !p.connected {
		return nil
	}
	return p
}

// BaseBasalRate returns the scheduled basal now, 0 without a profile
func (p *VirtualPump) BaseBasalRate() float64 {
	profile := p.profiles.ActiveProfile()
	if profile == nil {
		return 0
	}
	return profile.BasalAt(p.now())
}

// TempBasalCapable reports whether the pump accepts temp basals
func (p *VirtualPump) TempBasalCapable() bool {
	return p.capable
}
