// Package constraints applies the user's safety settings on top of the hard
// limits: the largest basal rate and insulin on board the loop may request.
package constraints

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/hardlimits"
	"github.com/mrcode/amaloop/internal/models"
)

// Settings are the configurable safety values
type Settings struct {
	AgeGroup                     hardlimits.AgeGroup
	MaxBasal                     float64 // U/h
	MaxIob                       float64 // U
	MaxDailySafetyMultiplier     float64
	CurrentBasalSafetyMultiplier float64
	AutosensEnabled              bool
}

// DefaultSettings mirrors the conservative defaults of OpenAPS
func DefaultSettings() Settings {
	return Settings{
		AgeGroup:                     hardlimits.Adult,
		MaxBasal:                     1,
		MaxIob:                       1.5,
		MaxDailySafetyMultiplier:     3,
		CurrentBasalSafetyMultiplier: 4,
		AutosensEnabled:              true,
	}
}

// Policy implements the loop's constraint port
type Policy struct {
	settings Settings
	log      *zap.Logger
	now      func() time.Time
}

// New creates a policy; a nil logger disables logging
func New(settings Settings, log *zap.Logger) *Policy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{settings: settings, log: log, now: time.Now}
}

// MaxBasalAllowed returns the smallest of the configured max basal, the age
// limit and the safety multiples of the profile's daily max and current
// scheduled basal.
func (p *Policy) MaxBasalAllowed(profile *models.Profile) float64 {
	limit := math.Min(p.settings.MaxBasal, hardlimits.MaxBasal(p.settings.AgeGroup))
	reason := "configured max basal"
	if hardlimits.MaxBasal(p.settings.AgeGroup) < p.settings.MaxBasal {
		reason = "age group limit"
	}

	if profile != nil {
		if m := p.settings.MaxDailySafetyMultiplier; m > 0 {
			if v := m * profile.MaxDailyBasal(); v < limit {
				limit, reason = v, "max daily basal multiplier"
			}
		}
		if m := p.settings.CurrentBasalSafetyMultiplier; m > 0 {
			if v := m * profile.BasalAt(p.now()); v < limit {
				limit, reason = v, "current basal multiplier"
			}
		}
	}

	limit = math.Max(0, limit)
	p.log.Debug("max basal allowed", zap.Float64("limit", limit), zap.String("by", reason))
	return limit
}

// MaxIobAllowed returns the configured max IOB capped by the age limit
func (p *Policy) MaxIobAllowed() float64 {
	return math.Max(0, math.Min(p.settings.MaxIob, hardlimits.MaxIobAMA(p.settings.AgeGroup)))
}

// IsAutosensEnabled reports whether sensitivity detection feeds the loop
func (p *Policy) IsAutosensEnabled() bool {
	return p.settings.AutosensEnabled
}
