package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Glucose unit constants as used by Nightscout profiles
const (
	UnitMgdl = "mg/dl"
	UnitMmol = "mmol"
)

// ScheduleEntry is one segment of a time-of-day schedule
type ScheduleEntry struct {
	Time          string  `json:"time"` // "HH:MM"
	TimeAsSeconds int     `json:"timeAsSeconds"`
	Value         float64 `json:"value"`
}

// Schedule is a time-of-day schedule (basal, ISF, IC, targets)
type Schedule []ScheduleEntry

// seconds returns the segment start, falling back to parsing Time when
// the uploader did not fill timeAsSeconds.
func (e ScheduleEntry) seconds() int {
	if e.TimeAsSeconds > 0 || e.Time == "" {
		return e.TimeAsSeconds
	}
	parts := strings.SplitN(e.Time, ":", 2)
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	m := 0
	if len(parts) == 2 {
		m, _ = strconv.Atoi(parts[1])
	}
	return h*3600 + m*60
}

// At returns the value of the segment active at the given seconds from midnight
func (s Schedule) At(secondsFromMidnight int) float64 {
	if len(s) == 0 {
		return 0
	}
	sorted := make(Schedule, len(s))
	copy(sorted, s)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].seconds() < sorted[j].seconds()
	})

	value := sorted[0].Value
	for _, e := range sorted {
		if e.seconds() > secondsFromMidnight {
			break
		}
		value = e.Value
	}
	return value
}

// Max returns the largest value in the schedule
func (s Schedule) Max() float64 {
	var maxVal float64
	for _, e := range s {
		if e.Value > maxVal {
			maxVal = e.Value
		}
	}
	return maxVal
}

// Profile is a single Nightscout treatment profile
type Profile struct {
	Name       string   `json:"-"`
	DIA        float64  `json:"dia"` // hours
	CarbRatio  Schedule `json:"carbratio"`
	Sens       Schedule `json:"sens"`
	Basal      Schedule `json:"basal"`
	TargetLow  Schedule `json:"target_low"`
	TargetHigh Schedule `json:"target_high"`
	Target     Schedule `json:"target,omitempty"` // optional explicit target; midpoint of the band otherwise
	Units      string   `json:"units"`
	Timezone   string   `json:"timezone"`
}

// MinDIA is the shortest insulin action time in hours the exponential
// insulin curve supports. Shorter profile values are raised to it.
const MinDIA = 5.0

// EffectiveDIA returns the insulin action time in hours used by every model
func (p *Profile) EffectiveDIA() float64 {
	if p.DIA < MinDIA {
		return MinDIA
	}
	return p.DIA
}

// ProfileStore is the profile document returned by Nightscout
type ProfileStore struct {
	DefaultProfile string             `json:"defaultProfile"`
	Store          map[string]Profile `json:"store"`
}

// Active returns the default profile of the store, or nil
func (ps *ProfileStore) Active() *Profile {
	if ps == nil || len(ps.Store) == 0 {
		return nil
	}
	p, ok := ps.Store[ps.DefaultProfile]
	if !ok {
		return nil
	}
	p.Name = ps.DefaultProfile
	return &p
}

// SecondsFromMidnight returns the seconds elapsed since local midnight in
// the profile's timezone.
func (p *Profile) SecondsFromMidnight(at time.Time) int {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			at = at.In(loc)
		}
	}
	return at.Hour()*3600 + at.Minute()*60 + at.Second()
}

func (p *Profile) isMmol() bool {
	return strings.EqualFold(p.Units, UnitMmol) || strings.EqualFold(p.Units, "mmol/l")
}

func (p *Profile) toMgdl(v float64) float64 {
	if p.isMmol() {
		return ToMgdl(v)
	}
	return v
}

// TargetLowMgdl returns the low end of the target band in mg/dL
func (p *Profile) TargetLowMgdl(at time.Time) float64 {
	return p.toMgdl(p.TargetLow.At(p.SecondsFromMidnight(at)))
}

// TargetHighMgdl returns the high end of the target band in mg/dL
func (p *Profile) TargetHighMgdl(at time.Time) float64 {
	return p.toMgdl(p.TargetHigh.At(p.SecondsFromMidnight(at)))
}

// TargetMgdl returns the target in mg/dL: the explicit target when the
// profile has one, the middle of the band otherwise
func (p *Profile) TargetMgdl(at time.Time) float64 {
	if len(p.Target) > 0 {
		return p.toMgdl(p.Target.At(p.SecondsFromMidnight(at)))
	}
	return (p.TargetLowMgdl(at) + p.TargetHighMgdl(at)) / 2
}

// IsfMgdl returns the insulin sensitivity factor in mg/dL per unit
func (p *Profile) IsfMgdl(at time.Time) float64 {
	return p.toMgdl(p.Sens.At(p.SecondsFromMidnight(at)))
}

// IcAt returns the insulin-to-carb ratio for the given seconds from midnight
func (p *Profile) IcAt(secondsFromMidnight int) float64 {
	return p.CarbRatio.At(secondsFromMidnight)
}

// BasalAt returns the scheduled basal rate in U/h
func (p *Profile) BasalAt(at time.Time) float64 {
	return p.Basal.At(p.SecondsFromMidnight(at))
}

// MaxDailyBasal returns the highest scheduled basal rate of the day
func (p *Profile) MaxDailyBasal() float64 {
	return p.Basal.Max()
}
