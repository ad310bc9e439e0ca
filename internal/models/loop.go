package models

import (
	"encoding/json"
	"time"
)

// IobTotal is one time slice of the insulin-on-board projection
type IobTotal struct {
	Time     time.Time `json:"time"`
	IOB      float64   `json:"iob"`      // Units remaining
	Activity float64   `json:"activity"` // Units absorbed per minute
	BolusIOB float64   `json:"bolusiob"`
	BasalIOB float64   `json:"basaliob"`
}

// MealData aggregates recent carbohydrate entries and absorption state
type MealData struct {
	Carbs        float64   `json:"carbs"`   // Grams entered in the lookback window
	Boluses      float64   `json:"boluses"` // Units bolused in the lookback window
	MealCOB      float64   `json:"mealCOB"` // Grams not yet absorbed
	LastCarbTime time.Time `json:"lastCarbTime"`
}

// AutosensDisabled is the provenance of the neutral ratio
const AutosensDisabled = "autosens disabled"

// AutosensResult is a multiplicative sensitivity adjustment (nominal 1.0)
type AutosensResult struct {
	Ratio      float64 `json:"ratio"`
	SensResult string  `json:"sensResult"`
}

// NeutralAutosens returns the ratio used when autosens is switched off
func NeutralAutosens() AutosensResult {
	return AutosensResult{Ratio: 1.0, SensResult: AutosensDisabled}
}

// AutosensData is the most recent sensitivity detection
type AutosensData struct {
	Time   time.Time      `json:"time"`
	Result AutosensResult `json:"result"`
}

// TempTarget is a time-bounded override of the target band (mg/dL)
type TempTarget struct {
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
	Low      float64       `json:"low"`
	High     float64       `json:"high"`
	Reason   string        `json:"reason"`
}

// Target returns the middle of the temp target band
func (t *TempTarget) Target() float64 {
	return (t.Low + t.High) / 2
}

// ActiveAt reports whether at falls inside [Start, Start+Duration)
func (t *TempTarget) ActiveAt(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.Start.Add(t.Duration))
}

// DosingDecision is the proposed basal adjustment of one cycle
type DosingDecision struct {
	ID                 string          `json:"id"`
	Rate               float64         `json:"rate"`     // U/h
	Duration           int             `json:"duration"` // minutes
	TempBasalRequested bool            `json:"tempBasalRequested"`
	Reason             string          `json:"reason"`
	EventualBG         float64         `json:"eventualBG"`
	IOB                *IobTotal       `json:"iob,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// Clone returns a deep copy so stored decisions stay immutable
func (d *DosingDecision) Clone() *DosingDecision {
	if d == nil {
		return nil
	}
	c := *d
	if d.IOB != nil {
		iob := *d.IOB
		c.IOB = &iob
	}
	if d.Raw != nil {
		c.Raw = append(json.RawMessage(nil), d.Raw...)
	}
	return &c
}
