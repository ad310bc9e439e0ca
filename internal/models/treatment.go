// Package models contains data structures used throughout the application
package models

import "time"

// Treatment represents a treatment entry from Nightscout (insulin, carbs, etc.)
type Treatment struct {
	ID        string  `json:"_id"`
	EventType string  `json:"eventType"`
	Date      int64   `json:"date"` // Unix timestamp in milliseconds
	CreatedAt string  `json:"created_at"`
	Insulin   float64 `json:"insulin"`  // Units of insulin
	Carbs     float64 `json:"carbs"`    // Grams of carbohydrates
	Duration  float64 `json:"duration"` // Duration in minutes (for temp basals, etc.)
	Units     string  `json:"units"`    // "mg/dl" or "mmol"
	Notes     string  `json:"notes"`
	EnteredBy string  `json:"enteredBy"`

	// For basal changes
	Percent  float64 `json:"percent"`  // Basal change in percent
	Absolute float64 `json:"absolute"` // Basal change in absolute value
	Rate     float64 `json:"rate"`     // Some uploaders send rate instead of absolute

	// For temp targets
	TargetTop    float64 `json:"targetTop"`
	TargetBottom float64 `json:"targetBottom"`
	Reason       string  `json:"reason"`
}

// Time returns the time of the treatment
func (t *Treatment) Time() time.Time {
	if t.Date > 0 {
		return time.UnixMilli(t.Date)
	}
	// Fallback to created_at
	parsed, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// End returns the end of the treatment's duration window
func (t *Treatment) End() time.Time {
	return t.Time().Add(time.Duration(t.Duration * float64(time.Minute)))
}

// HasInsulin returns true if this treatment includes insulin
func (t *Treatment) HasInsulin() bool {
	return t.Insulin > 0
}

// HasCarbs returns true if this treatment includes carbohydrates
func (t *Treatment) HasCarbs() bool {
	return t.Carbs > 0
}

// IsTempBasal returns true for temp basal records
func (t *Treatment) IsTempBasal() bool {
	return t.EventType == TreatmentEventTypes.TempBasal
}

// IsTempTarget returns true for temporary target records
func (t *Treatment) IsTempTarget() bool {
	return t.EventType == TreatmentEventTypes.TemporaryTarget
}

// TempBasalRate returns the absolute rate of a temp basal given the
// scheduled rate it deviates from.
func (t *Treatment) TempBasalRate(scheduled float64) float64 {
	switch {
	case t.Absolute > 0:
		return t.Absolute
	case t.Rate > 0:
		return t.Rate
	case t.Percent != 0:
		return scheduled * (100 + t.Percent) / 100
	default:
		return 0 // zero temp
	}
}

// ToTempTarget converts a temporary target treatment, normalising the band to mg/dL.
// A zero duration marks a cancellation and yields nil.
func (t *Treatment) ToTempTarget() *TempTarget {
	if !t.IsTempTarget() || t.Duration <= 0 {
		return nil
	}
	low, high := t.TargetBottom, t.TargetTop
	if t.Units == UnitMmol || (high > 0 && high < 40) {
		low, high = ToMgdl(low), ToMgdl(high)
	}
	return &TempTarget{
		Start:    t.Time(),
		Duration: time.Duration(t.Duration * float64(time.Minute)),
		Low:      low,
		High:     high,
		Reason:   t.Reason,
	}
}

// TreatmentEventTypes contains the Nightscout event types the loop reads
var TreatmentEventTypes = struct {
	SnackBolus      string
	MealBolus       string
	CorrectionBolus string
	CarbCorrection  string
	TempBasal       string
	TemporaryTarget string
	BolusWizard     string
}{
	SnackBolus:      "Snack Bolus",
	MealBolus:       "Meal Bolus",
	CorrectionBolus: "Correction Bolus",
	CarbCorrection:  "Carb Correction",
	TempBasal:       "Temp Basal",
	TemporaryTarget: "Temporary Target",
	BolusWizard:     "Bolus Wizard",
}
