// Package prediction derives the loop's physiological signals (insulin on
// board, carbs on board, sensitivity and the glucose snapshot) from the
// treatment and glucose history, using oref-style models.
package prediction

import (
	"math"
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// History supplies the records the calculators read
type History interface {
	ActiveProfile() *models.Profile
	Entries() []models.GlucoseEntry
	Treatments() []models.Treatment
}

// Config contains the model parameters
type Config struct {
	// Insulin parameters
	InsulinPeakMinutes float64 // Peak activity time (75 for rapid-acting)

	// Carb absorption parameters
	CarbAbsorptionMinutes float64 // Default absorption time (180)
	Min5mCarbImpact       float64 // Minimum carb impact per 5 min, mg/dL
	MealWindow            time.Duration

	// Autosens
	AutosensMin    float64
	AutosensMax    float64
	AutosensWindow time.Duration
	MinDeviations  int

	// Glucose readings older than this are not used
	MaxGlucoseAge time.Duration

	Now func() time.Time
}

// DefaultConfig returns the recommended parameters
func DefaultConfig() Config {
	return Config{
		InsulinPeakMinutes:    75,
		CarbAbsorptionMinutes: 180,
		Min5mCarbImpact:       8,
		MealWindow:            6 * time.Hour,
		AutosensMin:           0.7,
		AutosensMax:           1.2,
		AutosensWindow:        24 * time.Hour,
		MinDeviations:         10,
		MaxGlucoseAge:         15 * time.Minute,
		Now:                   time.Now,
	}
}

func (c Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func diaMinutes(p *models.Profile) float64 {
	if p == nil {
		return models.MinDIA * 60
	}
	return p.EffectiveDIA() * 60
}

// iobCurve returns the fraction of a unit still on board and the activity
// (units per minute) minutesSince after delivery, using the exponential
// oref curve.
func iobCurve(minutesSince, peak, dia float64) (remaining, activity float64) {
	if minutesSince < 0 {
		return 1, 0
	}
	if minutesSince >= dia {
		return 0, 0
	}

	t := minutesSince
	tau := peak * (1 - peak/dia) / (1 - 2*peak/dia)
	a := 2 * tau / dia
	s := 1 / (1 - a + (1+a)*math.Exp(-dia/tau))

	activity = (s / (tau * tau)) * t * (1 - t/dia) * math.Exp(-t/tau)
	remaining = 1 - s*(1-a)*((t*t/(tau*dia*(1-a))-t/tau-1)*math.Exp(-t/tau)+1)
	return math.Max(0, math.Min(1, remaining)), math.Max(0, activity)
}

// carbsAbsorbed returns grams of carbs absorbed minutesSince after the
// entry. Absorption is a logistic fast-then-slow profile, never slower than
// the minimum carb impact.
func (c Config) carbsAbsorbed(totalCarbs, minutesSince, csf float64) float64 {
	if minutesSince <= 0 {
		return 0
	}

	// more carbs absorb slower
	absorptionTime := c.CarbAbsorptionMinutes
	if totalCarbs > 60 {
		absorptionTime *= 1.3
	} else if totalCarbs < 20 {
		absorptionTime *= 0.7
	}
	if minutesSince >= absorptionTime {
		return totalCarbs
	}

	progress := minutesSince / absorptionTime
	k := 8.0    // steepness
	mid := 0.35 // peak absorption rate
	absorbed := totalCarbs / (1 + math.Exp(-k*(progress-mid)))

	if csf > 0 {
		minAbsorbed := (minutesSince / 5) * (c.Min5mCarbImpact / csf)
		absorbed = math.Max(absorbed, minAbsorbed)
	}
	return math.Min(absorbed, totalCarbs)
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
