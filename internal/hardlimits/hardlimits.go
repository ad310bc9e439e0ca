// Package hardlimits holds the absolute physiological and configuration
// bounds the loop enforces on every input, independent of user settings.
package hardlimits

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// ErrOutOfRange is returned by Check when a value lies outside its bounds
var ErrOutOfRange = errors.New("value outside hard limits")

// Range is an inclusive [Low, High] bound
type Range struct {
	Low  float64
	High float64
}

// Contains reports whether v lies inside the range
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// Within reports whether r is a subset of outer
func (r Range) Within(outer Range) bool {
	return r.Low >= outer.Low && r.High <= outer.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Low, r.High)
}

// Target bounds in mg/dL. Temp target ranges must stay inside the normal ones.
var (
	MinBG    = Range{72, 180}
	MaxBG    = Range{99, 270}
	TargetBG = Range{80, 200}

	TempMinBG    = Range{80, 180}
	TempMaxBG    = Range{99, 250}
	TempTargetBG = Range{80, 190}
)

// Profile configuration bounds
var (
	DIA = Range{2, 7}    // hours
	IC  = Range{2, 100}  // g/U
	ISF = Range{2, 1000} // mg/dL/U
)

// Lower bounds of the basal checks; the upper bound depends on the age group.
const (
	MinMaxDailyBasal = 0.02
	MinCurrentBasal  = 0.01
)

// TempRangesWithinNormal reports whether every temp target range is a
// subset of its normal counterpart.
func TempRangesWithinNormal() bool {
	return TempMinBG.Within(MinBG) && TempMaxBG.Within(MaxBG) && TempTargetBG.Within(TargetBG)
}

// AgeGroup selects the age dependent limits
type AgeGroup string

const (
	Child          AgeGroup = "child"
	Teenage        AgeGroup = "teenage"
	Adult          AgeGroup = "adult"
	ResistantAdult AgeGroup = "resistantadult"
)

var (
	maxBasalByAge  = map[AgeGroup]float64{Child: 2, Teenage: 5, Adult: 10, ResistantAdult: 12}
	maxIobAMAByAge = map[AgeGroup]float64{Child: 3, Teenage: 5, Adult: 7, ResistantAdult: 12}
)

// ParseAgeGroup parses a configured age group
func ParseAgeGroup(s string) (AgeGroup, error) {
	a := AgeGroup(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := maxBasalByAge[a]; !ok {
		return "", fmt.Errorf("unknown age group %q", s)
	}
	return a, nil
}

// MaxBasal returns the hard ceiling for any basal rate in U/h.
// Unknown groups get the child value.
func MaxBasal(age AgeGroup) float64 {
	if v, ok := maxBasalByAge[age]; ok {
		return v
	}
	return maxBasalByAge[Child]
}

// MaxIobAMA returns the hard ceiling for insulin on board in U
func MaxIobAMA(age AgeGroup) float64 {
	if v, ok := maxIobAMAByAge[age]; ok {
		return v
	}
	return maxIobAMAByAge[Child]
}

// Validator applies the limits and logs every violation
type Validator struct {
	log *zap.Logger
}

// New creates a validator logging through log; nil disables logging
func New(log *zap.Logger) *Validator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{log: log}
}

// VerifyHardLimits clamps value into [low, high]. It never fails.
func (v *Validator) VerifyHardLimits(value float64, label string, low, high float64) float64 {
	clamped := value
	if math.IsNaN(clamped) || clamped < low {
		clamped = low
	}
	if clamped > high {
		clamped = high
	}
	if clamped != value || math.IsNaN(value) {
		v.log.Warn("Value clamped to hard limits",
			zap.String("label", label),
			zap.Float64("value", value),
			zap.Float64("low", low),
			zap.Float64("high", high),
			zap.Float64("result", clamped))
	}
	return clamped
}

// CheckOnlyHardLimits reports whether value lies in [low, high] without
// correcting it.
func (v *Validator) CheckOnlyHardLimits(value float64, label string, low, high float64) bool {
	if !(Range{Low: low, High: high}).Contains(value) {
		v.log.Error("Value outside hard limits",
			zap.String("label", label),
			zap.Float64("value", value),
			zap.Float64("low", low),
			zap.Float64("high", high))
		return false
	}
	return true
}

// Clamp is VerifyHardLimits over a Range
func (v *Validator) Clamp(value float64, label string, r Range) float64 {
	return v.VerifyHardLimits(value, label, r.Low, r.High)
}

// Check is CheckOnlyHardLimits returning an error wrapping ErrOutOfRange
func (v *Validator) Check(value float64, label string, r Range) error {
	if !v.CheckOnlyHardLimits(value, label, r.Low, r.High) {
		return fmt.Errorf("%w: %s=%g not in %s", ErrOutOfRange, label, value, r)
	}
	return nil
}
