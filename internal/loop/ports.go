package loop

import (
	"context"
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// ProfileProvider resolves the active treatment profile
type ProfileProvider interface {
	ActiveProfile() *models.Profile
}

// Pump exposes the pump capabilities the loop needs
type Pump interface {
	BaseBasalRate() float64
	TempBasalCapable() bool
}

// PumpProvider resolves the active pump
type PumpProvider interface {
	ActivePump() Pump
}

// ConstraintPolicy computes the configured safety ceilings
type ConstraintPolicy interface {
	MaxBasalAllowed(profile *models.Profile) float64
	MaxIobAllowed() float64
	IsAutosensEnabled() bool
}

// GlucoseSource returns the current glucose snapshot, or nil when none is available
type GlucoseSource interface {
	CurrentStatus() *models.GlucoseStatus
}

// IobEngine projects insulin on board over the DIA horizon
type IobEngine interface {
	IobArray(profile *models.Profile) []models.IobTotal
}

// MealEngine reports recent carbohydrate data
type MealEngine interface {
	CurrentMealData() models.MealData
}

// SensitivityEngine returns the last autosens detection, or nil when there
// is not enough history yet
type SensitivityEngine interface {
	LastAutosensData() *models.AutosensData
}

// TempTargetHistory looks up the temp target active at a timestamp
type TempTargetHistory interface {
	ActiveAt(t time.Time) *models.TempTarget
}

// TempBasalTracker reports whether a temp basal is currently running
type TempBasalTracker interface {
	IsTempBasalInProgress(t time.Time) bool
}

// DosingAlgorithm maps a validated bundle to a proposed decision.
// A nil decision without error counts as a failure.
type DosingAlgorithm interface {
	Compute(ctx context.Context, bundle Bundle) (*models.DosingDecision, error)
}

// NotificationBus delivers loop events to observers. Publish must not block
// for long and never reports failure back to the loop.
type NotificationBus interface {
	Publish(event Event)
}

// Bundle is the fully validated input of one algorithm run
type Bundle struct {
	Profile       *models.Profile
	MaxIob        float64
	MaxBasal      float64
	MinBG         float64
	MaxBG         float64
	TargetBG      float64
	CurrentBasal  float64
	IobArray      []models.IobTotal
	Glucose       models.GlucoseStatus
	Meal          models.MealData
	AutosensRatio float64
	TempTargetSet bool
	Now           time.Time
}
