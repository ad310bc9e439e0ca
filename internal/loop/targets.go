package loop

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/hardlimits"
	"github.com/mrcode/amaloop/internal/models"
)

// EffectiveTargets is the resolved target band in mg/dL.
// MinBG <= TargetBG <= MaxBG always holds.
type EffectiveTargets struct {
	MinBG      float64
	MaxBG      float64
	TargetBG   float64
	TempTarget *models.TempTarget
}

// IsTempTarget reports whether a temp target replaced the profile band
func (t EffectiveTargets) IsTempTarget() bool {
	return t.TempTarget != nil
}

// TargetResolver resolves the target band for a cycle
type TargetResolver struct {
	history TempTargetHistory
	limits  *hardlimits.Validator
	log     *zap.Logger
}

// NewTargetResolver creates a resolver; history may be nil when temp targets
// are not tracked.
func NewTargetResolver(history TempTargetHistory, limits *hardlimits.Validator, log *zap.Logger) *TargetResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &TargetResolver{history: history, limits: limits, log: log}
}

// Resolve returns the profile band, or the temp target active at now in its
// place. Both are clamped to their hard limits.
func (r *TargetResolver) Resolve(profile *models.Profile, now time.Time) EffectiveTargets {
	t := EffectiveTargets{
		MinBG:    roundTo(profile.TargetLowMgdl(now), 0.1),
		MaxBG:    roundTo(profile.TargetHighMgdl(now), 0.1),
		TargetBG: roundTo(profile.TargetMgdl(now), 0.1),
	}
	t.MinBG = r.limits.Clamp(t.MinBG, "minBg", hardlimits.MinBG)
	t.MaxBG = r.limits.Clamp(t.MaxBG, "maxBg", hardlimits.MaxBG)
	t.TargetBG = r.limits.Clamp(t.TargetBG, "targetBg", hardlimits.TargetBG)

	if r.history != nil {
		if tt := r.history.ActiveAt(now); tt != nil {
			t = EffectiveTargets{
				MinBG:      r.limits.Clamp(tt.Low, "minBg", hardlimits.TempMinBG),
				MaxBG:      r.limits.Clamp(tt.High, "maxBg", hardlimits.TempMaxBG),
				TargetBG:   r.limits.Clamp(tt.Target(), "targetBg", hardlimits.TempTargetBG),
				TempTarget: tt,
			}
		}
	}

	return r.order(t)
}

// order restores MinBG <= TargetBG <= MaxBG after independent clamping
func (r *TargetResolver) order(t EffectiveTargets) EffectiveTargets {
	if t.MinBG > t.MaxBG {
		r.log.Warn("minBg above maxBg, raising maxBg",
			zap.Float64("minBg", t.MinBG), zap.Float64("maxBg", t.MaxBG))
		t.MaxBG = t.MinBG
	}
	if t.TargetBG < t.MinBG || t.TargetBG > t.MaxBG {
		adjusted := math.Min(math.Max(t.TargetBG, t.MinBG), t.MaxBG)
		r.log.Warn("targetBg outside band, adjusted",
			zap.Float64("targetBg", t.TargetBG), zap.Float64("adjusted", adjusted))
		t.TargetBG = adjusted
	}
	return t
}

// roundTo rounds x to a multiple of step; dividing by the inverse keeps
// results such as 150.1 exact.
func roundTo(x, step float64) float64 {
	return math.Round(x/step) / (1 / step)
}
