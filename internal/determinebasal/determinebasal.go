// Package determinebasal is a native rendition of the oref0 "advanced meal
// assist" determine-basal computation. It maps one validated loop bundle to
// a temp basal proposal and never talks to a pump.
package determinebasal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/loop"
	"github.com/mrcode/amaloop/internal/models"
)

// Validation errors
var (
	ErrInvalidBundle  = errors.New("invalid bundle")
	ErrInvalidGlucose = errors.New("glucose outside valid sensor range")
)

const (
	// DefaultDuration is the length of every temp basal proposed, minutes
	DefaultDuration = 30
	minValidBG      = 39
	predTicks       = 48 // 4 hours of 5 minute predictions
	deviationTicks  = 12 // deviations decay to zero over one hour
)

// AMA computes temp basal proposals
type AMA struct {
	log *zap.Logger
}

// New creates the algorithm; a nil logger disables logging
func New(log *zap.Logger) *AMA {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMA{log: log}
}

// result is the raw document stored with the decision for audit
type result struct {
	Temp             string    `json:"temp"`
	BG               float64   `json:"bg"`
	Tick             string    `json:"tick"`
	EventualBG       float64   `json:"eventualBG"`
	SnoozeBG         float64   `json:"snoozeBG"`
	Reason           string    `json:"reason"`
	Rate             float64   `json:"rate"`
	Duration         int       `json:"duration"`
	IOB              float64   `json:"IOB"`
	COB              float64   `json:"COB"`
	SensitivityRatio float64   `json:"sensitivityRatio"`
	PredBGs          predCurve `json:"predBGs"`
}

type predCurve struct {
	IOB []float64 `json:"IOB"`
	COB []float64 `json:"COB,omitempty"`
}

// Compute implements loop.DosingAlgorithm
func (a *AMA) Compute(ctx context.Context, b loop.Bundle) (*models.DosingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(b); err != nil {
		return nil, err
	}

	bg := b.Glucose.Glucose
	ratio := b.AutosensRatio
	sens := b.Profile.IsfMgdl(b.Now) / ratio
	basal := roundBasal(b.CurrentBasal * ratio)
	minBG, maxBG, targetBG := b.MinBG, b.MaxBG, b.TargetBG

	// half of the sensitivity adjustment applies to the targets
	if ratio != 1 && !b.TempTargetSet {
		minBG = math.Round((minBG-60)/ratio) + 60
		maxBG = math.Round((maxBG-60)/ratio) + 60
		targetBG = math.Round((targetBG-60)/ratio) + 60
	}

	iob := b.IobArray[0]
	minDelta := math.Min(b.Glucose.Delta, b.Glucose.ShortAvgDelta)
	minAvgDelta := math.Min(b.Glucose.ShortAvgDelta, b.Glucose.LongAvgDelta)

	bgi := round(-iob.Activity*sens*5, 2)
	deviation := math.Round(30.0 / 5 * (minDelta - bgi))
	if deviation < 0 {
		deviation = math.Round(30.0 / 5 * (minAvgDelta - bgi))
	}

	naiveEventualBG := math.Round(bg - iob.IOB*sens)
	eventualBG := naiveEventualBG + deviation
	snoozeBG := naiveEventualBG

	ic := b.Profile.IcAt(b.Profile.SecondsFromMidnight(b.Now))
	csf := sens / ic
	ci := round(minDelta-bgi, 1)

	iobPred, cobPred := predict(b, bg, sens, ci, csf)
	minPredBG := bg
	for _, v := range iobPred {
		minPredBG = math.Min(minPredBG, v)
	}
	if b.Meal.MealCOB > 0 && len(cobPred) > 0 {
		cobEventual := cobPred[len(cobPred)-1]
		eventualBG = math.Max(eventualBG, math.Min(cobEventual, naiveEventualBG+b.Meal.MealCOB*csf))
		snoozeBG = math.Max(snoozeBG, naiveEventualBG+b.Meal.MealCOB*csf)
	}

	r := result{
		Temp:             "absolute",
		BG:               bg,
		Tick:             formatTick(b.Glucose.Delta),
		EventualBG:       eventualBG,
		SnoozeBG:         snoozeBG,
		IOB:              round(iob.IOB, 2),
		COB:              round(b.Meal.MealCOB, 0),
		SensitivityRatio: ratio,
		PredBGs:          predCurve{IOB: iobPred, COB: cobPred},
	}

	threshold := minBG - 0.5*(minBG-40)
	dia := b.Profile.EffectiveDIA()
	expectedDelta := round(bgi+(targetBG-eventualBG)/(dia*60/5), 1)

	switch {
	case bg < threshold:
		r.Reason = fmt.Sprintf("BG %v < threshold %v", bg, round(threshold, 0))
		r.Rate, r.Duration = 0, DefaultDuration

	case eventualBG < minBG:
		if minDelta > expectedDelta && minDelta > 0 {
			r.Reason = fmt.Sprintf("Eventual BG %v < %v, but Delta %v > Exp. Delta %v; cancel temp", eventualBG, minBG, minDelta, expectedDelta)
			r.Rate, r.Duration = 0, 0
			break
		}
		insulinReq := 2 * math.Min(0, (eventualBG-targetBG)/sens)
		rate := math.Min(roundBasal(basal+2*insulinReq), b.MaxBasal)
		if rate <= 0 {
			r.Reason = fmt.Sprintf("Eventual BG %v < %v, setting zero temp", eventualBG, minBG)
			rate = 0
		} else {
			r.Reason = fmt.Sprintf("Eventual BG %v < %v, reducing basal to %v", eventualBG, minBG, rate)
		}
		r.Rate, r.Duration = rate, DefaultDuration

	case eventualBG <= maxBG:
		r.Reason = fmt.Sprintf("%v in range: no temp required", eventualBG)
		r.Rate, r.Duration = 0, 0

	case minDelta < expectedDelta:
		r.Reason = fmt.Sprintf("Eventual BG %v > %v but Delta %v < Exp. Delta %v; cancel temp", eventualBG, maxBG, minDelta, expectedDelta)
		r.Rate, r.Duration = 0, 0

	case iob.IOB > b.MaxIob:
		rate := math.Min(basal, b.MaxBasal)
		r.Reason = fmt.Sprintf("IOB %v > max_iob %v, setting basal %v", round(iob.IOB, 2), b.MaxIob, rate)
		r.Rate, r.Duration = rate, DefaultDuration

	default:
		insulinReq := round((math.Min(minPredBG, eventualBG)-targetBG)/sens, 2)
		if insulinReq > b.MaxIob-iob.IOB {
			insulinReq = b.MaxIob - iob.IOB
		}
		// never below the scheduled basal, never above maxBasal
		rate := math.Max(roundBasal(basal+2*insulinReq), basal)
		if rate > b.MaxBasal {
			r.Reason = fmt.Sprintf("Eventual BG %v > %v, adj. req. rate %v to maxBasal %v", eventualBG, maxBG, rate, b.MaxBasal)
			rate = b.MaxBasal
		} else {
			r.Reason = fmt.Sprintf("Eventual BG %v > %v, temp %v U/hr", eventualBG, maxBG, rate)
		}
		r.Rate, r.Duration = rate, DefaultDuration
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	a.log.Debug("determine-basal",
		zap.Float64("bg", bg),
		zap.Float64("eventualBG", eventualBG),
		zap.Float64("rate", r.Rate),
		zap.String("reason", r.Reason))

	return &models.DosingDecision{
		Rate:               r.Rate,
		Duration:           r.Duration,
		TempBasalRequested: true,
		Reason:             r.Reason,
		EventualBG:         eventualBG,
		Raw:                raw,
	}, nil
}

func validate(b loop.Bundle) error {
	switch {
	case b.Profile == nil:
		return fmt.Errorf("%w: no profile", ErrInvalidBundle)
	case len(b.IobArray) == 0:
		return fmt.Errorf("%w: empty IOB array", ErrInvalidBundle)
	case b.AutosensRatio <= 0:
		return fmt.Errorf("%w: autosens ratio %v", ErrInvalidBundle, b.AutosensRatio)
	case b.Profile.DIA <= 0:
		return fmt.Errorf("%w: DIA %v", ErrInvalidBundle, b.Profile.DIA)
	case b.Profile.IsfMgdl(b.Now) <= 0 || b.Profile.IcAt(b.Profile.SecondsFromMidnight(b.Now)) <= 0:
		return fmt.Errorf("%w: sensitivity or carb ratio not set", ErrInvalidBundle)
	case b.Glucose.Glucose < minValidBG:
		return fmt.Errorf("%w: %v", ErrInvalidGlucose, b.Glucose.Glucose)
	}
	return nil
}

// predict projects BG every 5 minutes from the IOB curve, a decaying
// deviation and, with carbs on board, the remaining carb impact.
func predict(b loop.Bundle, bg, sens, ci, csf float64) (iobPred, cobPred []float64) {
	n := len(b.IobArray)
	if n > predTicks {
		n = predTicks
	}
	iobPred = make([]float64, 0, n)
	withCarbs := b.Meal.MealCOB > 0
	if withCarbs {
		cobPred = make([]float64, 0, n)
	}

	// ticks to absorb the remaining carbs at the current impact, doubled
	// because absorption slows down linearly
	cid := 0.0
	if ci > 0 && csf > 0 {
		cid = 2 * b.Meal.MealCOB * csf / ci
	}

	iobBG, cobBG := bg, bg
	for i := 0; i < n; i++ {
		predBGI := round(-b.IobArray[i].Activity*sens*5, 2)
		predDev := ci * (1 - math.Min(1, float64(i)/deviationTicks))
		iobBG += predBGI + predDev
		iobPred = append(iobPred, math.Round(clampBG(iobBG)))

		if withCarbs {
			predCI := 0.0
			if cid > 0 {
				predCI = math.Max(0, ci*(1-float64(i)/cid))
			}
			cobBG += predBGI + math.Min(0, predDev) + predCI
			cobPred = append(cobPred, math.Round(clampBG(cobBG)))
		}
	}
	return iobPred, cobPred
}

func clampBG(v float64) float64 {
	return math.Max(39, math.Min(401, v))
}

func roundBasal(rate float64) float64 {
	return math.Round(rate*20) / 20
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func formatTick(delta float64) string {
	d := math.Round(delta)
	if d >= 0 {
		return fmt.Sprintf("+%v", d)
	}
	return fmt.Sprintf("%v", d)
}
