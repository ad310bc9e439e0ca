package loop

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/amaloop/internal/models"
)

// Signals is the aggregated decision input of one cycle
type Signals struct {
	Iob      []models.IobTotal
	Meal     models.MealData
	Autosens models.AutosensResult
}

// SignalAggregator gathers IOB, meal and sensitivity inputs
type SignalAggregator struct {
	iob         IobEngine
	meals       MealEngine
	sensitivity SensitivityEngine
	constraints ConstraintPolicy
	log         *zap.Logger
}

// NewSignalAggregator creates an aggregator over the given engines
func NewSignalAggregator(iob IobEngine, meals MealEngine, sensitivity SensitivityEngine, constraints ConstraintPolicy, log *zap.Logger) *SignalAggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &SignalAggregator{
		iob:         iob,
		meals:       meals,
		sensitivity: sensitivity,
		constraints: constraints,
		log:         log,
	}
}

// Aggregate collects the inputs concurrently. It returns
// ErrMissingSensitivityData when autosens is enabled but has no data yet.
func (a *SignalAggregator) Aggregate(ctx context.Context, profile *models.Profile) (Signals, error) {
	var s Signals
	start := time.Now()
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		t := time.Now()
		s.Iob = a.iob.IobArray(profile)
		a.log.Debug("calculateIobArrayInDia()", zap.Duration("took", time.Since(t)))
		if len(s.Iob) == 0 {
			return ErrNoIobData
		}
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		s.Meal = a.meals.CurrentMealData()
		a.log.Debug("getMealData()", zap.Duration("took", time.Since(t)))
		return nil
	})

	g.Go(func() error {
		t := time.Now()
		defer func() {
			a.log.Debug("detectSensitivity()", zap.Duration("took", time.Since(t)))
		}()
		if !a.constraints.IsAutosensEnabled() {
			s.Autosens = models.NeutralAutosens()
			return nil
		}
		data := a.sensitivity.LastAutosensData()
		if data == nil {
			return ErrMissingSensitivityData
		}
		s.Autosens = data.Result
		return nil
	})

	if err := g.Wait(); err != nil {
		return Signals{}, err
	}
	a.log.Debug("Data gathering finished", zap.Duration("took", time.Since(start)))
	return s, nil
}
