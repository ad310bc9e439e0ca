// Package loop runs the closed-loop decision cycle: it validates inputs
// against hard limits, gathers the dosing signals, runs the dosing algorithm
// and keeps the last result.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/hardlimits"
	"github.com/mrcode/amaloop/internal/models"
)

// DefaultAlgorithmTimeout bounds a single algorithm run
const DefaultAlgorithmTimeout = 30 * time.Second

// Deps are the collaborators of the controller
type Deps struct {
	Profiles    ProfileProvider
	Pumps       PumpProvider
	Constraints ConstraintPolicy
	Glucose     GlucoseSource
	Iob         IobEngine
	Meals       MealEngine
	Sensitivity SensitivityEngine
	TempTargets TempTargetHistory
	TempBasals  TempBasalTracker
	Algorithm   DosingAlgorithm
	Bus         NotificationBus
}

// Options tune the controller
type Options struct {
	Enabled          bool
	AgeGroup         hardlimits.AgeGroup
	AlgorithmTimeout time.Duration
	// PreserveOnFailure keeps the previous decision when the algorithm fails
	// instead of clearing the state.
	PreserveOnFailure bool
	Logger            *zap.Logger
	Now               func() time.Time
}

// Controller owns the cycle state. Invocations are serialized.
type Controller struct {
	deps       Deps
	opts       Options
	log        *zap.Logger
	limits     *hardlimits.Validator
	targets    *TargetResolver
	aggregator *SignalAggregator

	enabled atomic.Bool
	phase   atomic.Int32

	mu    sync.Mutex // held for a whole invocation
	state CycleState
	// stateMu guards state for readers while a cycle is running
	stateMu sync.RWMutex
}

// NewController wires a controller from its collaborators
func NewController(deps Deps, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AlgorithmTimeout <= 0 {
		opts.AlgorithmTimeout = DefaultAlgorithmTimeout
	}
	if opts.AgeGroup == "" {
		opts.AgeGroup = hardlimits.Adult
	}
	log := opts.Logger.Named("aps")
	limits := hardlimits.New(log.Named("hardlimits"))

	c := &Controller{
		deps:       deps,
		opts:       opts,
		log:        log,
		limits:     limits,
		targets:    NewTargetResolver(deps.TempTargets, limits, log),
		aggregator: NewSignalAggregator(deps.Iob, deps.Meals, deps.Sensitivity, deps.Constraints, log),
	}
	c.enabled.Store(opts.Enabled)
	return c
}

// SetEnabled switches the loop on or off
func (c *Controller) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// IsEnabled reports whether the loop may run with the given pump
func (c *Controller) IsEnabled(pump Pump) bool {
	return c.enabled.Load() && (pump == nil || pump.TempBasalCapable())
}

// Phase returns the current cycle phase
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Controller) setPhase(p Phase) {
	c.phase.Store(int32(p))
}

// State returns a copy of the cycle state
func (c *Controller) State() CycleState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state.clone()
}

// LastDecision returns a copy of the last stored decision, or nil
func (c *Controller) LastDecision() *models.DosingDecision {
	return c.State().LastDecision
}

// LastRun returns the completion time of the last stored decision
func (c *Controller) LastRun() time.Time {
	return c.State().LastRun
}

func (c *Controller) updateState(fn func(s *CycleState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	fn(&c.state)
}

// Invoke runs one decision cycle. The outcome is visible through State and
// the published event; nothing is returned.
func (c *Controller) Invoke(initiator string, tempBasalFallback bool) {
	c.InvokeContext(context.Background(), initiator, tempBasalFallback)
}

// InvokeContext is Invoke with a parent context bounding the cycle
func (c *Controller) InvokeContext(ctx context.Context, initiator string, tempBasalFallback bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setPhase(PhaseIdle)

	log := c.log.With(zap.String("initiator", initiator))
	log.Debug("invoke", zap.Bool("tempBasalFallback", tempBasalFallback))

	if err := ctx.Err(); err != nil {
		log.Debug("Cycle skipped", zap.Error(err))
		return
	}

	decision, autosens, err := c.run(ctx, log)
	if autosens != nil {
		c.updateState(func(s *CycleState) { s.LastAutosens = autosens })
	}
	if err != nil {
		c.abort(log, initiator, err)
		return
	}

	c.setPhase(PhasePublishing)
	c.updateState(func(s *CycleState) {
		s.LastDecision = decision
		s.LastRun = decision.Timestamp
	})
	log.Info("Decision stored",
		zap.String("id", decision.ID),
		zap.Float64("rate", decision.Rate),
		zap.Int("duration", decision.Duration),
		zap.Bool("tempBasalRequested", decision.TempBasalRequested),
		zap.String("reason", decision.Reason))
	c.publish(Event{
		Type:      EventDecision,
		Initiator: initiator,
		Decision:  decision.Clone(),
		Timestamp: decision.Timestamp,
	})
}

// run executes validation, aggregation and computation. The autosens result
// is returned whenever aggregation succeeded, even if the algorithm failed.
func (c *Controller) run(ctx context.Context, log *zap.Logger) (*models.DosingDecision, *models.AutosensResult, error) {
	c.setPhase(PhaseValidating)
	now := c.opts.Now()

	glucose := c.deps.Glucose.CurrentStatus()
	profile := c.deps.Profiles.ActiveProfile()
	if profile == nil {
		return nil, nil, ErrNoProfile
	}
	pump := c.deps.Pumps.ActivePump()
	if pump == nil {
		return nil, nil, ErrNoPump
	}
	if !c.IsEnabled(pump) {
		return nil, nil, ErrDisabled
	}
	if glucose == nil {
		return nil, nil, ErrNoGlucose
	}

	maxBasal := c.deps.Constraints.MaxBasalAllowed(profile)
	maxIob := c.deps.Constraints.MaxIobAllowed()

	targets := c.targets.Resolve(profile, now)

	currentBasal := pump.BaseBasalRate()
	if err := c.validateProfile(profile, currentBasal, now); err != nil {
		return nil, nil, err
	}

	c.setPhase(PhaseAggregating)
	signals, err := c.aggregator.Aggregate(ctx, profile)
	if err != nil {
		return nil, nil, err
	}
	autosens := signals.Autosens

	c.setPhase(PhaseComputing)
	bundle := Bundle{
		Profile:       profile,
		MaxIob:        maxIob,
		MaxBasal:      maxBasal,
		MinBG:         targets.MinBG,
		MaxBG:         targets.MaxBG,
		TargetBG:      targets.TargetBG,
		CurrentBasal:  currentBasal,
		IobArray:      signals.Iob,
		Glucose:       *glucose,
		Meal:          signals.Meal,
		AutosensRatio: autosens.Ratio,
		TempTargetSet: targets.IsTempTarget(),
		Now:           now,
	}

	start := time.Now()
	decision, err := c.compute(ctx, bundle)
	log.Debug("AMA calculation", zap.Duration("took", time.Since(start)))
	if err != nil {
		return nil, &autosens, err
	}

	c.postProcess(log, decision, signals.Iob[0])
	return decision, &autosens, nil
}

// validateProfile rejects configuration values that indicate a setup error.
// It stops at the first failure.
func (c *Controller) validateProfile(profile *models.Profile, currentBasal float64, now time.Time) error {
	maxBasal := hardlimits.MaxBasal(c.opts.AgeGroup)
	checks := []struct {
		label string
		value float64
		r     hardlimits.Range
	}{
		{"dia", profile.DIA, hardlimits.DIA},
		{"carbratio", profile.IcAt(profile.SecondsFromMidnight(now)), hardlimits.IC},
		{"sens", profile.IsfMgdl(now), hardlimits.ISF},
		{"max_daily_basal", profile.MaxDailyBasal(), hardlimits.Range{Low: hardlimits.MinMaxDailyBasal, High: maxBasal}},
		{"current_basal", currentBasal, hardlimits.Range{Low: hardlimits.MinCurrentBasal, High: maxBasal}},
	}
	for _, chk := range checks {
		if err := c.limits.Check(chk.value, chk.label, chk.r); err != nil {
			return fmt.Errorf("%w: %w", ErrHardLimit, err)
		}
	}
	return nil
}

// compute runs the algorithm under the configured timeout. Expiry, errors,
// panics, missing or malformed results and rates above MaxBasal are all
// algorithm failures.
func (c *Controller) compute(ctx context.Context, bundle Bundle) (*models.DosingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AlgorithmTimeout)
	defer cancel()

	type result struct {
		decision *models.DosingDecision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		d, err := c.deps.Algorithm.Compute(ctx, bundle)
		done <- result{decision: d, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAlgorithm, ctx.Err())
	}

	switch {
	case r.err != nil:
		return nil, fmt.Errorf("%w: %w", ErrAlgorithm, r.err)
	case r.decision == nil:
		return nil, fmt.Errorf("%w: no result", ErrAlgorithm)
	case math.IsNaN(r.decision.Rate) || math.IsInf(r.decision.Rate, 0) || r.decision.Rate < 0:
		return nil, fmt.Errorf("%w: invalid rate %v", ErrAlgorithm, r.decision.Rate)
	case r.decision.Rate > bundle.MaxBasal:
		return nil, fmt.Errorf("%w: rate %v exceeds max basal %v", ErrAlgorithm, r.decision.Rate, bundle.MaxBasal)
	case r.decision.Duration < 0:
		return nil, fmt.Errorf("%w: invalid duration %d", ErrAlgorithm, r.decision.Duration)
	}
	return r.decision.Clone(), nil
}

// postProcess applies zero-dose suppression, attaches the IOB snapshot and
// stamps the decision.
func (c *Controller) postProcess(log *zap.Logger, d *models.DosingDecision, iobNow models.IobTotal) {
	if d.Rate == 0 && d.Duration == 0 && !c.tempBasalRunning() {
		d.TempBasalRequested = false
	}

	d.IOB = &iobNow
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	completed := c.opts.Now()
	d.Timestamp = completed
	raw, err := stampTimestamp(d.Raw, completed)
	if err != nil {
		log.Error("Unhandled exception", zap.Error(err))
		return
	}
	d.Raw = raw
}

func (c *Controller) tempBasalRunning() bool {
	if c.deps.TempBasals == nil {
		return false
	}
	return c.deps.TempBasals.IsTempBasalInProgress(c.opts.Now())
}

// abort records a failed cycle according to its kind and publishes the reason
func (c *Controller) abort(log *zap.Logger, initiator string, err error) {
	kind := KindOf(err)
	switch kind {
	case KindPrecondition, KindSensitivity:
		log.Debug("Cycle aborted", zap.Stringer("kind", kind), zap.Error(err))
	case KindValidation:
		log.Warn("Cycle aborted", zap.Stringer("kind", kind), zap.Error(err))
		c.updateState(func(s *CycleState) {
			s.LastDecision = nil
			s.LastRun = time.Time{}
		})
	default:
		log.Error("Dosing calculation failed", zap.Error(err))
		if c.opts.PreserveOnFailure {
			log.Warn("Keeping previous decision after algorithm failure")
		} else {
			c.updateState(func(s *CycleState) {
				s.LastDecision = nil
				s.LastRun = time.Time{}
			})
		}
	}

	c.setPhase(PhasePublishing)
	c.publish(Event{
		Type:      EventAborted,
		Initiator: initiator,
		Kind:      kind.String(),
		Reason:    ReasonFor(err),
		Timestamp: c.opts.Now(),
	})
}

func (c *Controller) publish(e Event) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(e)
}

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

var errRawNotObject = errors.New("raw result is not a JSON object")

// stampTimestamp sets "timestamp" in the raw result document
func stampTimestamp(raw json.RawMessage, at time.Time) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", errRawNotObject, err)
		}
		if doc == nil {
			return nil, errRawNotObject
		}
	}
	doc["timestamp"] = at.UTC().Format(isoMillis)
	return json.Marshal(doc)
}
