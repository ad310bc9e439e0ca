package loop

import (
	"context"
	"sync"
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProfiles struct{ profile *models.Profile }

func (f *fakeProfiles) ActiveProfile() *models.Profile { return f.profile }

type fakePump struct {
	basal   float64
	capable bool
}

func (p *fakePump) BaseBasalRate() float64 { return p.basal }
func (p *fakePump) TempBasalCapable() bool { return p.capable }

type fakePumps struct{ pump *fakePump }

func (f *fakePumps) ActivePump() Pump {
	if f.pump == nil {
		return nil
	}
	return f.pump
}

type fakeConstraints struct {
	maxBasal float64
	maxIob   float64
	autosens bool
}

func (f *fakeConstraints) MaxBasalAllowed(*models.Profile) float64 { return f.maxBasal }
func (f *fakeConstraints) MaxIobAllowed() float64                  { return f.maxIob }
func (f *fakeConstraints) IsAutosensEnabled() bool                 { return f.autosens }

type fakeGlucose struct{ status *models.GlucoseStatus }

func (f *fakeGlucose) CurrentStatus() *models.GlucoseStatus { return f.status }

type fakeIob struct{ arr []models.IobTotal }

func (f *fakeIob) IobArray(*models.Profile) []models.IobTotal { return f.arr }

type fakeMeals struct{ meal models.MealData }

func (f *fakeMeals) CurrentMealData() models.MealData { return f.meal }

type fakeSensitivity struct{ data *models.AutosensData }

func (f *fakeSensitivity) LastAutosensData() *models.AutosensData { return f.data }

type fakeTempTargets struct{ tt *models.TempTarget }

func (f *fakeTempTargets) ActiveAt(t time.Time) *models.TempTarget {
	if f.tt != nil && f.tt.ActiveAt(t) {
		return f.tt
	}
	return nil
}

type fakeTempBasals struct{ running bool }

func (f *fakeTempBasals) IsTempBasalInProgress(time.Time) bool { return f.running }

type fakeAlgorithm struct {
	mu       sync.Mutex
	decision *models.DosingDecision
	err      error
	block    bool
	calls    int
	bundles  []Bundle

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func (f *fakeAlgorithm) Compute(ctx context.Context, b Bundle) (*models.DosingDecision, error) {
	f.mu.Lock()
	f.calls++
	f.bundles = append(f.bundles, b)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block, d, err, delay := f.block, f.decision.Clone(), f.err, f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d, err
}

func (f *fakeAlgorithm) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAlgorithm) lastBundle() Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundles[len(f.bundles)-1]
}

type recordingBus struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) last() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func flatProfile(low, high, target float64) *models.Profile {
	return &models.Profile{
		Name:       "Default",
		DIA:        5,
		CarbRatio:  models.Schedule{{Time: "00:00", Value: 10}},
		Sens:       models.Schedule{{Time: "00:00", Value: 50}},
		Basal:      models.Schedule{{Time: "00:00", Value: 1.0}},
		TargetLow:  models.Schedule{{Time: "00:00", Value: low}},
		TargetHigh: models.Schedule{{Time: "00:00", Value: high}},
		Target:     models.Schedule{{Time: "00:00", Value: target}},
		Units:      models.UnitMgdl,
		Timezone:   "UTC",
	}
}

type harness struct {
	profiles    *fakeProfiles
	pumps       *fakePumps
	constraints *fakeConstraints
	glucose     *fakeGlucose
	iob         *fakeIob
	meals       *fakeMeals
	sensitivity *fakeSensitivity
	tempTargets *fakeTempTargets
	tempBasals  *fakeTempBasals
	algorithm   *fakeAlgorithm
	bus         *recordingBus
	opts        Options
}

func newHarness() *harness {
	return &harness{
		profiles:    &fakeProfiles{profile: flatProfile(80, 180, 100)},
		pumps:       &fakePumps{pump: &fakePump{basal: 1.0, capable: true}},
		constraints: &fakeConstraints{maxBasal: 3, maxIob: 5},
		glucose:     &fakeGlucose{status: &models.GlucoseStatus{Glucose: 120, Date: testNow}},
		iob:         &fakeIob{arr: []models.IobTotal{{Time: testNow, IOB: 1.5, Activity: 0.01}, {IOB: 1.4}}},
		meals:       &fakeMeals{meal: models.MealData{Carbs: 20, MealCOB: 10}},
		sensitivity: &fakeSensitivity{},
		tempTargets: &fakeTempTargets{},
		tempBasals:  &fakeTempBasals{},
		algorithm: &fakeAlgorithm{decision: &models.DosingDecision{
			Rate: 0.5, Duration: 30, TempBasalRequested: true, Raw: []byte(`{"rate":0.5}`),
		}},
		bus:  &recordingBus{},
		opts: Options{Enabled: true, Now: func() time.Time { return testNow }},
	}
}

func (h *harness) controller() *Controller {
	return NewController(Deps{
		Profiles:    h.profiles,
		Pumps:       h.pumps,
		Constraints: h.constraints,
		Glucose:     h.glucose,
		Iob:         h.iob,
		Meals:       h.meals,
		Sensitivity: h.sensitivity,
		TempTargets: h.tempTargets,
		TempBasals:  h.tempBasals,
		Algorithm:   h.algorithm,
		Bus:         h.bus,
	}, h.opts)
}
