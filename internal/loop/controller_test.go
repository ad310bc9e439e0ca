package loop

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/amaloop/internal/models"
)

func TestInvoke_StoresAndPublishesDecision(t *testing.T) {
	h := newHarness()
	c := h.controller()

	c.Invoke("test", false)

	b := h.algorithm.lastBundle()
	assert.Equal(t, 80.0, b.MinBG)
	assert.Equal(t, 180.0, b.MaxBG)
	assert.Equal(t, 100.0, b.TargetBG)
	assert.Equal(t, 1.0, b.AutosensRatio)
	assert.Equal(t, 1.0, b.CurrentBasal)
	assert.Equal(t, 3.0, b.MaxBasal)
	assert.Equal(t, 5.0, b.MaxIob)
	assert.False(t, b.TempTargetSet)
	assert.Equal(t, 120.0, b.Glucose.Glucose)
	assert.Len(t, b.IobArray, 2)

	d := c.LastDecision()
	require.NotNil(t, d)
	assert.True(t, d.TempBasalRequested, "non-zero rate must not be suppressed")
	assert.Equal(t, 0.5, d.Rate)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, testNow, d.Timestamp)
	assert.Equal(t, testNow, c.LastRun())
	require.NotNil(t, d.IOB)
	assert.Equal(t, 1.5, d.IOB.IOB)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(d.Raw, &raw))
	assert.Equal(t, "2026-03-01T12:00:00.000Z", raw["timestamp"])
	assert.Equal(t, 0.5, raw["rate"])

	e := h.bus.last()
	assert.Equal(t, EventDecision, e.Type)
	assert.Equal(t, "test", e.Initiator)
	require.NotNil(t, e.Decision)
	assert.Equal(t, d.ID, e.Decision.ID)
	assert.Equal(t, PhaseIdle, c.Phase())
}

func TestInvoke_ZeroDoseSuppression(t *testing.T) {
	tests := []struct {
		name      string
		decision  models.DosingDecision
		running   bool
		requested bool
	}{
		{"zero dose, nothing running", models.DosingDecision{Rate: 0, Duration: 0, TempBasalRequested: true}, false, false},
		{"zero dose, temp basal running", models.DosingDecision{Rate: 0, Duration: 0, TempBasalRequested: true}, true, true},
		{"zero rate with duration", models.DosingDecision{Rate: 0, Duration: 30, TempBasalRequested: true}, false, true},
		{"rate without duration", models.DosingDecision{Rate: 0.5, Duration: 0, TempBasalRequested: true}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			d := tt.decision
			h.algorithm.decision = &d
			h.tempBasals.running = tt.running
			c := h.controller()

			c.Invoke("test", false)

			got := c.LastDecision()
			require.NotNil(t, got)
			assert.Equal(t, tt.requested, got.TempBasalRequested)
		})
	}
}

func TestInvoke_PreconditionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness, c *Controller)
		reason string
	}{
		{"no profile", func(h *harness, _ *Controller) { h.profiles.profile = nil }, "No profile selected"},
		{"no pump", func(h *harness, _ *Controller) { h.pumps.pump = nil }, "No pump selected"},
		{"disabled", func(_ *harness, c *Controller) { c.SetEnabled(false) }, "Closed loop disabled"},
		{"pump not temp basal capable", func(h *harness, _ *Controller) { h.pumps.pump.capable = false }, "Closed loop disabled"},
		{"no glucose", func(h *harness, _ *Controller) { h.glucose.status = nil }, "No glucose data available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.controller()
			c.Invoke("first", false)
			before := c.State()
			require.NotNil(t, before.LastDecision)

			tt.mutate(h, c)
			c.Invoke("second", false)

			assert.Equal(t, 1, h.algorithm.callCount())
			after := c.State()
			assert.Equal(t, before.LastDecision.ID, after.LastDecision.ID)
			assert.Equal(t, before.LastRun, after.LastRun)

			e := h.bus.last()
			assert.Equal(t, EventAborted, e.Type)
			assert.Equal(t, "precondition", e.Kind)
			assert.Equal(t, tt.reason, e.Reason)
		})
	}
}

func TestInvoke_HardLimitFailureAborts(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		label  string
	}{
		{"dia too long", func(h *harness) { h.profiles.profile.DIA = 9 }, "dia"},
		{"dia too short", func(h *harness) { h.profiles.profile.DIA = 1 }, "dia"},
		{"carb ratio", func(h *harness) { h.profiles.profile.CarbRatio = models.Schedule{{Time: "00:00", Value: 150}} }, "carbratio"},
		{"sensitivity", func(h *harness) { h.profiles.profile.Sens = models.Schedule{{Time: "00:00", Value: 1}} }, "sens"},
		{"max daily basal", func(h *harness) { h.profiles.profile.Basal = models.Schedule{{Time: "00:00", Value: 15}} }, "max_daily_basal"},
		{"current basal", func(h *harness) { h.pumps.pump.basal = 0 }, "current_basal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.controller()
			c.Invoke("first", false)
			require.NotNil(t, c.LastDecision())

			tt.mutate(h)
			c.Invoke("second", false)

			assert.Equal(t, 1, h.algorithm.callCount(), "algorithm must not run")
			assert.Nil(t, c.LastDecision())
			assert.True(t, c.LastRun().IsZero(), "no partial state after a validation failure")

			e := h.bus.last()
			assert.Equal(t, EventAborted, e.Type)
			assert.Equal(t, "validation", e.Kind)
			assert.Contains(t, e.Reason, tt.label)
		})
	}
}

func TestInvoke_AutosensDisabledUsesNeutralRatio(t *testing.T) {
	h := newHarness()
	h.constraints.autosens = false
	h.sensitivity.data = &models.AutosensData{Result: models.AutosensResult{Ratio: 0.8, SensResult: "sensitive"}}
	c := h.controller()

	c.Invoke("test", false)

	assert.Equal(t, 1.0, h.algorithm.lastBundle().AutosensRatio)
	as := c.State().LastAutosens
	require.NotNil(t, as)
	assert.Equal(t, models.AutosensDisabled, as.SensResult)
}

func TestInvoke_AutosensEnabled(t *testing.T) {
	h := newHarness()
	h.constraints.autosens = true
	h.sensitivity.data = &models.AutosensData{Result: models.AutosensResult{Ratio: 1.2, SensResult: "resistant"}}
	c := h.controller()

	c.Invoke("test", false)

	assert.Equal(t, 1.2, h.algorithm.lastBundle().AutosensRatio)
	assert.Equal(t, "resistant", c.State().LastAutosens.SensResult)
}

func TestInvoke_MissingSensitivityData(t *testing.T) {
	h := newHarness()
	c := h.controller()
	c.Invoke("first", false)
	before := c.State()

	h.constraints.autosens = true
	h.sensitivity.data = nil
	c.Invoke("second", false)

	assert.Equal(t, 1, h.algorithm.callCount())
	assert.Equal(t, before, c.State())

	e := h.bus.last()
	assert.Equal(t, EventAborted, e.Type)
	assert.Equal(t, "sensitivity", e.Kind)
	assert.Equal(t, "No sensitivity data available yet", e.Reason)
}

func TestInvoke_TempTargetReplacesProfileTargets(t *testing.T) {
	h := newHarness()
	h.tempTargets.tt = &models.TempTarget{
		Start:    testNow.Add(-10 * time.Minute),
		Duration: time.Hour,
		Low:      140,
		High:     160,
	}
	c := h.controller()

	c.Invoke("test", false)

	b := h.algorithm.lastBundle()
	assert.True(t, b.TempTargetSet)
	assert.Equal(t, 140.0, b.MinBG)
	assert.Equal(t, 160.0, b.MaxBG)
	assert.Equal(t, 150.0, b.TargetBG)
}

func TestInvoke_AlgorithmFailureClearsState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
	}{
		{"nil result", func(h *harness) { h.algorithm.decision = nil }},
		{"error", func(h *harness) { h.algorithm.err = errors.New("script error") }},
		{"negative rate", func(h *harness) { h.algorithm.decision = &models.DosingDecision{Rate: -1} }},
		{"negative duration", func(h *harness) { h.algorithm.decision = &models.DosingDecision{Rate: 1, Duration: -30} }},
		{"rate above max basal", func(h *harness) {
			h.algorithm.decision = &models.DosingDecision{Rate: 3.5, Duration: 30, TempBasalRequested: true}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			c := h.controller()
			c.Invoke("first", false)
			require.False(t, c.LastRun().IsZero())

			tt.mutate(h)
			c.Invoke("second", false)

			assert.Nil(t, c.LastDecision())
			assert.True(t, c.LastRun().IsZero())

			e := h.bus.last()
			assert.Equal(t, EventAborted, e.Type)
			assert.Equal(t, "algorithm", e.Kind)
		})
	}
}

func TestInvoke_AlgorithmTimeout(t *testing.T) {
	h := newHarness()
	h.opts.AlgorithmTimeout = 20 * time.Millisecond
	c := h.controller()
	c.Invoke("first", false)

	h.algorithm.block = true
	c.Invoke("second", false)

	assert.Nil(t, c.LastDecision())
	assert.True(t, c.LastRun().IsZero())
	assert.Equal(t, "algorithm", h.bus.last().Kind)
}

func TestInvoke_PreserveOnFailure(t *testing.T) {
	h := newHarness()
	h.opts.PreserveOnFailure = true
	c := h.controller()
	c.Invoke("first", false)
	before := c.State()

	h.algorithm.decision = nil
	c.Invoke("second", false)

	after := c.State()
	require.NotNil(t, after.LastDecision)
	assert.Equal(t, before.LastDecision.ID, after.LastDecision.ID)
	assert.Equal(t, before.LastRun, after.LastRun)
	assert.Equal(t, EventAborted, h.bus.last().Type)
}

func TestInvoke_SerializationFaultStillPublishes(t *testing.T) {
	h := newHarness()
	h.algorithm.decision = &models.DosingDecision{Rate: 1, Duration: 30, TempBasalRequested: true, Raw: []byte(`[1,2]`)}
	c := h.controller()

	c.Invoke("test", false)

	d := c.LastDecision()
	require.NotNil(t, d)
	assert.Equal(t, `[1,2]`, string(d.Raw))
	assert.Equal(t, testNow, d.Timestamp)
	assert.Equal(t, EventDecision, h.bus.last().Type)
}

func TestInvoke_SecondCycleSupersedesFirst(t *testing.T) {
	h := newHarness()
	c := h.controller()

	c.Invoke("first", false)
	first := c.LastDecision()

	h.algorithm.decision = &models.DosingDecision{Rate: 2, Duration: 30, TempBasalRequested: true}
	later := testNow.Add(5 * time.Minute)
	c.opts.Now = func() time.Time { return later }
	c.Invoke("second", false)

	second := c.LastDecision()
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2.0, second.Rate)
	assert.JSONEq(t, `{"timestamp":"2026-03-01T12:05:00.000Z"}`, string(second.Raw))
	assert.Equal(t, later, c.LastRun())
}

func TestInvoke_ConcurrentCallsAreSerialized(t *testing.T) {
	h := newHarness()
	h.algorithm.delay = 5 * time.Millisecond
	c := h.controller()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Invoke("concurrent", false)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, h.algorithm.callCount())
	assert.Equal(t, 1, h.algorithm.maxInFlight)
	assert.Equal(t, 8, h.bus.count())
}

func TestStampTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123e6, time.UTC)

	raw, err := stampTimestamp(nil, at)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2026-03-01T12:00:00.123Z"}`, string(raw))

	_, err = stampTimestamp(json.RawMessage(`"text"`), at)
	assert.Error(t, err)

	_, err = stampTimestamp(json.RawMessage(`null`), at)
	assert.Error(t, err)
}
