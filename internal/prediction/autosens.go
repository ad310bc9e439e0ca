package prediction

import (
	"math"
	"sort"
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// Autosens provenance strings
const (
	SensResultSensitive = "Excess insulin sensitivity detected"
	SensResultResistant = "Excess insulin resistance detected"
	SensResultNormal    = "Sensitivity normal"
)

// AutosensDetector compares observed glucose changes with the changes
// expected from insulin and carbs over the last day.
type AutosensDetector struct {
	history History
	cfg     Config
}

// NewAutosensDetector creates a sensitivity detector over the history
func NewAutosensDetector(history History, cfg Config) *AutosensDetector {
	return &AutosensDetector{history: history, cfg: cfg}
}

// LastAutosensData returns the current sensitivity ratio, or nil while
// there are not enough usable 5 minute intervals.
func (d *AutosensDetector) LastAutosensData() *models.AutosensData {
	profile := d.history.ActiveProfile()
	if profile == nil {
		return nil
	}
	now := d.cfg.now()
	cutoff := now.Add(-d.cfg.AutosensWindow)

	entries := append([]models.GlucoseEntry(nil), d.history.Entries()...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date < entries[j].Date })
	treatments := d.history.Treatments()

	var ratios []float64
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.Time().Before(cutoff) || cur.Time().After(now) {
			continue
		}
		gap := cur.Time().Sub(prev.Time()).Minutes()
		if gap < 4 || gap > 6 {
			continue
		}

		actual := float64(cur.SGV - prev.SGV)
		expected := d.expectedDelta(profile, prev.Time(), cur.Time(), treatments)
		// only intervals with a meaningful expected effect
		if math.Abs(expected) > 5 {
			ratios = append(ratios, (actual+100)/(expected+100))
		}
	}

	if len(ratios) < d.cfg.MinDeviations {
		return nil
	}

	ratio := math.Max(d.cfg.AutosensMin, math.Min(d.cfg.AutosensMax, median(ratios)))
	ratio = round(ratio, 2)

	result := SensResultNormal
	switch {
	case ratio > 1:
		result = SensResultResistant
	case ratio < 1:
		result = SensResultSensitive
	}
	return &models.AutosensData{
		Time:   now,
		Result: models.AutosensResult{Ratio: ratio, SensResult: result},
	}
}

// expectedDelta is the glucose change between from and to caused by
// insulin activity and carb absorption.
func (d *AutosensDetector) expectedDelta(profile *models.Profile, from, to time.Time, treatments []models.Treatment) float64 {
	dia := diaMinutes(profile)
	isf := profile.IsfMgdl(from)
	csf := 0.0
	if ic := profile.IcAt(profile.SecondsFromMidnight(from)); ic > 0 {
		csf = isf / ic
	}

	var effect float64
	for _, t := range treatments {
		at := t.Time()
		if t.HasInsulin() {
			remFrom, _ := iobCurve(from.Sub(at).Minutes(), d.cfg.InsulinPeakMinutes, dia)
			remTo, _ := iobCurve(to.Sub(at).Minutes(), d.cfg.InsulinPeakMinutes, dia)
			if used := remFrom - remTo; used > 0 {
				effect -= t.Insulin * used * isf
			}
		}
		if t.HasCarbs() {
			absorbed := d.cfg.carbsAbsorbed(t.Carbs, to.Sub(at).Minutes(), csf) -
				d.cfg.carbsAbsorbed(t.Carbs, from.Sub(at).Minutes(), csf)
			if absorbed > 0 {
				effect += absorbed * csf
			}
		}
	}
	return effect
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
