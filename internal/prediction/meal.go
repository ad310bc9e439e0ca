package prediction

import (
	"github.com/mrcode/amaloop/internal/models"
)

// MealCalculator summarises recent carb entries and their absorption
type MealCalculator struct {
	history History
	cfg     Config
}

// NewMealCalculator creates a meal calculator over the history
func NewMealCalculator(history History, cfg Config) *MealCalculator {
	return &MealCalculator{history: history, cfg: cfg}
}

// CurrentMealData returns carbs and boluses entered in the meal window and
// the carbs not yet absorbed.
func (c *MealCalculator) CurrentMealData() models.MealData {
	now := c.cfg.now()
	since := now.Add(-c.cfg.MealWindow)

	csf := 0.0
	if p := c.history.ActiveProfile(); p != nil {
		if ic := p.IcAt(p.SecondsFromMidnight(now)); ic > 0 {
			csf = p.IsfMgdl(now) / ic
		}
	}

	var meal models.MealData
	for _, t := range c.history.Treatments() {
		at := t.Time()
		if at.Before(since) || at.After(now) {
			continue
		}
		if t.HasInsulin() {
			meal.Boluses += t.Insulin
		}
		if !t.HasCarbs() {
			continue
		}
		meal.Carbs += t.Carbs
		if at.After(meal.LastCarbTime) {
			meal.LastCarbTime = at
		}
		if remaining := t.Carbs - c.cfg.carbsAbsorbed(t.Carbs, now.Sub(at).Minutes(), csf); remaining > 0 {
			meal.MealCOB += remaining
		}
	}

	meal.Carbs = round(meal.Carbs, 1)
	meal.Boluses = round(meal.Boluses, 3)
	meal.MealCOB = round(meal.MealCOB, 1)
	return meal
}
