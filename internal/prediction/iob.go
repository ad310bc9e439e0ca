package prediction

import (
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

const tick = 5 * time.Minute

// IobCalculator projects insulin on board from boluses and the net insulin
// of temp basals.
type IobCalculator struct {
	history History
	cfg     Config
}

// NewIobCalculator creates an IOB calculator over the history
func NewIobCalculator(history History, cfg Config) *IobCalculator {
	return &IobCalculator{history: history, cfg: cfg}
}

// dose is a single insulin amount delivered at a point in time; temp
// basals are split into 5 minute doses relative to the scheduled rate,
// so they can be negative.
type dose struct {
	at    time.Time
	units float64
	basal bool
}

// IobArray returns the IOB projection in 5 minute steps from now until the
// end of insulin action. It is empty when no profile is available.
func (c *IobCalculator) IobArray(profile *models.Profile) []models.IobTotal {
	if profile == nil {
		return nil
	}
	now := c.cfg.now()
	dia := diaMinutes(profile)
	doses := c.doses(profile, now, dia)

	n := int(dia/5) + 1
	out := make([]models.IobTotal, 0, n)
	for i := 0; i < n; i++ {
		at := now.Add(time.Duration(i) * tick)
		out = append(out, c.totalAt(doses, at, dia))
	}
	return out
}

func (c *IobCalculator) totalAt(doses []dose, at time.Time, dia float64) models.IobTotal {
	total := models.IobTotal{Time: at}
	for _, d := range doses {
		minutes := at.Sub(d.at).Minutes()
		if minutes < 0 || minutes >= dia {
			continue
		}
		remaining, activity := iobCurve(minutes, c.cfg.InsulinPeakMinutes, dia)
		iob := d.units * remaining
		total.IOB += iob
		total.Activity += d.units * activity
		if d.basal {
			total.BasalIOB += iob
		} else {
			total.BolusIOB += iob
		}
	}
	total.IOB = round(total.IOB, 3)
	total.Activity = round(total.Activity, 4)
	total.BolusIOB = round(total.BolusIOB, 3)
	total.BasalIOB = round(total.BasalIOB, 3)
	return total
}

func (c *IobCalculator) doses(profile *models.Profile, now time.Time, dia float64) []dose {
	since := now.Add(-time.Duration(dia * float64(time.Minute)))
	var out []dose
	for _, t := range c.history.Treatments() {
		start := t.Time()
		if t.HasInsulin() && !start.Before(since) && !start.After(now) {
			out = append(out, dose{at: start, units: t.Insulin})
		}
		if !t.IsTempBasal() {
			continue
		}

		end := t.End()
		if end.After(now) {
			end = now
		}
		for seg := start; seg.Before(end); seg = seg.Add(tick) {
			if seg.Before(since) {
				continue
			}
			length := tick
			if rest := end.Sub(seg); rest < tick {
				length = rest
			}
			scheduled := profile.BasalAt(seg)
			net := (t.TempBasalRate(scheduled) - scheduled) * length.Hours()
			if net != 0 {
				out = append(out, dose{at: seg, units: net, basal: true})
			}
		}
	}
	return out
}
