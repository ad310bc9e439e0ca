package prediction

import (
	"sort"
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// lowest plausible sensor value; lower values are error codes
const minSensorValue = 39

// GlucoseStatusFrom builds the glucose snapshot from recent entries. Deltas
// are per 5 minutes: delta averages readings 2.5-7.5 minutes old, the short
// average 2.5-17.5 minutes and the long average 17.5-42.5 minutes. It
// returns nil when the latest reading is older than maxAge.
func GlucoseStatusFrom(entries []models.GlucoseEntry, now time.Time, maxAge time.Duration) *models.GlucoseStatus {
	valid := make([]models.GlucoseEntry, 0, len(entries))
	for _, e := range entries {
		if e.SGV >= minSensorValue && !e.Time().After(now) {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Date > valid[j].Date })

	latest := valid[0]
	if now.Sub(latest.Time()) > maxAge {
		return nil
	}

	var last, short, long []float64
	for _, e := range valid[1:] {
		minutesAgo := latest.Time().Sub(e.Time()).Minutes()
		if minutesAgo <= 0 {
			continue
		}
		change := float64(latest.SGV-e.SGV) / minutesAgo * 5
		switch {
		case minutesAgo > 2.5 && minutesAgo <= 7.5:
			last = append(last, change)
			short = append(short, change)
		case minutesAgo > 7.5 && minutesAgo <= 17.5:
			short = append(short, change)
		case minutesAgo > 17.5 && minutesAgo <= 42.5:
			long = append(long, change)
		}
	}

	status := &models.GlucoseStatus{
		Glucose:       float64(latest.SGV),
		ShortAvgDelta: round(mean(short), 2),
		LongAvgDelta:  round(mean(long), 2),
		Date:          latest.Time(),
	}
	if len(last) > 0 {
		status.Delta = round(mean(last), 2)
	} else {
		status.Delta = status.ShortAvgDelta
	}
	return status
}

// GlucoseReader adapts GlucoseStatusFrom to the history
type GlucoseReader struct {
	history History
	cfg     Config
}

// NewGlucoseReader creates a glucose reader over the history
func NewGlucoseReader(history History, cfg Config) *GlucoseReader {
	return &GlucoseReader{history: history, cfg: cfg}
}

// CurrentStatus returns the glucose snapshot, nil without a fresh reading
func (r *GlucoseReader) CurrentStatus() *models.GlucoseStatus {
	return GlucoseStatusFrom(r.history.Entries(), r.cfg.now(), r.cfg.MaxGlucoseAge)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
