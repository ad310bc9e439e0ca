package loop

import (
	"time"

	"github.com/mrcode/amaloop/internal/models"
)

// CycleState is the outcome of the last completed cycle.
// LastRun is zero whenever LastDecision is nil.
type CycleState struct {
	LastDecision *models.DosingDecision
	LastRun      time.Time
	LastAutosens *models.AutosensResult
}

func (s CycleState) clone() CycleState {
	c := CycleState{
		LastDecision: s.LastDecision.Clone(),
		LastRun:      s.LastRun,
	}
	if s.LastAutosens != nil {
		as := *s.LastAutosens
		c.LastAutosens = &as
	}
	return c
}

// Phase is the controller's position in the cycle
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseValidating
	PhaseAggregating
	PhaseComputing
	PhasePublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseAggregating:
		return "aggregating"
	case PhaseComputing:
		return "computing"
	case PhasePublishing:
		return "publishing"
	default:
		return "idle"
	}
}
