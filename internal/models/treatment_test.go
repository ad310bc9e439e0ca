package models

import (
	"testing"
	"time"
)

func TestTreatment_ToTempTarget(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tr := Treatment{
		EventType:    TreatmentEventTypes.TemporaryTarget,
		Date:         start.UnixMilli(),
		Duration:     60,
		TargetBottom: 140,
		TargetTop:    160,
		Units:        UnitMgdl,
		Reason:       "Activity",
	}

	tt := tr.ToTempTarget()
	if tt == nil {
		t.Fatal("ToTempTarget() returned nil")
	}
	if tt.Low != 140 || tt.High != 160 || tt.Duration != time.Hour {
		t.Errorf("unexpected temp target: %+v", tt)
	}

	tr.Duration = 0
	if tr.ToTempTarget() != nil {
		t.Error("cancellation should not produce a temp target")
	}
}

func TestTreatment_ToTempTarget_Mmol(t *testing.T) {
	tr := Treatment{
		EventType:    TreatmentEventTypes.TemporaryTarget,
		Date:         time.Now().UnixMilli(),
		Duration:     30,
		TargetBottom: 5,
		TargetTop:    5,
		Units:        UnitMmol,
	}

	tt := tr.ToTempTarget()
	if tt == nil || tt.Low < 90 || tt.Low > 90.2 {
		t.Errorf("expected ~90.09 mg/dL, got %+v", tt)
	}
}

func TestTreatment_TempBasalRate(t *testing.T) {
	tests := []struct {
		name string
		tr   Treatment
		want float64
	}{
		{"absolute", Treatment{Absolute: 1.5}, 1.5},
		{"rate field", Treatment{Rate: 0.7}, 0.7},
		{"percent", Treatment{Percent: -50}, 0.5},
		{"zero temp", Treatment{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.TempBasalRate(1.0); got != tt.want {
				t.Errorf("TempBasalRate() = %v, want %v", got, tt.want)
			}
		})
	}
}
