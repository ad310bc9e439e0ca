package models

import (
	"testing"
	"time"
)

func testProfile() *Profile {
	return &Profile{
		DIA: 5,
		CarbRatio: Schedule{
			{Time: "00:00", Value: 10},
			{Time: "06:00", Value: 8},
		},
		Sens:       Schedule{{Time: "00:00", TimeAsSeconds: 0, Value: 50}},
		Basal:      Schedule{{Time: "00:00", Value: 0.8}, {Time: "04:00", Value: 1.1}, {Time: "09:00", Value: 0.9}},
		TargetLow:  Schedule{{Time: "00:00", Value: 80}},
		TargetHigh: Schedule{{Time: "00:00", Value: 180}},
		Units:      UnitMgdl,
		Timezone:   "UTC",
	}
}

func TestSchedule_At(t *testing.T) {
	p := testProfile()

	tests := []struct {
		name    string
		seconds int
		want    float64
	}{
		{"midnight", 0, 0.8},
		{"before 04:00", 4*3600 - 1, 0.8},
		{"at 04:00", 4 * 3600, 1.1},
		{"evening", 20 * 3600, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Basal.At(tt.seconds); got != tt.want {
				t.Errorf("At(%d) = %v, want %v", tt.seconds, got, tt.want)
			}
		})
	}

	if Schedule(nil).At(100) != 0 {
		t.Error("empty schedule should return 0")
	}
}

func TestProfile_Targets(t *testing.T) {
	p := testProfile()
	at := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	if p.TargetLowMgdl(at) != 80 || p.TargetHighMgdl(at) != 180 {
		t.Errorf("targets = %v/%v, want 80/180", p.TargetLowMgdl(at), p.TargetHighMgdl(at))
	}
	if p.TargetMgdl(at) != 130 {
		t.Errorf("TargetMgdl = %v, want 130", p.TargetMgdl(at))
	}
	p.Target = Schedule{{Time: "00:00", Value: 100}}
	if p.TargetMgdl(at) != 100 {
		t.Errorf("TargetMgdl with explicit target = %v, want 100", p.TargetMgdl(at))
	}
	if p.IcAt(p.SecondsFromMidnight(at)) != 8 {
		t.Errorf("IcAt = %v, want 8", p.IcAt(p.SecondsFromMidnight(at)))
	}
	if p.MaxDailyBasal() != 1.1 {
		t.Errorf("MaxDailyBasal = %v, want 1.1", p.MaxDailyBasal())
	}
}

func TestProfile_MmolConversion(t *testing.T) {
	p := testProfile()
	p.Units = UnitMmol
	p.Sens = Schedule{{Time: "00:00", Value: 3}}
	at := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

	got := p.IsfMgdl(at)
	if got < 54 || got > 54.1 {
		t.Errorf("IsfMgdl = %v, want ~54.05", got)
	}
}

func TestProfileStore_Active(t *testing.T) {
	store := &ProfileStore{
		DefaultProfile: "Default",
		Store:          map[string]Profile{"Default": *testProfile()},
	}
	p := store.Active()
	if p == nil || p.Name != "Default" {
		t.Fatalf("Active() = %+v, want Default profile", p)
	}

	store.DefaultProfile = "Missing"
	if store.Active() != nil {
		t.Error("Active() should be nil for unknown default profile")
	}
}

func TestProfile_EffectiveDIA(t *testing.T) {
	tests := []struct {
		dia  float64
		want float64
	}{
		{3, MinDIA},
		{0, MinDIA},
		{5, 5},
		{6.5, 6.5},
	}

	for _, tt := range tests {
		p := &Profile{DIA: tt.dia}
		if got := p.EffectiveDIA(); got != tt.want {
			t.Errorf("EffectiveDIA() with DIA %v = %v, want %v", tt.dia, got, tt.want)
		}
	}
}
