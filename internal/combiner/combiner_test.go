package combiner

import (
	"math"
	"testing"

	"whitelight/internal/signal"
)

func assertAllocation(t *testing.T, got TargetAllocation, tqqq, sqqq, bil float64) {
	t.Helper()
	const eps = 1e-4
	if math.Abs(got.TQQQ-tqqq) > eps {
		t.Errorf("TQQQ = %v, want %v", got.TQQQ, tqqq)
	}
	if math.Abs(got.SQQQ-sqqq) > eps {
		t.Errorf("SQQQ = %v, want %v", got.SQQQ, sqqq)
	}
	if math.Abs(got.BIL-bil) > eps {
		t.Errorf("BIL = %v, want %v", got.BIL, bil)
	}
}

// Scenario A - Calm bull.
func TestCombine_ScenarioA_CalmBull(t *testing.T) {
	ctx := signal.MarketContext{Close: 110, SMA200: 100, RealizedVol20: 0.12, DaysBelowSMA200: 0}
	prev := TargetAllocation{TQQQ: 1.0}
	got, state := Combine(ctx, 0, prev, DefaultParams())
	assertAllocation(t, got, 1.0, 0, 0)
	if state != StateLong {
		t.Errorf("state = %v, want LONG", state)
	}
}

// Scenario B - Elevated vol, not crash.
func TestCombine_ScenarioB_ElevatedVol(t *testing.T) {
	ctx := signal.MarketContext{Close: 110, SMA200: 100, RealizedVol20: 0.30, DaysBelowSMA200: 0}
	prev := TargetAllocation{TQQQ: 1.0}
	got, _ := Combine(ctx, 0, prev, DefaultParams())
	assertAllocation(t, got, 0.6667, 0, 0.3333)
}

// Scenario C - Sprint entry: Rule 2 triggers but Rule 3 forces a flip to
// cash first because A_{t-1}.w_tqqq > 0.
func TestCombine_ScenarioC_SprintEntryForcesCashFirst(t *testing.T) {
	ctx := signal.MarketContext{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 3}
	prev := TargetAllocation{TQQQ: 0.5, BIL: 0.5}
	got, state := Combine(ctx, 0, prev, DefaultParams())
	assertAllocation(t, got, 0, 0, 1.0)
	if state != StateTransition {
		t.Errorf("state = %v, want TRANSITION", state)
	}

	// Next session, with the flip behind us, sprint weights apply.
	got2, state2 := Combine(ctx, 0, got, DefaultParams())
	assertAllocation(t, got2, 0, 0.30, 0.70)
	if state2 != StateSprint {
		t.Errorf("state = %v, want SPRINT", state2)
	}
}

// Scenario D - Sprint expiry: sprint window has closed (16 days), Rule 1
// wants TQQQ exposure, but the previous session still holds SQQQ so Rule 3
// forces one cash session.
func TestCombine_ScenarioD_SprintExpiry(t *testing.T) {
	ctx := signal.MarketContext{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 16}
	prev := TargetAllocation{SQQQ: 0.3, BIL: 0.7}
	got, state := Combine(ctx, 0, prev, DefaultParams())
	assertAllocation(t, got, 0, 0, 1.0)
	if state != StateTransition {
		t.Errorf("state = %v, want TRANSITION", state)
	}
}

func TestCombine_WeightsSumToOne(t *testing.T) {
	cases := []signal.MarketContext{
		{Close: 110, SMA200: 100, RealizedVol20: 0.12},
		{Close: 110, SMA200: 100, RealizedVol20: 0.30},
		{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 3},
		{Close: 90, SMA200: 100, RealizedVol20: 0},
	}
	prev := TargetAllocation{TQQQ: 1.0}
	for _, ctx := range cases {
		got, _ := Combine(ctx, 0, prev, DefaultParams())
		sum := got.TQQQ + got.SQQQ + got.BIL
		if math.Abs(sum-1.0) > 1e-6 {
			t.Errorf("weights sum to %v, want 1.0", sum)
		}
		if got.TQQQ < 0 || got.SQQQ < 0 || got.BIL < 0 {
			t.Errorf("negative weight in %+v", got)
		}
		if got.TQQQ > 0 && got.SQQQ > 0 {
			t.Errorf("both TQQQ and SQQQ positive in %+v", got)
		}
	}
}

func TestCombine_ZeroVolDefaultsToFullExposure(t *testing.T) {
	ctx := signal.MarketContext{Close: 110, SMA200: 100, RealizedVol20: 0}
	got, _ := Combine(ctx, 0, Flat, DefaultParams())
	assertAllocation(t, got, 1.0, 0, 0)
}

func TestCombine_SprintBoundedAtSixteenDays(t *testing.T) {
	ctx := signal.MarketContext{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 16}
	got, state := Combine(ctx, 0, Flat, DefaultParams())
	if got.SQQQ != 0 {
		t.Errorf("SQQQ = %v, want 0 beyond the 15-session sprint window", got.SQQQ)
	}
	if state == StateSprint {
		t.Error("state = SPRINT beyond the sprint window")
	}
}

func TestCombine_Deterministic(t *testing.T) {
	ctx := signal.MarketContext{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 3}
	prev := TargetAllocation{TQQQ: 0.5, BIL: 0.5}
	a, _ := Combine(ctx, 0, prev, DefaultParams())
	b, _ := Combine(ctx, 0, prev, DefaultParams())
	if a != b {
		t.Errorf("Combine is not a pure function: %+v != %+v", a, b)
	}
}

// A non-default TargetVol must actually change Rule 1's sizing, or a
// config-supplied override is silently ignored.
func TestCombine_ParamsOverrideTargetVol(t *testing.T) {
	ctx := signal.MarketContext{Close: 110, SMA200: 100, RealizedVol20: 0.30, DaysBelowSMA200: 0}
	params := Params{TargetVol: 0.25, SprintVolThreshold: 0.25, SprintMaxDays: 15}
	got, _ := Combine(ctx, 0, Flat, params)
	assertAllocation(t, got, 0.8333, 0, 0.1667)
}

// A non-default SprintMaxDays must actually change when Rule 2 disarms.
func TestCombine_ParamsOverrideSprintMaxDays(t *testing.T) {
	ctx := signal.MarketContext{Close: 90, SMA200: 100, RealizedVol20: 0.28, DaysBelowSMA200: 6}
	params := Params{TargetVol: 0.20, SprintVolThreshold: 0.25, SprintMaxDays: 5}
	got, state := Combine(ctx, 0, Flat, params)
	if got.SQQQ != 0 {
		t.Errorf("SQQQ = %v, want 0 once SprintMaxDays=5 has elapsed", got.SQQQ)
	}
	if state == StateSprint {
		t.Error("state = SPRINT beyond a params-shortened sprint window")
	}
}
