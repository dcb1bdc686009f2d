// Package combiner turns a MarketContext and the previous session's
// TargetAllocation into today's TargetAllocation. It is a pure function:
// same inputs, same outputs, no persisted state beyond what the caller
// threads through A_{t-1} (§6.6 derives that from broker positions at run
// start, not from anything this package remembers).
package combiner

import (
	"math"

	"whitelight/internal/signal"
)

const (
	// SprintTQQQWeight, SprintSQQQWeight, SprintBILWeight are the fixed
	// sprint-regime weights (Rule 2). Unlike TargetVol/SprintVolThreshold/
	// SprintMaxDays below, spec.md §4.3 Rule 2 states these as literal
	// constants, not tunables, so they stay package constants rather than
	// Params fields.
	SprintTQQQWeight = 0.0
	SprintSQQQWeight = 0.30
	SprintBILWeight  = 0.70
)

// Params carries the combiner tunables spec.md §9 lists as config options
// (target_vol, sprint_vol_threshold, sprint_max_days), read from
// config.Config by the caller rather than hardcoded here, so a YAML
// override actually reaches Rule 1/Rule 2.
type Params struct {
	// TargetVol is the annualized volatility the engine sizes TQQQ exposure
	// against.
	TargetVol float64
	// SprintVolThreshold is the realized-vol floor that arms the SQQQ crash
	// sprint (Rule 2).
	SprintVolThreshold float64
	// SprintMaxDays bounds how long the sprint stays armed after NDX
	// crosses below its 200-day SMA.
	SprintMaxDays int
}

// DefaultParams returns the engine's shipped combiner tunables, matching
// config.Default()'s TargetVol/SprintVolThreshold/SprintMaxDays.
func DefaultParams() Params {
	return Params{TargetVol: 0.20, SprintVolThreshold: 0.25, SprintMaxDays: 15}
}

// State names the nominal regime a TargetAllocation was produced under.
type State string

const (
	StateLong       State = "LONG"
	StateSprint     State = "SPRINT"
	StateCash       State = "CASH"
	StateTransition State = "TRANSITION"
)

// TargetAllocation is the portfolio weights the Reconciler sizes shares
// against. The three weights always sum to 1.0 and at most one of TQQQ,
// SQQQ is strictly positive — both invariants are enforced by Combine and
// never by a caller adjusting the struct after the fact.
type TargetAllocation struct {
	TQQQ float64
	SQQQ float64
	BIL  float64
}

// Flat is the all-cash allocation used as A_0 and as the Rule 3 transition
// output.
var Flat = TargetAllocation{TQQQ: 0, SQQQ: 0, BIL: 1.0}

// Combine applies Rules 1-4 in order against ctx and the previous session's
// allocation, returning today's TargetAllocation and the State it was
// produced under. composite is accepted for telemetry symmetry with the
// rest of the pipeline; it never participates in the decision (§4.2).
func Combine(ctx signal.MarketContext, composite float64, prev TargetAllocation, params Params) (TargetAllocation, State) {
	_ = composite

	tqqqBase := ruleVolatilityTarget(ctx, params)
	sprintActive := ruleCrashSprintActive(ctx, params)

	var tqqq, sqqq float64
	var state State
	if sprintActive {
		tqqq, sqqq, state = SprintTQQQWeight, SprintSQQQWeight, StateSprint
	} else {
		tqqq, sqqq, state = tqqqBase, 0, StateLong
	}

	if directFlip(prev, tqqq, sqqq) {
		return Flat, StateTransition
	}

	return fillWithBIL(tqqq, sqqq), state
}

// ruleVolatilityTarget is Rule 1: size TQQQ inversely to realized vol,
// capped at full exposure, defaulting to full exposure when vol is
// undefined or zero.
func ruleVolatilityTarget(ctx signal.MarketContext, params Params) float64 {
	if ctx.RealizedVol20 <= 0 {
		return 1.0
	}
	w := params.TargetVol / ctx.RealizedVol20
	if w > 1.0 {
		return 1.0
	}
	return w
}

// ruleCrashSprintActive is Rule 2: all three conditions must hold for the
// sprint to arm. Outside the params.SprintMaxDays window, no SQQQ position
// is taken even if realized vol stays elevated.
func ruleCrashSprintActive(ctx signal.MarketContext, params Params) bool {
	return ctx.Close < ctx.SMA200 &&
		ctx.RealizedVol20 >= params.SprintVolThreshold &&
		ctx.DaysBelowSMA200 >= 1 &&
		ctx.DaysBelowSMA200 <= params.SprintMaxDays
}

// directFlip is Rule 3: a hard invariant forbidding a same-session swap
// between opposite-signed leveraged positions.
func directFlip(prev TargetAllocation, tqqq, sqqq float64) bool {
	if sqqq > 0 && prev.TQQQ > 0 {
		return true
	}
	if tqqq > 0 && prev.SQQQ > 0 {
		return true
	}
	return false
}

// fillWithBIL is Rule 4: BIL absorbs whatever TQQQ/SQQQ don't use, with any
// rounding residue from the 4-decimal-place representation landing on BIL
// so the three weights sum to exactly 1.0.
func fillWithBIL(tqqq, sqqq float64) TargetAllocation {
	tqqq = round4(tqqq)
	sqqq = round4(sqqq)
	bil := round4(1.0 - tqqq - sqqq)
	residual := 1.0 - (tqqq + sqqq + bil)
	bil += residual
	return TargetAllocation{TQQQ: tqqq, SQQQ: sqqq, BIL: bil}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
