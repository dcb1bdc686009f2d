// Package signal turns price history into bounded, stateless trading
// signals. Every sub-strategy is a pure value implementing SubStrategy; none
// of them retain memory between calls, and none discover each other at
// runtime — the set S1-S7 is enumerated once in Default().
package signal

import (
	"whitelight/internal/indicators"
	"whitelight/internal/marketdata"
)

// Strength buckets a raw_score into the five-way classification callers use
// for telemetry and logging. Raw scores feed only the telemetry composite;
// neither raw_score nor Strength feeds the Combiner's allocation.
type Strength string

const (
	StrongBull Strength = "STRONG_BULL"
	Bull       Strength = "BULL"
	Neutral    Strength = "NEUTRAL"
	Bear       Strength = "BEAR"
	StrongBear Strength = "STRONG_BEAR"
)

// ClassifyStrength buckets a raw_score in [-1,1] into a Strength. Thresholds
// are shared by every sub-strategy so a -0.5 from S1 and a -0.5 from S5 read
// the same way downstream. They are not symmetric: STRONG_BULL starts at
// 0.7, STRONG_BEAR at -0.5.
func ClassifyStrength(rawScore float64) Strength {
	switch {
	case rawScore >= 0.7:
		return StrongBull
	case rawScore > 0.15:
		return Bull
	case rawScore <= -0.5:
		return StrongBear
	case rawScore < -0.15:
		return Bear
	default:
		return Neutral
	}
}

// Signal is one sub-strategy's verdict at a single session.
type Signal struct {
	Name     string
	RawScore float64
	Strength Strength
	Weight   float64
}

// clamp restricts a raw score to the [-1,1] contract every sub-strategy
// must honor.
func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

// MarketContext is the shared read of a symbol's state at date t that the
// Combiner (not this package) consumes alongside the composite score.
type MarketContext struct {
	Close           float64
	SMA200          float64
	RealizedVol20   float64
	DaysBelowSMA200 int
}

// BuildMarketContext derives MarketContext from an NDX-style price history.
// daysBelowSMA200 is the running count of consecutive sessions, ending at
// and including the last bar, on which close <= sma_200; it resets to 0 the
// moment a session closes above its own SMA200.
func BuildMarketContext(history marketdata.History) MarketContext {
	closes := history.Closes()
	sma200, _ := indicators.SMA(closes, 200)
	vol20, _ := indicators.RealizedVolatility(closes, 20)
	return MarketContext{
		Close:           lastOrZero(closes),
		SMA200:          sma200,
		RealizedVol20:   vol20,
		DaysBelowSMA200: daysBelowSMA200(closes),
	}
}

func lastOrZero(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// daysBelowSMA200 walks backward from the end of the series counting
// consecutive sessions whose close sits at or below that session's own
// 200-day SMA, stopping at the first session above it or when the series
// runs out of the 200-bar history SMA needs.
func daysBelowSMA200(closes []float64) int {
	count := 0
	for end := len(closes); end >= 200; end-- {
		window := closes[:end]
		sma, ok := indicators.SMA(window, 200)
		if !ok {
			break
		}
		close := window[len(window)-1]
		if close > sma {
			break
		}
		count++
	}
	return count
}

// SubStrategy is the capability set every S1-S7 variant implements: a name,
// a fixed weight, and a pure function from history to Signal. Variants are
// enumerated in Default(), never discovered dynamically.
type SubStrategy interface {
	Name() string
	Weight() float64
	Compute(history marketdata.History) Signal
}

// Default returns the seven sub-strategies in S1-S7 order with their fixed
// weights, summing to 1.0.
func Default() []SubStrategy {
	return []SubStrategy{
		PrimaryTrend{},
		Intermediate{},
		ShortTerm{},
		TrendStrength{},
		MomentumVelocity{},
		BollingerMeanRev{},
		VolatilityRegime{},
	}
}

// CompositeScore computes C_t = sum(weight_i * raw_score_i) across the
// supplied signals. It is reported for telemetry only; it never drives
// allocation (§4.2).
func CompositeScore(signals []Signal) float64 {
	var c float64
	for _, s := range signals {
		c += s.Weight * s.RawScore
	}
	return c
}

// ComputeAll runs every sub-strategy against history in order, returning one
// Signal per strategy.
func ComputeAll(strategies []SubStrategy, history marketdata.History) []Signal {
	out := make([]Signal, len(strategies))
	for i, s := range strategies {
		out[i] = s.Compute(history)
	}
	return out
}

// smaAt computes SMA(n) over the closes series truncated to exclude the
// last `back` sessions, letting a sub-strategy look at "SMA50 as of
// yesterday" without mutating history.
func smaAt(closes []float64, n, back int) (float64, bool) {
	if back < 0 || back >= len(closes) {
		return 0, false
	}
	end := len(closes) - back
	return indicators.SMA(closes[:end], n)
}
