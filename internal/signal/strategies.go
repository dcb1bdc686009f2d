package signal

import (
	"whitelight/internal/indicators"
	"whitelight/internal/marketdata"
)

const (
	s1Epsilon = 0.005
	s1Weight  = 0.25
	s2Weight  = 0.15
	s3Weight  = 0.10
	s4Weight  = 0.10
	s5Weight  = 0.15
	s6Weight  = 0.15
	s7Weight  = 0.10
)

func signalFor(name string, weight, rawScore float64) Signal {
	rawScore = clamp(rawScore)
	return Signal{Name: name, RawScore: rawScore, Strength: ClassifyStrength(rawScore), Weight: weight}
}

// PrimaryTrend is S1: close vs SMA50 vs SMA250, with a two-session
// confirmation hysteresis band on the SMA50/SMA250 crossover.
type PrimaryTrend struct{}

func (PrimaryTrend) Name() string    { return "S1_PrimaryTrend" }
func (PrimaryTrend) Weight() float64 { return s1Weight }

func (PrimaryTrend) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	if !ok {
		return signalFor("S1_PrimaryTrend", s1Weight, 0)
	}
	sma50, ok50 := indicators.SMA(closes, 50)
	sma250, ok250 := indicators.SMA(closes, 250)
	if !ok50 || !ok250 {
		return signalFor("S1_PrimaryTrend", s1Weight, 0)
	}
	bullAligned := smaAboveFor(closes, 50, 250, 2, true)
	bearAligned := smaAboveFor(closes, 50, 250, 2, false)

	switch {
	case close >= sma50*(1+s1Epsilon) && bullAligned:
		return signalFor("S1_PrimaryTrend", s1Weight, 1.0)
	case close <= sma50*(1-s1Epsilon) && bearAligned:
		return signalFor("S1_PrimaryTrend", s1Weight, -0.5)
	default:
		return signalFor("S1_PrimaryTrend", s1Weight, 0)
	}
}

// smaAboveFor reports whether SMA(fast) has stood strictly above (above=true)
// or below (above=false) SMA(slow) for the last `sessions` consecutive
// sessions, ending at the latest bar.
func smaAboveFor(closes []float64, fast, slow, sessions int, above bool) bool {
	for back := 0; back < sessions; back++ {
		smaFast, okFast := smaAt(closes, fast, back)
		smaSlow, okSlow := smaAt(closes, slow, back)
		if !okFast || !okSlow {
			return false
		}
		if above && smaFast <= smaSlow {
			return false
		}
		if !above && smaFast >= smaSlow {
			return false
		}
	}
	return true
}

func lastClose(closes []float64) (float64, bool) {
	if len(closes) == 0 {
		return 0, false
	}
	return closes[len(closes)-1], true
}

// Intermediate is S2: close vs SMA20 vs SMA100, no hysteresis.
type Intermediate struct{}

func (Intermediate) Name() string    { return "S2_Intermediate" }
func (Intermediate) Weight() float64 { return s2Weight }

func (Intermediate) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	sma20, ok20 := indicators.SMA(closes, 20)
	sma100, ok100 := indicators.SMA(closes, 100)
	if !ok || !ok20 || !ok100 {
		return signalFor("S2_Intermediate", s2Weight, 0)
	}
	closeAboveSMA20 := close > sma20
	sma20AboveSMA100 := sma20 > sma100

	switch {
	case closeAboveSMA20 && sma20AboveSMA100:
		return signalFor("S2_Intermediate", s2Weight, 1.0)
	case closeAboveSMA20 != sma20AboveSMA100:
		return signalFor("S2_Intermediate", s2Weight, 0.3)
	case close < sma20 && sma20 < sma100:
		return signalFor("S2_Intermediate", s2Weight, -0.5)
	default:
		return signalFor("S2_Intermediate", s2Weight, 0)
	}
}

// ShortTerm is S3: close vs SMA10 vs SMA30.
type ShortTerm struct{}

func (ShortTerm) Name() string    { return "S3_ShortTerm" }
func (ShortTerm) Weight() float64 { return s3Weight }

func (ShortTerm) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	sma10, ok10 := indicators.SMA(closes, 10)
	sma30, ok30 := indicators.SMA(closes, 30)
	if !ok || !ok10 || !ok30 {
		return signalFor("S3_ShortTerm", s3Weight, 0)
	}
	switch {
	case close > sma10 && sma10 > sma30:
		return signalFor("S3_ShortTerm", s3Weight, 1.0)
	case close > sma10 && sma10 < sma30:
		return signalFor("S3_ShortTerm", s3Weight, 0.5)
	case close < sma10 && sma10 < sma30:
		return signalFor("S3_ShortTerm", s3Weight, -0.3)
	default:
		return signalFor("S3_ShortTerm", s3Weight, 0)
	}
}

// TrendStrength is S4: a 60-day OLS slope and a 252-day z-score of closes,
// read against which side of SMA200 the market sits on.
type TrendStrength struct{}

func (TrendStrength) Name() string    { return "S4_TrendStrength" }
func (TrendStrength) Weight() float64 { return s4Weight }

func (TrendStrength) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	sma200, ok200 := indicators.SMA(closes, 200)
	if !ok || !ok200 {
		return signalFor("S4_TrendStrength", s4Weight, 0)
	}
	slope := indicators.LinRegSlope(closes, 60)
	window := closes
	if len(window) > 252 {
		window = window[len(window)-252:]
	}
	z := indicators.ZScore(close, window)

	aboveSMA := close > sma200
	slopeUp := slope > 0
	aligned := aboveSMA == slopeUp

	absZ := z
	if absZ < 0 {
		absZ = -absZ
	}
	switch {
	case absZ > 1.5 && aligned:
		return signalFor("S4_TrendStrength", s4Weight, 1.0)
	case absZ > 1.5 && !aligned:
		return signalFor("S4_TrendStrength", s4Weight, -0.5)
	case absZ > 0.75 && aligned:
		return signalFor("S4_TrendStrength", s4Weight, 0.5)
	case absZ > 0.75 && !aligned:
		return signalFor("S4_TrendStrength", s4Weight, -0.3)
	default:
		return signalFor("S4_TrendStrength", s4Weight, 0)
	}
}

// MomentumVelocity is S5: ROC14 smoothed by a 3-session SMA, its first
// difference (acceleration), and a ROC5 crash penalty.
type MomentumVelocity struct{}

func (MomentumVelocity) Name() string    { return "S5_MomentumVelocity" }
func (MomentumVelocity) Weight() float64 { return s5Weight }

func (MomentumVelocity) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	roc14Series, ok := rocSeries(closes, 14, 4)
	if !ok {
		return signalFor("S5_MomentumVelocity", s5Weight, 0)
	}
	smoothed, ok := indicators.SMA(roc14Series, 3)
	if !ok {
		return signalFor("S5_MomentumVelocity", s5Weight, 0)
	}
	prevSmoothed, okPrev := indicators.SMA(roc14Series[:len(roc14Series)-1], 3)
	roc5, okROC5 := indicators.ROC(closes, 5)

	var score float64
	switch {
	case okPrev && smoothed > prevSmoothed && smoothed > 0:
		score = 1.0
	case okPrev && smoothed < prevSmoothed && smoothed < 0:
		score = -0.7
	default:
		score = 0
	}
	if okROC5 && roc5 < -0.05 {
		score -= 0.2
	}
	return signalFor("S5_MomentumVelocity", s5Weight, score)
}

// rocSeries computes ROC(n) at the last `points` consecutive sessions,
// oldest first, or (nil, false) if the series is too short.
func rocSeries(closes []float64, n, points int) ([]float64, bool) {
	if points <= 0 || len(closes) < n+points {
		return nil, false
	}
	out := make([]float64, 0, points)
	for back := points - 1; back >= 0; back-- {
		end := len(closes) - back
		val, ok := indicators.ROC(closes[:end], n)
		if !ok {
			return nil, false
		}
		out = append(out, val)
	}
	return out, true
}

// BollingerMeanRev is S6: %B(20,2) read against the SMA200 trend, with a
// tactical-bounce override at extreme %B regardless of trend.
type BollingerMeanRev struct{}

func (BollingerMeanRev) Name() string    { return "S6_BollingerMeanRev" }
func (BollingerMeanRev) Weight() float64 { return s6Weight }

func (BollingerMeanRev) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	sma200, ok200 := indicators.SMA(closes, 200)
	if !ok || !ok200 || len(closes) < 20 {
		return signalFor("S6_BollingerMeanRev", s6Weight, 0)
	}
	pctB := indicators.BollingerPctB(closes, 20, 2)
	uptrend := close > sma200

	switch {
	case pctB < 0.05:
		return signalFor("S6_BollingerMeanRev", s6Weight, 0.8)
	case pctB < 0.2 && uptrend:
		return signalFor("S6_BollingerMeanRev", s6Weight, 1.0)
	case pctB > 0.95 && !uptrend:
		return signalFor("S6_BollingerMeanRev", s6Weight, -0.3)
	default:
		return signalFor("S6_BollingerMeanRev", s6Weight, 0)
	}
}

// VolatilityRegime is S7: the ratio of short- to long-window realized
// volatility read against the SMA100 trend, with a high-vol override.
type VolatilityRegime struct{}

func (VolatilityRegime) Name() string    { return "S7_VolatilityRegime" }
func (VolatilityRegime) Weight() float64 { return s7Weight }

func (VolatilityRegime) Compute(history marketdata.History) Signal {
	closes := history.Closes()
	close, ok := lastClose(closes)
	sma100, ok100 := indicators.SMA(closes, 100)
	vol20, ok20 := indicators.RealizedVolatility(closes, 20)
	vol60, ok60 := indicators.RealizedVolatility(closes, 60)
	if !ok || !ok100 || !ok20 || !ok60 || vol60 == 0 {
		return signalFor("S7_VolatilityRegime", s7Weight, 0)
	}
	ratio := vol20 / vol60
	uptrend := close > sma100

	switch {
	case ratio > 2.0:
		return signalFor("S7_VolatilityRegime", s7Weight, -0.3)
	case ratio < 0.8 && uptrend:
		return signalFor("S7_VolatilityRegime", s7Weight, 1.0)
	default:
		return signalFor("S7_VolatilityRegime", s7Weight, 0)
	}
}
