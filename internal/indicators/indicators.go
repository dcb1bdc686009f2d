// Package indicators implements the numerical primitives sub-strategies are
// built from. Every function is a pure function of its input series; none
// of them retain state between calls.
package indicators

import "math"

// SMA returns the arithmetic mean of the last n values of series and true,
// or (0, false) if series is shorter than n.
func SMA(series []float64, n int) (float64, bool) {
	if n <= 0 || len(series) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[len(series)-n:] {
		sum += v
	}
	return sum / float64(n), true
}

// ROC is the rate of change over n periods: series[t]/series[t-n] - 1.
func ROC(series []float64, n int) (float64, bool) {
	if n <= 0 || len(series) < n+1 {
		return 0, false
	}
	last := series[len(series)-1]
	prior := series[len(series)-1-n]
	if prior == 0 {
		return 0, false
	}
	return last/prior - 1, true
}

// RSI computes Wilder's Relative Strength Index over n periods (classical
// default 14), smoothed the way the reference indicator set in this pack
// computes it: a simple average to seed, then Wilder smoothing thereafter.
// Returns the neutral midpoint 50 when there isn't enough history.
func RSI(series []float64, n int) float64 {
	if n <= 0 || len(series) < n+1 {
		return 50
	}
	gains := make([]float64, 0, len(series)-1)
	losses := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		change := series[i] - series[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 0; i < n; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(n)
	avgLoss /= float64(n)
	for i := n; i < len(gains); i++ {
		avgGain = (avgGain*float64(n-1) + gains[i]) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + losses[i]) / float64(n)
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// BollingerPctB returns (price - lowerBand) / (upperBand - lowerBand) for
// bands SMA(n) +/- k*stdev(n). Returns 0.5 (neutral) when the bands have
// zero width or there isn't enough history.
func BollingerPctB(series []float64, n int, k float64) float64 {
	mean, ok := SMA(series, n)
	if !ok {
		return 0.5
	}
	sd := stdevSample(series[len(series)-n:], mean)
	upper := mean + k*sd
	lower := mean - k*sd
	width := upper - lower
	if width == 0 {
		return 0.5
	}
	price := series[len(series)-1]
	return (price - lower) / width
}

// RealizedVolatility annualizes the sample standard deviation of the last n
// daily log returns by multiplying by sqrt(252).
func RealizedVolatility(series []float64, n int) (float64, bool) {
	if n <= 0 || len(series) < n+1 {
		return 0, false
	}
	window := series[len(series)-n-1:]
	returns := make([]float64, 0, n)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	if len(returns) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	sd := stdevSample(returns, mean)
	return sd * math.Sqrt(252), true
}

// LinRegSlope is the OLS slope of series[last-n+1..last] against indices
// 0..n-1. Returns 0 when there isn't enough history or the window is
// degenerate (zero variance in the index axis never happens for n>1, but we
// guard anyway for n<=1).
func LinRegSlope(series []float64, n int) float64 {
	if n <= 1 || len(series) < n {
		return 0
	}
	window := series[len(series)-n:]
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// ZScore returns (value - mean(window)) / stdev(window), or 0 when the
// window has zero variance or fewer than 2 points.
func ZScore(value float64, window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	sd := stdevSample(window, mean)
	if sd == 0 {
		return 0
	}
	return (value - mean) / sd
}

// stdevSample is the sample standard deviation (n-1 denominator) of values
// around the supplied mean.
func stdevSample(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}
