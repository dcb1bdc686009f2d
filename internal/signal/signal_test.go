package signal

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/marketdata"
)

// syntheticHistory builds a history of n bars whose closes follow the
// supplied generator fn(i) for i in [0,n).
func syntheticHistory(symbol string, n int, fn func(i int) float64) marketdata.History {
	bars := make([]marketdata.Bar, n)
	start := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		px := decimal.NewFromFloat(fn(i))
		bars[i] = marketdata.Bar{
			Date:  start.AddDate(0, 0, i),
			Open:  px,
			High:  px,
			Low:   px,
			Close: px,
		}
	}
	return marketdata.History{Symbol: symbol, Bars: bars}
}

func TestDefault_WeightsSumToOne(t *testing.T) {
	var sum float64
	for _, s := range Default() {
		sum += s.Weight()
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("sub-strategy weights sum to %v, want 1.0", sum)
	}
}

func TestPrimaryTrend_StrongBull(t *testing.T) {
	history := syntheticHistory("NDX", 300, func(i int) float64 {
		return 1000 + float64(i)*2
	})
	got := PrimaryTrend{}.Compute(history)
	if got.RawScore != 1.0 {
		t.Errorf("S1 raw_score = %v, want 1.0 for a sustained uptrend", got.RawScore)
	}
	if got.Strength != StrongBull {
		t.Errorf("S1 strength = %v, want STRONG_BULL", got.Strength)
	}
}

func TestPrimaryTrend_InsufficientHistory(t *testing.T) {
	history := syntheticHistory("NDX", 10, func(i int) float64 { return 100 })
	got := PrimaryTrend{}.Compute(history)
	if got.RawScore != 0 {
		t.Errorf("S1 raw_score = %v, want 0 with insufficient history", got.RawScore)
	}
}

func TestShiftInvariance_AllStrategies(t *testing.T) {
	fn := func(i int) float64 {
		return 1000 + 50*math.Sin(float64(i)/10) + float64(i)
	}
	long := syntheticHistory("NDX", 400, fn)
	cut := long.Bars[300].Date
	// An independently built history that simply ends at the cut date.
	truncated := syntheticHistory("NDX", 301, fn)

	for _, s := range Default() {
		a := s.Compute(long.At(cut))
		b := s.Compute(truncated)
		if a.RawScore != b.RawScore {
			t.Errorf("%s not shift-invariant: At(t) gave %v, truncated history gave %v", s.Name(), a.RawScore, b.RawScore)
		}
	}
}

func TestClassifyStrength_Boundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Strength
	}{
		{1.0, StrongBull},
		{0.3, Bull},
		{0, Neutral},
		{-0.3, Bear},
		{-0.5, StrongBear},
		{-1.0, StrongBear},
	}
	for _, c := range cases {
		if got := ClassifyStrength(c.score); got != c.want {
			t.Errorf("ClassifyStrength(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestCompositeScore_Basic(t *testing.T) {
	signals := []Signal{
		{Weight: 0.5, RawScore: 1.0},
		{Weight: 0.5, RawScore: -1.0},
	}
	if got := CompositeScore(signals); got != 0 {
		t.Errorf("CompositeScore = %v, want 0", got)
	}
}

func TestBuildMarketContext_DaysBelowSMA200Resets(t *testing.T) {
	history := syntheticHistory("NDX", 260, func(i int) float64 {
		if i < 250 {
			return 1000 + float64(i)
		}
		return 600
	})
	ctx := BuildMarketContext(history)
	if ctx.DaysBelowSMA200 == 0 {
		t.Error("DaysBelowSMA200 = 0, want >0 after a sharp drop below SMA200")
	}
	if ctx.DaysBelowSMA200 > 10 {
		t.Errorf("DaysBelowSMA200 = %v, want a small running count, not a full-history count", ctx.DaysBelowSMA200)
	}
}
