package indicators

import (
	"math"
	"testing"
)

func TestSMA_Basic(t *testing.T) {
	got, ok := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !ok {
		t.Fatal("SMA ok = false, want true")
	}
	want := (3.0 + 4.0 + 5.0) / 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("SMA = %v, want %v", got, want)
	}
}

func TestSMA_InsufficientHistory(t *testing.T) {
	if _, ok := SMA([]float64{1, 2}, 5); ok {
		t.Error("SMA ok = true, want false for short series")
	}
}

func TestROC_Basic(t *testing.T) {
	got, ok := ROC([]float64{100, 105, 110, 121}, 3)
	if !ok {
		t.Fatal("ROC ok = false")
	}
	want := 121.0/100.0 - 1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ROC = %v, want %v", got, want)
	}
}

func TestRSI_AllGains(t *testing.T) {
	series := make([]float64, 20)
	for i := range series {
		series[i] = float64(i + 1)
	}
	got := RSI(series, 14)
	if got != 100 {
		t.Errorf("RSI = %v, want 100 for monotonically rising series", got)
	}
}

func TestRSI_InsufficientHistory(t *testing.T) {
	if got := RSI([]float64{1, 2, 3}, 14); got != 50 {
		t.Errorf("RSI = %v, want neutral 50", got)
	}
}

func TestBollingerPctB_ZeroWidth(t *testing.T) {
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 50
	}
	if got := BollingerPctB(flat, 20, 2); got != 0.5 {
		t.Errorf("BollingerPctB = %v, want 0.5 for flat series", got)
	}
}

func TestRealizedVolatility_ZeroReturns(t *testing.T) {
	flat := make([]float64, 21)
	for i := range flat {
		flat[i] = 100
	}
	got, ok := RealizedVolatility(flat, 20)
	if !ok {
		t.Fatal("RealizedVolatility ok = false")
	}
	if math.Abs(got) > 1e-9 {
		t.Errorf("RealizedVolatility = %v, want 0 for flat prices", got)
	}
}

func TestLinRegSlope_Rising(t *testing.T) {
	series := []float64{1, 2, 3, 4, 5, 6}
	got := LinRegSlope(series, 6)
	if math.Abs(got-1) > 1e-9 {
		t.Errorf("LinRegSlope = %v, want 1", got)
	}
}

func TestLinRegSlope_InsufficientHistory(t *testing.T) {
	if got := LinRegSlope([]float64{1}, 1); got != 0 {
		t.Errorf("LinRegSlope = %v, want 0", got)
	}
}

func TestZScore_ZeroVariance(t *testing.T) {
	window := []float64{5, 5, 5, 5}
	if got := ZScore(5, window); got != 0 {
		t.Errorf("ZScore = %v, want 0 for zero-variance window", got)
	}
}

func TestZScore_Basic(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5}
	got := ZScore(5, window)
	if got <= 0 {
		t.Errorf("ZScore = %v, want positive for value above mean", got)
	}
}
