package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
	"whitelight/internal/alert"
	"whitelight/internal/backtest"
	"whitelight/internal/broker"
	"whitelight/internal/cache"
	"whitelight/internal/config"
	"whitelight/internal/marketdata"
	"whitelight/internal/whitelighterr"
)

func openTestCache(t *testing.T) *cache.SQLiteBarCache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// seedHistory inserts n sessions ending at "now" so loadHistories never
// needs to reach the network provider.
func seedHistory(t *testing.T, c *cache.SQLiteBarCache, now time.Time, symbol string, n int, fn func(i int) float64) {
	t.Helper()
	start := now.AddDate(0, 0, -(n - 1))
	bars := make([]marketdata.Bar, n)
	for i := 0; i < n; i++ {
		px := decimal.NewFromFloat(fn(i))
		bars[i] = marketdata.Bar{
			Date: start.AddDate(0, 0, i), Open: px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(1000),
		}
	}
	if err := c.Put(context.Background(), marketdata.History{Symbol: symbol, Bars: bars}); err != nil {
		t.Fatalf("seed %s: %v", symbol, err)
	}
}

type unreachableProvider struct{}

func (unreachableProvider) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) (marketdata.History, error) {
	return marketdata.History{}, whitelighterr.New(whitelighterr.DataGap, "test.unreachableProvider", nil)
}
func (unreachableProvider) HealthCheck(ctx context.Context) bool { return false }

// healthyCacheOnlyProvider never reaches the network but reports healthy,
// distinguishing "the feed is stale" from "GetDailyBars would fail" so the
// health-check gate's own failure path can be tested independently.
type healthyCacheOnlyProvider struct{ unreachableProvider }

func (healthyCacheOnlyProvider) HealthCheck(ctx context.Context) bool { return true }

func newTestDeps(t *testing.T, now time.Time) (Deps, *broker.SimulatedBroker) {
	t.Helper()
	c := openTestCache(t)
	n := backtest.WarmupBars + 30

	seedHistory(t, c, now, "NDX", n, func(i int) float64 { return 10000 + float64(i)*5 })
	seedHistory(t, c, now, "TQQQ", n, func(i int) float64 { return 50 + float64(i)*0.1 })
	seedHistory(t, c, now, "SQQQ", n, func(i int) float64 { return 100 - float64(i)*0.05 })
	seedHistory(t, c, now, "BIL", n, func(i int) float64 { return 91.0 })

	sim := broker.NewSimulatedBroker(decimal.NewFromInt(100000), decimal.Zero)
	sim.SetCloses(map[string]decimal.Decimal{
		"TQQQ": decimal.NewFromFloat(50 + float64(n-1)*0.1),
		"SQQQ": decimal.NewFromFloat(100 - float64(n-1)*0.05),
		"BIL":  decimal.NewFromFloat(91.0),
	})

	return Deps{
		Cache:    c,
		Provider: healthyCacheOnlyProvider{},
		Primary:  sim,
		Alerts:   alert.NoopTransport{},
		Config:   config.Default(),
	}, sim
}

func TestRunLive_SuccessWithNoInitialPositions(t *testing.T) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	deps, _ := newTestDeps(t, now)
	// The executor checks its deadline against the wall clock, so the
	// market close is set relative to the real current time, not to the
	// midnight-truncated session date.
	marketClose := time.Now().Add(6 * time.Hour)

	code, err := RunLive(context.Background(), deps, "session-1", now, marketClose)
	if err != nil {
		t.Fatalf("RunLive: %v", err)
	}
	if code != ExitSuccess {
		t.Errorf("exit code = %d, want %d", code, ExitSuccess)
	}
}

func TestRunLive_InsufficientHistoryIsDataUnavailable(t *testing.T) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	c := openTestCache(t)
	seedHistory(t, c, now, "NDX", 50, func(i int) float64 { return 10000 })
	seedHistory(t, c, now, "TQQQ", 50, func(i int) float64 { return 50 })
	seedHistory(t, c, now, "SQQQ", 50, func(i int) float64 { return 100 })
	seedHistory(t, c, now, "BIL", 50, func(i int) float64 { return 91 })

	sim := broker.NewSimulatedBroker(decimal.NewFromInt(100000), decimal.Zero)
	sim.SetCloses(map[string]decimal.Decimal{
		"TQQQ": decimal.NewFromFloat(50), "SQQQ": decimal.NewFromFloat(100), "BIL": decimal.NewFromFloat(91),
	})
	deps := Deps{Cache: c, Provider: healthyCacheOnlyProvider{}, Primary: sim, Alerts: alert.NoopTransport{}, Config: config.Default()}

	code, err := RunLive(context.Background(), deps, "session-2", now, now.Add(6*time.Hour))
	if err == nil {
		t.Fatal("RunLive returned nil error for insufficient history")
	}
	if code != ExitDataUnavailable {
		t.Errorf("exit code = %d, want %d", code, ExitDataUnavailable)
	}
}

func TestRunLive_SecondRunRejectedWhileLocked(t *testing.T) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	deps, _ := newTestDeps(t, now)

	release, err := deps.Cache.AcquireRunLock(context.Background(), "holder")
	if err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	defer release()

	code, err := RunLive(context.Background(), deps, "session-3", now, now.Add(6*time.Hour))
	if err == nil {
		t.Fatal("RunLive returned nil error while the cache was already locked")
	}
	if code != ExitBrokerFailure {
		t.Errorf("exit code = %d, want %d", code, ExitBrokerFailure)
	}
}

func TestRunLive_StaleFeedFailsHealthCheckBeforeLoadingHistory(t *testing.T) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	deps, _ := newTestDeps(t, now)
	deps.Provider = unreachableProvider{}

	code, err := RunLive(context.Background(), deps, "session-4", now, now.Add(6*time.Hour))
	if err == nil {
		t.Fatal("RunLive returned nil error for a provider that fails its health check")
	}
	if !whitelighterr.Is(err, whitelighterr.DataGap) {
		t.Errorf("error kind = %v, want DataGap", err)
	}
	if code != ExitDataUnavailable {
		t.Errorf("exit code = %d, want %d", code, ExitDataUnavailable)
	}
}

// unhealthyBroker reports HealthCheck failure without ever being asked for
// an account snapshot, proving the gate runs before loadHistories/order
// submission rather than only at account-read time.
type unhealthyBroker struct{ *broker.SimulatedBroker }

func (unhealthyBroker) HealthCheck(ctx context.Context) bool { return false }

func TestRunLive_UnhealthyPrimaryBrokerIsBrokerFailure(t *testing.T) {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	deps, sim := newTestDeps(t, now)
	deps.Primary = unhealthyBroker{sim}

	code, err := RunLive(context.Background(), deps, "session-5", now, now.Add(6*time.Hour))
	if err == nil {
		t.Fatal("RunLive returned nil error for a broker that fails its health check")
	}
	if !whitelighterr.Is(err, whitelighterr.BrokerTransient) {
		t.Errorf("error kind = %v, want BrokerTransient", err)
	}
	if code != ExitBrokerFailure {
		t.Errorf("exit code = %d, want %d", code, ExitBrokerFailure)
	}
}

func TestDeriveAllocation_FromExistingPositions(t *testing.T) {
	snapshot := account.Snapshot{
		Equity: decimal.NewFromInt(1000),
		Cash:   decimal.NewFromInt(200),
		Positions: map[string]account.Position{
			"SQQQ": {Symbol: "SQQQ", Quantity: 8, MarketValue: decimal.NewFromInt(800)},
		},
	}
	alloc := deriveAllocation(snapshot)
	if alloc.SQQQ <= 0 {
		t.Errorf("SQQQ weight = %v, want > 0 given an existing SQQQ position", alloc.SQQQ)
	}
	if alloc.TQQQ != 0 {
		t.Errorf("TQQQ weight = %v, want 0", alloc.TQQQ)
	}
}
