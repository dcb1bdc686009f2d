package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/marketdata"
)

func openTestCache(t *testing.T) *SQLiteBarCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutGet_RoundTrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	date := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	history := marketdata.History{
		Symbol: "TQQQ",
		Bars: []marketdata.Bar{
			{Date: date, Open: decimal.NewFromFloat(50), High: decimal.NewFromFloat(51),
				Low: decimal.NewFromFloat(49), Close: decimal.NewFromFloat(50.5), Volume: decimal.NewFromInt(1000)},
		},
	}
	if err := c.Put(ctx, history); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(ctx, "TQQQ", date.AddDate(0, 0, -1), date.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(got.Bars))
	}
	if !got.Bars[0].Close.Equal(decimal.NewFromFloat(50.5)) {
		t.Errorf("close = %v, want 50.5", got.Bars[0].Close)
	}
}

func TestLatestDate_EmptyCache(t *testing.T) {
	c := openTestCache(t)
	if _, ok := c.LatestDate(context.Background(), "TQQQ"); ok {
		t.Error("LatestDate ok = true for an empty cache")
	}
}

func TestAcquireRunLock_RejectsSecondRun(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	release, err := c.AcquireRunLock(ctx, "session-1")
	if err != nil {
		t.Fatalf("first AcquireRunLock: %v", err)
	}
	if _, err := c.AcquireRunLock(ctx, "session-2"); err == nil {
		t.Error("second AcquireRunLock succeeded while the cache was locked")
	}
	release()

	release2, err := c.AcquireRunLock(ctx, "session-3")
	if err != nil {
		t.Fatalf("AcquireRunLock after release: %v", err)
	}
	release2()
}
