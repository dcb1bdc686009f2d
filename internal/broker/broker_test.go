package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
)

func TestSimulatedBroker_BuyThenSell(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBroker(decimal.NewFromInt(100000), decimal.Zero)
	b.SetCloses(map[string]decimal.Decimal{"TQQQ": decimal.NewFromInt(50)})

	orderID, err := b.SubmitMarketOrder(ctx, "TQQQ", account.Buy, 100)
	if err != nil {
		t.Fatalf("SubmitMarketOrder: %v", err)
	}
	fill, err := b.PollOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("PollOrder: %v", err)
	}
	if fill.Status != account.Filled || fill.FilledQuantity != 100 {
		t.Errorf("fill = %+v, want 100 shares filled", fill)
	}

	snap, err := b.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if snap.Positions["TQQQ"].Quantity != 100 {
		t.Errorf("TQQQ quantity = %v, want 100", snap.Positions["TQQQ"].Quantity)
	}
	wantCash := decimal.NewFromInt(100000).Sub(decimal.NewFromInt(5000))
	if !snap.Cash.Equal(wantCash) {
		t.Errorf("cash = %v, want %v", snap.Cash, wantCash)
	}

	if _, err := b.SubmitMarketOrder(ctx, "TQQQ", account.Sell, 40); err != nil {
		t.Fatalf("sell: %v", err)
	}
	snap, _ = b.GetAccount(ctx)
	if snap.Positions["TQQQ"].Quantity != 60 {
		t.Errorf("TQQQ quantity after sell = %v, want 60", snap.Positions["TQQQ"].Quantity)
	}
}

func TestSimulatedBroker_MarkToMarket(t *testing.T) {
	ctx := context.Background()
	b := NewSimulatedBroker(decimal.NewFromInt(100000), decimal.Zero)
	b.SetCloses(map[string]decimal.Decimal{"TQQQ": decimal.NewFromInt(50)})
	if _, err := b.SubmitMarketOrder(ctx, "TQQQ", account.Buy, 100); err != nil {
		t.Fatal(err)
	}

	b.SetCloses(map[string]decimal.Decimal{"TQQQ": decimal.NewFromInt(60)})
	b.MarkToMarket(decimal.Zero)

	snap, _ := b.GetAccount(ctx)
	wantEquity := snap.Cash.Add(decimal.NewFromInt(6000))
	if !snap.Equity.Equal(wantEquity) {
		t.Errorf("equity = %v, want %v", snap.Equity, wantEquity)
	}
}

func TestSimulatedBroker_UnknownOrder(t *testing.T) {
	b := NewSimulatedBroker(decimal.NewFromInt(1000), decimal.Zero)
	if _, err := b.PollOrder(context.Background(), "nonexistent"); err == nil {
		t.Error("PollOrder returned nil error for an unknown order id")
	}
}
