// Package broker defines the brokerage capability set (§6.2) the executor
// and backtest replay drive orders through, plus a SimulatedBroker used by
// the deterministic backtest core.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whitelight/internal/account"
)

// Client is the capability set every brokerage implementation must satisfy.
// Two concrete implementations exist with identical semantics: a primary
// and an optional secondary, selected by the executor on failover.
type Client interface {
	GetAccount(ctx context.Context) (account.Snapshot, error)
	SubmitMarketOrder(ctx context.Context, symbol string, side account.Side, quantity int64) (string, error)
	PollOrder(ctx context.Context, orderID string) (account.Fill, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// SimulatedBroker fills every order instantly at a configured close price,
// the matcher the deterministic backtest replay drives the combiner and
// reconciler against instead of a live brokerage.
type SimulatedBroker struct {
	mu        sync.Mutex
	snapshot  account.Snapshot
	closes    map[string]decimal.Decimal
	marketOpen bool
	orders    map[string]account.Fill
	slippageBps decimal.Decimal
}

// NewSimulatedBroker seeds a simulated account with starting cash and no
// positions.
func NewSimulatedBroker(startingCash decimal.Decimal, slippageBps decimal.Decimal) *SimulatedBroker {
	return &SimulatedBroker{
		snapshot: account.Snapshot{
			Equity:    startingCash,
			Cash:      startingCash,
			Positions: map[string]account.Position{},
		},
		closes:      map[string]decimal.Decimal{},
		marketOpen:  true,
		orders:      map[string]account.Fill{},
		slippageBps: slippageBps,
	}
}

// SetCloses updates the simulated session's closing prices. Call once per
// replay day before submitting orders.
func (b *SimulatedBroker) SetCloses(closes map[string]decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, px := range closes {
		b.closes[sym] = px
	}
}

// MarkToMarket recomputes Equity/MarketValue from the current closes map
// and applies a daily BIL yield accrual when configured.
func (b *SimulatedBroker) MarkToMarket(bilDailyYield decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.snapshot.Cash
	for sym, pos := range b.snapshot.Positions {
		px, ok := b.closes[sym]
		if !ok {
			equity = equity.Add(pos.MarketValue)
			continue
		}
		mv := decimal.NewFromInt(pos.Quantity).Mul(px)
		pos.MarketValue = mv
		b.snapshot.Positions[sym] = pos
		equity = equity.Add(mv)
	}
	if !bilDailyYield.IsZero() {
		if pos, ok := b.snapshot.Positions["BIL"]; ok {
			accrual := pos.MarketValue.Mul(bilDailyYield)
			b.snapshot.Cash = b.snapshot.Cash.Add(accrual)
			equity = equity.Add(accrual)
		}
	}
	b.snapshot.Equity = equity
}

func (b *SimulatedBroker) GetAccount(ctx context.Context) (account.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make(map[string]account.Position, len(b.snapshot.Positions))
	for k, v := range b.snapshot.Positions {
		positions[k] = v
	}
	return account.Snapshot{Equity: b.snapshot.Equity, Cash: b.snapshot.Cash, Positions: positions}, nil
}

func (b *SimulatedBroker) SubmitMarketOrder(ctx context.Context, symbol string, side account.Side, quantity int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	px, ok := b.closes[symbol]
	if !ok {
		return "", fmt.Errorf("broker.SimulatedBroker: no close price for %s", symbol)
	}
	fillPx := applySlippage(px, side, b.slippageBps)
	notional := decimal.NewFromInt(quantity).Mul(fillPx)

	pos := b.snapshot.Positions[symbol]
	switch side {
	case account.Buy:
		b.snapshot.Cash = b.snapshot.Cash.Sub(notional)
		pos.Quantity += quantity
	case account.Sell:
		b.snapshot.Cash = b.snapshot.Cash.Add(notional)
		pos.Quantity -= quantity
	}
	pos.Symbol = symbol
	pos.MarketValue = decimal.NewFromInt(pos.Quantity).Mul(px)
	b.snapshot.Positions[symbol] = pos

	orderID := uuid.NewString()
	b.orders[orderID] = account.Fill{
		OrderID: orderID, Symbol: symbol, Side: side,
		FilledQuantity: quantity, AvgFillPrice: fillPx, Status: account.Filled,
	}
	return orderID, nil
}

func applySlippage(px decimal.Decimal, side account.Side, bps decimal.Decimal) decimal.Decimal {
	if bps.IsZero() {
		return px
	}
	adj := px.Mul(bps).Div(decimal.NewFromInt(10000))
	if side == account.Buy {
		return px.Add(adj)
	}
	return px.Sub(adj)
}

func (b *SimulatedBroker) PollOrder(ctx context.Context, orderID string) (account.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fill, ok := b.orders[orderID]
	if !ok {
		return account.Fill{}, fmt.Errorf("broker.SimulatedBroker: unknown order %s", orderID)
	}
	return fill, nil
}

func (b *SimulatedBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return false, nil
}

func (b *SimulatedBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketOpen, nil
}

// Symbols returns the symbols currently held, sorted alphabetically, purely
// as a convenience for backtest reporting.
func (b *SimulatedBroker) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.snapshot.Positions))
	for sym := range b.snapshot.Positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
