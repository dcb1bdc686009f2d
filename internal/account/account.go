// Package account holds the broker-facing value types the core reads and
// writes each run: positions, the account snapshot, planned orders, and
// fills. Nothing here talks to a broker; internal/broker defines that
// capability set.
package account

import "github.com/shopspring/decimal"

// Side is the direction of a planned or filled order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus is the terminal or in-flight state of a submitted order.
type OrderStatus string

const (
	Filled   OrderStatus = "FILLED"
	Partial  OrderStatus = "PARTIAL"
	Rejected OrderStatus = "REJECTED"
	Canceled OrderStatus = "CANCELED"
)

// Position is one symbol's whole-share holding. Quantity is always an
// integer number of shares; the core never takes fractional positions.
type Position struct {
	Symbol       string
	Quantity     int64
	AvgCost      decimal.Decimal
	MarketValue  decimal.Decimal
}

// Snapshot is a read-through view of broker state at the start of a run.
// Equity must equal Cash plus the sum of every position's MarketValue;
// callers that construct one by hand are responsible for that invariant.
type Snapshot struct {
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	Positions map[string]Position
}

// QuantityOf returns the held share count for symbol, or 0 if the account
// holds no position in it.
func (s Snapshot) QuantityOf(symbol string) int64 {
	if p, ok := s.Positions[symbol]; ok {
		return p.Quantity
	}
	return 0
}

// PlannedOrder is one line of a reconciliation plan: a whole-share buy or
// sell with its estimated notional at the close used to size it.
type PlannedOrder struct {
	Symbol            string
	Side              Side
	Quantity          int64
	EstimatedNotional decimal.Decimal
}

// Fill is the outcome of submitting and polling one order.
type Fill struct {
	OrderID        string
	Symbol         string
	Side           Side
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal
	Status         OrderStatus
}
