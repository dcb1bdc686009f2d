// Package reconcile turns a fractional TargetAllocation and a live
// AccountSnapshot into the minimal set of whole-share orders that moves the
// account from its current state to the target.
package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
	"whitelight/internal/combiner"
)

// Params carries the reconciler tunables spec.md §9 lists as config
// options (min_order_notional, rebalance_threshold), read from
// config.Config by the caller rather than hardcoded here, so a YAML
// override actually reaches the §4.4 step 4/5 filters.
type Params struct {
	// MinOrderNotional is the smallest dollar size worth submitting an
	// order for (§4.4 step 4).
	MinOrderNotional float64
	// RebalanceThreshold is the minimum fraction of equity a delta must
	// represent before it is worth trading (§4.4 step 5).
	RebalanceThreshold float64
}

// DefaultParams returns the engine's shipped reconciler tunables, matching
// config.Default()'s MinOrderNotional/RebalanceThreshold.
func DefaultParams() Params {
	return Params{MinOrderNotional: 10.0, RebalanceThreshold: 0.05}
}

// Closes carries the latest close for each symbol the Reconciler sizes
// shares against.
type Closes struct {
	TQQQ decimal.Decimal
	SQQQ decimal.Decimal
	BIL  decimal.Decimal
}

func (c Closes) forSymbol(symbol string) decimal.Decimal {
	switch symbol {
	case "TQQQ":
		return c.TQQQ
	case "SQQQ":
		return c.SQQQ
	case "BIL":
		return c.BIL
	default:
		return decimal.Zero
	}
}

// BuildPlan implements §4.4: fractional target -> integer share deltas,
// filtered by minimum order notional and rebalance threshold, returned as
// sells first then buys, each group ordered alphabetically by symbol for a
// deterministic submission sequence.
func BuildPlan(target combiner.TargetAllocation, snapshot account.Snapshot, closes Closes, params Params) []account.PlannedOrder {
	weights := map[string]float64{"TQQQ": target.TQQQ, "SQQQ": target.SQQQ, "BIL": target.BIL}

	var sells, buys []account.PlannedOrder
	for _, symbol := range []string{"BIL", "SQQQ", "TQQQ"} {
		close := closes.forSymbol(symbol)
		if close.IsZero() {
			continue
		}
		targetNotional := decimal.NewFromFloat(weights[symbol]).Mul(snapshot.Equity)
		targetShares := targetNotional.Div(close).Floor()
		if targetShares.IsNegative() {
			targetShares = decimal.Zero
		}

		currentQty := snapshot.QuantityOf(symbol)
		delta := targetShares.Sub(decimal.NewFromInt(currentQty))
		if delta.IsZero() {
			continue
		}

		notional := delta.Abs().Mul(close)
		if notional.LessThan(decimal.NewFromFloat(params.MinOrderNotional)) {
			continue
		}
		if notional.LessThan(decimal.NewFromFloat(params.RebalanceThreshold).Mul(snapshot.Equity)) {
			continue
		}

		qty := delta.Abs().IntPart()
		order := account.PlannedOrder{
			Symbol:            symbol,
			Quantity:          qty,
			EstimatedNotional: notional,
		}
		if delta.IsNegative() {
			order.Side = account.Sell
			sells = append(sells, order)
		} else {
			order.Side = account.Buy
			buys = append(buys, order)
		}
	}

	sortBySymbol(sells)
	sortBySymbol(buys)

	plan := make([]account.PlannedOrder, 0, len(sells)+len(buys))
	plan = append(plan, sells...)
	plan = append(plan, buys...)
	return plan
}

func sortBySymbol(orders []account.PlannedOrder) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].Symbol < orders[j].Symbol })
}
