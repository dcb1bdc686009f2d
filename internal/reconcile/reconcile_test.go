package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
	"whitelight/internal/combiner"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Scenario E - Reconcile skip: a 2% delta sits under the 5% rebalance
// threshold, so no order is produced even though it exceeds MinOrderNotional.
func TestBuildPlan_ScenarioE_BelowRebalanceThreshold(t *testing.T) {
	snapshot := account.Snapshot{
		Equity: dec(100000),
		Cash:   dec(10000),
		Positions: map[string]account.Position{
			"TQQQ": {Symbol: "TQQQ", Quantity: 1800, MarketValue: dec(90000)},
		},
	}
	target := combiner.TargetAllocation{TQQQ: 0.92, BIL: 0.08}
	closes := Closes{TQQQ: dec(50), BIL: dec(100)}

	plan := BuildPlan(target, snapshot, closes, DefaultParams())
	for _, o := range plan {
		if o.Symbol == "TQQQ" {
			t.Errorf("expected no TQQQ order under the rebalance threshold, got %+v", o)
		}
	}
}

func TestBuildPlan_SellsBeforeBuys(t *testing.T) {
	snapshot := account.Snapshot{
		Equity: dec(100000),
		Cash:   dec(0),
		Positions: map[string]account.Position{
			"TQQQ": {Symbol: "TQQQ", Quantity: 1800},
		},
	}
	target := combiner.TargetAllocation{SQQQ: 0.5, BIL: 0.5}
	closes := Closes{TQQQ: dec(50), SQQQ: dec(20), BIL: dec(100)}

	plan := BuildPlan(target, snapshot, closes, DefaultParams())
	if len(plan) == 0 {
		t.Fatal("expected a non-empty plan")
	}
	sawBuy := false
	for _, o := range plan {
		if o.Side == account.Buy {
			sawBuy = true
		}
		if o.Side == account.Sell && sawBuy {
			t.Errorf("sell order %+v appeared after a buy", o)
		}
	}
}

func TestBuildPlan_AlphabeticalTieBreakWithinGroup(t *testing.T) {
	snapshot := account.Snapshot{
		Equity:    dec(100000),
		Positions: map[string]account.Position{},
	}
	target := combiner.TargetAllocation{TQQQ: 0, SQQQ: 0.5, BIL: 0.5}
	closes := Closes{TQQQ: dec(50), SQQQ: dec(20), BIL: dec(100)}

	plan := BuildPlan(target, snapshot, closes, DefaultParams())
	buys := make([]string, 0)
	for _, o := range plan {
		if o.Side == account.Buy {
			buys = append(buys, o.Symbol)
		}
	}
	for i := 1; i < len(buys); i++ {
		if buys[i] < buys[i-1] {
			t.Errorf("buy orders not alphabetical: %v", buys)
		}
	}
}

func TestBuildPlan_DropsBelowMinOrderNotional(t *testing.T) {
	snapshot := account.Snapshot{
		Equity: dec(100000),
		Positions: map[string]account.Position{
			"BIL": {Symbol: "BIL", Quantity: 19999},
		},
	}
	target := combiner.TargetAllocation{BIL: 1.0}
	closes := Closes{BIL: dec(5)}

	plan := BuildPlan(target, snapshot, closes, DefaultParams())
	if len(plan) != 0 {
		t.Errorf("expected no orders for a sub-$10 delta, got %+v", plan)
	}
}

// A config-supplied override of both filter thresholds must actually
// change which deltas clear the reconciler, or the override is silently
// ignored.
func TestBuildPlan_ParamsOverrideThresholds(t *testing.T) {
	snapshot := account.Snapshot{
		Equity: dec(100000),
		Positions: map[string]account.Position{
			"BIL": {Symbol: "BIL", Quantity: 19999},
		},
	}
	target := combiner.TargetAllocation{BIL: 1.0}
	closes := Closes{BIL: dec(5)}

	// The $5 delta is dropped under the shipped defaults ($10 minimum,
	// 5% of equity) by TestBuildPlan_DropsBelowMinOrderNotional above;
	// lowering both thresholds should let it through.
	plan := BuildPlan(target, snapshot, closes, Params{MinOrderNotional: 1.0, RebalanceThreshold: 0.00001})
	if len(plan) != 1 {
		t.Errorf("expected one order once both thresholds are lowered, got %+v", plan)
	}
}
