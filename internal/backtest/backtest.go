// Package backtest replays the same Combiner and Reconciler the live
// pipeline uses against a SimulatedBroker, day by day over cached history,
// and reduces the resulting equity curve to the summary metrics the engine
// reports for a backtest run (§4.6).
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
	"whitelight/internal/broker"
	"whitelight/internal/combiner"
	"whitelight/internal/marketdata"
	"whitelight/internal/reconcile"
	"whitelight/internal/signal"
	"whitelight/internal/whitelighterr"
)

// WarmupBars is how many leading sessions the replay consumes before it
// starts trusting signals, matching the 200-day SMA plus the S4 252-day
// z-score window with headroom (§4.6 step 2).
const WarmupBars = 260

// Bars bundles the aligned full histories for NDX and the three tradeable
// symbols; NDX drives the signals, and the tradeables' closes drive the
// simulated broker and the reconciler's Closes.
type Bars struct {
	NDX  marketdata.History
	TQQQ marketdata.History
	SQQQ marketdata.History
	BIL  marketdata.History
}

// EquityPoint is one session's recorded state in the replay.
type EquityPoint struct {
	Date       time.Time
	Equity     decimal.Decimal
	Allocation combiner.TargetAllocation
	Composite  float64
	State      combiner.State
}

// Trade records one filled order during the replay.
type Trade struct {
	Date   time.Time
	Symbol string
	Side   account.Side
	Qty    int64
	Price  decimal.Decimal
}

// Metrics is the summary performance report over a replay's equity curve,
// the backtest analogue of the account popup's PnL summary.
type Metrics struct {
	CAGR               float64
	MaxDrawdownPct     float64
	MaxDrawdownNotional float64
	MaxDrawdownDays     int
	Sharpe             float64
	Sortino            float64
	Calmar             float64
	ProfitFactor       float64
	WinRate            float64
	AvgWin             float64
	AvgLoss            float64
	ExpectancyPerTrade float64
	AvgTradeDuration   time.Duration
	TotalDays          int
}

// Result is the full output of a replay: the equity curve, the trade list,
// and the reduced Metrics.
type Result struct {
	Equity  []EquityPoint
	Trades  []Trade
	Metrics Metrics
}

// Config tunes a replay beyond the fixed Combiner/Reconciler rules.
type Config struct {
	StartingCash       decimal.Decimal
	SlippageBps        decimal.Decimal
	BilAPR             decimal.Decimal
	TradingDaysPerYear int

	// CombinerParams/ReconcileParams let a replay exercise the same
	// config.Config tunables a live run reads, so a --config override
	// changes backtest behavior identically to live behavior.
	CombinerParams  combiner.Params
	ReconcileParams reconcile.Params
}

// DefaultConfig returns the replay defaults used when the caller doesn't
// override them.
func DefaultConfig() Config {
	return Config{
		StartingCash:       decimal.NewFromInt(100000),
		SlippageBps:        decimal.Zero,
		BilAPR:             decimal.NewFromFloat(0.05),
		TradingDaysPerYear: 252,
		CombinerParams:     combiner.DefaultParams(),
		ReconcileParams:    reconcile.DefaultParams(),
	}
}

// Run replays the pipeline over bars from start+WarmupBars to the end of
// the supplied history, validating alignment first (§4.6 step 1). NDX
// supplies the trend context; TQQQ/SQQQ/BIL are the tradeable instruments.
func Run(ctx context.Context, bars Bars, calendar []time.Time, cfg Config) (Result, error) {
	if err := validateAligned(bars, calendar); err != nil {
		return Result{}, err
	}
	if len(bars.NDX.Bars) <= WarmupBars {
		return Result{}, whitelighterr.New(whitelighterr.Invariant, "backtest.Run",
			fmt.Errorf("history has %d sessions, need more than %d for warm-up", len(bars.NDX.Bars), WarmupBars))
	}

	sim := broker.NewSimulatedBroker(cfg.StartingCash, cfg.SlippageBps)
	strategies := signal.Default()
	dailyBilYield := cfg.BilAPR.Div(decimal.NewFromInt(int64(cfg.TradingDaysPerYear)))

	prevAlloc := combiner.Flat
	var equityCurve []EquityPoint
	var trades []Trade

	for i := WarmupBars; i < len(bars.NDX.Bars); i++ {
		date := bars.NDX.Bars[i].Date

		ndxToDate := marketdata.History{Symbol: bars.NDX.Symbol, Bars: bars.NDX.Bars[:i+1]}
		mktCtx := signal.BuildMarketContext(ndxToDate)
		signals := signal.ComputeAll(strategies, ndxToDate)
		composite := signal.CompositeScore(signals)

		alloc, state := combiner.Combine(mktCtx, composite, prevAlloc, cfg.CombinerParams)

		tqqqClose, okT := closeAt(bars.TQQQ, date)
		sqqqClose, okS := closeAt(bars.SQQQ, date)
		bilClose, okB := closeAt(bars.BIL, date)
		if !okT || !okS || !okB {
			return Result{}, whitelighterr.New(whitelighterr.DataGap, "backtest.Run",
				fmt.Errorf("missing tradeable close on %s", date))
		}
		sim.SetCloses(map[string]decimal.Decimal{"TQQQ": tqqqClose, "SQQQ": sqqqClose, "BIL": bilClose})

		snapshot, err := sim.GetAccount(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("backtest.Run: get account: %w", err)
		}
		plan := reconcile.BuildPlan(alloc, snapshot, reconcile.Closes{TQQQ: tqqqClose, SQQQ: sqqqClose, BIL: bilClose}, cfg.ReconcileParams)

		for _, order := range plan {
			orderID, err := sim.SubmitMarketOrder(ctx, order.Symbol, order.Side, order.Quantity)
			if err != nil {
				return Result{}, fmt.Errorf("backtest.Run: submit %s %s: %w", order.Side, order.Symbol, err)
			}
			fill, err := sim.PollOrder(ctx, orderID)
			if err != nil {
				return Result{}, fmt.Errorf("backtest.Run: poll: %w", err)
			}
			trades = append(trades, Trade{
				Date: date, Symbol: fill.Symbol, Side: fill.Side,
				Qty: fill.FilledQuantity, Price: fill.AvgFillPrice,
			})
		}

		sim.MarkToMarket(dailyBilYield)
		finalSnapshot, err := sim.GetAccount(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("backtest.Run: mark to market: %w", err)
		}

		equityCurve = append(equityCurve, EquityPoint{
			Date: date, Equity: finalSnapshot.Equity,
			Allocation: alloc, Composite: composite, State: state,
		})
		prevAlloc = alloc
	}

	return Result{
		Equity:  equityCurve,
		Trades:  trades,
		Metrics: computeMetrics(equityCurve, trades, cfg.TradingDaysPerYear),
	}, nil
}

func closeAt(h marketdata.History, date time.Time) (decimal.Decimal, bool) {
	for _, b := range h.Bars {
		if b.Date.Equal(date) {
			return b.Close, true
		}
	}
	return decimal.Zero, false
}

// validateAligned confirms every tradeable series is gap-free against
// calendar and shares NDX's session dates, so the replay never applies an
// order against a stale or missing close.
func validateAligned(bars Bars, calendar []time.Time) error {
	for _, h := range []marketdata.History{bars.NDX, bars.TQQQ, bars.SQQQ, bars.BIL} {
		if err := h.Validate(calendar); err != nil {
			return whitelighterr.New(whitelighterr.DataGap, "backtest.validateAligned", err)
		}
	}
	if len(bars.TQQQ.Bars) != len(bars.NDX.Bars) || len(bars.SQQQ.Bars) != len(bars.NDX.Bars) || len(bars.BIL.Bars) != len(bars.NDX.Bars) {
		return whitelighterr.New(whitelighterr.DataGap, "backtest.validateAligned",
			fmt.Errorf("tradeable session counts do not match NDX: tqqq=%d sqqq=%d bil=%d ndx=%d",
				len(bars.TQQQ.Bars), len(bars.SQQQ.Bars), len(bars.BIL.Bars), len(bars.NDX.Bars)))
	}
	return nil
}

// computeMetrics reduces an equity curve and trade list to the summary
// metrics §4.6 asks for. Returns on each session are simple
// close-to-close percentage changes of equity, and the
// whole computation is pure arithmetic over the already-recorded curve, so
// re-running Run against identical bars and config reproduces it exactly.
func computeMetrics(curve []EquityPoint, trades []Trade, tradingDaysPerYear int) Metrics {
	if len(curve) < 2 {
		return Metrics{TotalDays: len(curve)}
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}

	startEquity, _ := curve[0].Equity.Float64()
	endEquity, _ := curve[len(curve)-1].Equity.Float64()
	years := float64(len(curve)) / float64(tradingDaysPerYear)

	var cagr float64
	if startEquity > 0 && years > 0 {
		cagr = math.Pow(endEquity/startEquity, 1/years) - 1
	}

	maxDD, maxDDNotional, maxDDDays := maxDrawdown(curve)

	mu := mean(returns)
	sigma := math.Sqrt(variance(returns))
	var sharpe float64
	if sigma > 0 {
		sharpe = mu / sigma * math.Sqrt(float64(tradingDaysPerYear))
	}

	downside := downsideDeviation(returns)
	var sortino float64
	if downside > 0 {
		sortino = mu / downside * math.Sqrt(float64(tradingDaysPerYear))
	}

	var calmar float64
	if maxDD > 0 {
		calmar = cagr / maxDD
	}

	wins, losses := tradePnL(trades)
	var grossProfit, grossLoss, totalWin, totalLoss float64
	for _, w := range wins {
		grossProfit += w
		totalWin += w
	}
	for _, l := range losses {
		grossLoss += -l
		totalLoss += -l
	}
	var profitFactor float64
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	}

	totalRoundTrips := len(wins) + len(losses)
	var winRate, avgWin, avgLoss, expectancy float64
	if totalRoundTrips > 0 {
		winRate = float64(len(wins)) / float64(totalRoundTrips) * 100
	}
	if len(wins) > 0 {
		avgWin = totalWin / float64(len(wins))
	}
	if len(losses) > 0 {
		avgLoss = totalLoss / float64(len(losses))
	}
	if totalRoundTrips > 0 {
		wr := float64(len(wins)) / float64(totalRoundTrips)
		lr := float64(len(losses)) / float64(totalRoundTrips)
		expectancy = wr*avgWin - lr*avgLoss
	}

	return Metrics{
		CAGR:                cagr,
		MaxDrawdownPct:      maxDD * 100,
		MaxDrawdownNotional: maxDDNotional,
		MaxDrawdownDays:     maxDDDays,
		Sharpe:              sharpe,
		Sortino:             sortino,
		Calmar:              calmar,
		ProfitFactor:        profitFactor,
		WinRate:             winRate,
		AvgWin:              avgWin,
		AvgLoss:             avgLoss,
		ExpectancyPerTrade:  expectancy,
		AvgTradeDuration:    avgTradeDuration(trades),
		TotalDays:           len(curve),
	}
}

// maxDrawdown returns the deepest peak-to-trough decline as a fraction, the
// dollar size of that decline, and the calendar-day span between the peak
// and the trough, mirroring the cumulative-peak walk the account popup's
// PnL summary uses for its own max-drawdown figure.
func maxDrawdown(curve []EquityPoint) (pct, notional float64, days int) {
	peak, _ := curve[0].Equity.Float64()
	peakDate := curve[0].Date
	var maxDD, maxDDNotional float64
	var maxDDDays int

	for _, pt := range curve {
		eq, _ := pt.Equity.Float64()
		if eq > peak {
			peak = eq
			peakDate = pt.Date
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - eq) / peak
		if dd > maxDD {
			maxDD = dd
			maxDDNotional = peak - eq
			maxDDDays = int(pt.Date.Sub(peakDate).Hours() / 24)
		}
	}
	return maxDD, maxDDNotional, maxDDDays
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

// downsideDeviation is the Sortino denominator: the standard deviation of
// only the negative returns, against a zero minimum acceptable return.
func downsideDeviation(returns []float64) float64 {
	var sum float64
	var n int
	for _, r := range returns {
		if r < 0 {
			sum += r * r
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// tradePnL pairs each symbol's sequential fills into closed round trips
// (buy then a later sell reducing the position back toward zero) and
// returns their realized P&L, positive entries first.
func tradePnL(trades []Trade) (wins, losses []float64) {
	bySymbol := map[string][]Trade{}
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		fills := bySymbol[sym]
		var openQty int64
		var openCostBasis decimal.Decimal
		for _, f := range fills {
			switch f.Side {
			case account.Buy:
				openCostBasis = openCostBasis.Add(f.Price.Mul(decimal.NewFromInt(f.Qty)))
				openQty += f.Qty
			case account.Sell:
				closedQty := f.Qty
				if closedQty > openQty {
					closedQty = openQty
				}
				if openQty > 0 && closedQty > 0 {
					avgCost := openCostBasis.Div(decimal.NewFromInt(openQty))
					pnl := f.Price.Sub(avgCost).Mul(decimal.NewFromInt(closedQty))
					pnlF, _ := pnl.Float64()
					if pnlF >= 0 {
						wins = append(wins, pnlF)
					} else {
						losses = append(losses, pnlF)
					}
					openCostBasis = openCostBasis.Sub(avgCost.Mul(decimal.NewFromInt(closedQty)))
					openQty -= closedQty
				}
			}
		}
	}
	return wins, losses
}

func avgTradeDuration(trades []Trade) time.Duration {
	bySymbol := map[string][]Trade{}
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	var total time.Duration
	var n int
	for _, fills := range bySymbol {
		var openDate time.Time
		var open bool
		var openQty int64
		for _, f := range fills {
			switch f.Side {
			case account.Buy:
				if !open {
					openDate = f.Date
					open = true
				}
				openQty += f.Qty
			case account.Sell:
				openQty -= f.Qty
				if open && openQty <= 0 {
					total += f.Date.Sub(openDate)
					n++
					open = false
					openQty = 0
				}
			}
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}
