// Package orchestrator wires bars, indicators, signals, the Combiner, and
// the Executor into one live run (§2 data-flow row 7, §6.6). It holds no
// state of its own between runs: A_{t-1} is derived fresh from broker
// positions each time it runs.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"whitelight/internal/account"
	"whitelight/internal/alert"
	"whitelight/internal/backtest"
	"whitelight/internal/broker"
	"whitelight/internal/cache"
	"whitelight/internal/combiner"
	"whitelight/internal/config"
	"whitelight/internal/executor"
	"whitelight/internal/logger"
	"whitelight/internal/marketdata"
	"whitelight/internal/marketfeed"
	"whitelight/internal/reconcile"
	"whitelight/internal/secret"
	"whitelight/internal/signal"
	"whitelight/internal/whitelighterr"
)

// tradedSymbols are the four instruments a live run reads or trades: NDX
// supplies the trend context; TQQQ/SQQQ/BIL are the tradeable sleeve.
var tradedSymbols = []string{"NDX", "TQQQ", "SQQQ", "BIL"}

// Deps bundles the capability-set implementations a run is wired against.
// Every field is an interface or a concrete store; the orchestrator never
// constructs one itself, so a caller (the CLI, or a test) chooses the
// concrete broker/provider/transport at startup per §9's "pluggable
// providers via duck typing" note.
type Deps struct {
	Cache     *cache.SQLiteBarCache
	Provider  marketfeed.Provider
	Primary   broker.Client
	Secondary broker.Client
	Alerts    alert.Transport
	Secrets   secret.Store
	Config    config.Config
}

// ExitCode mirrors the CLI's exit status table (§6.5).
type ExitCode int

const (
	ExitSuccess         ExitCode = 0
	ExitConfigError     ExitCode = 2
	ExitDataUnavailable ExitCode = 3
	ExitBrokerFailure   ExitCode = 4
	ExitDeadlineMissed  ExitCode = 5
)

// RunLive executes one live session: sync bars, build signals, run the
// Combiner, reconcile against current positions, and execute the plan
// before deadline. sessionID identifies this run in the cache's advisory
// lock and in every structured log line.
func RunLive(ctx context.Context, deps Deps, sessionID string, now, marketClose time.Time) (ExitCode, error) {
	release, err := deps.Cache.AcquireRunLock(ctx, sessionID)
	if err != nil {
		logger.ErrorCtx("ORCHESTRATOR", "could not acquire run lock: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Run lock held", err.Error())
		return ExitBrokerFailure, err
	}
	defer release()

	deadline := marketClose.Add(-60 * time.Second)

	if code, err := checkFeedHealth(ctx, deps, sessionID); err != nil {
		return code, err
	}

	histories, err := loadHistories(ctx, deps, now)
	if err != nil {
		logger.ErrorCtx("ORCHESTRATOR", "bar load failed: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Data unavailable", err.Error())
		return ExitDataUnavailable, err
	}

	ndx := histories["NDX"]
	if len(ndx.Bars) <= backtest.WarmupBars {
		err := whitelighterr.New(whitelighterr.Invariant, "orchestrator.RunLive",
			fmt.Errorf("only %d NDX sessions cached, need more than %d to signal", len(ndx.Bars), backtest.WarmupBars))
		logger.ErrorCtx("ORCHESTRATOR", "insufficient warm-up history: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Insufficient history", err.Error())
		return ExitDataUnavailable, err
	}

	snapshot, err := deps.Primary.GetAccount(ctx)
	if err != nil {
		logger.ErrorCtx("ORCHESTRATOR", "broker account read failed: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Broker unavailable", err.Error())
		return ExitBrokerFailure, err
	}

	closes, err := latestCloses(histories)
	if err != nil {
		deps.Alerts.Send(alert.Critical, "Data unavailable", err.Error())
		return ExitDataUnavailable, err
	}

	prevAlloc := deriveAllocation(snapshot)

	strategies := signal.Default()
	signals := signal.ComputeAll(strategies, ndx)
	composite := signal.CompositeScore(signals)
	mktCtx := signal.BuildMarketContext(ndx)

	target, state := combiner.Combine(mktCtx, composite, prevAlloc, deps.Config.CombinerParams())
	if err := validateAllocation(target); err != nil {
		logger.ErrorCtx("ORCHESTRATOR", "invariant violation: "+err.Error(), logger.Context{SessionID: sessionID, Decision: string(state)})
		deps.Alerts.Send(alert.Critical, "Invariant violation", err.Error())
		return ExitBrokerFailure, err
	}

	plan := reconcile.BuildPlan(target, snapshot, closes, deps.Config.ReconcileParams())
	logger.InfoCtx("ORCHESTRATOR", fmt.Sprintf("state=%s composite=%.4f target=%+v plan=%d orders", state, composite, target, len(plan)),
		logger.Context{SessionID: sessionID, Date: now.Format("2006-01-02")})

	exec := executor.New(deps.Primary, deps.Secondary, deps.Alerts,
		time.Duration(deps.Config.RetryBaseSeconds)*time.Second, deps.Config.RetryMaxAttempts, deps.Config.DryRun)

	result, err := exec.Execute(ctx, plan, deadline)
	if err != nil {
		if whitelighterr.Is(err, whitelighterr.DeadlineExceeded) {
			return ExitDeadlineMissed, err
		}
		return ExitBrokerFailure, err
	}
	if result.Incomplete {
		return ExitBrokerFailure, fmt.Errorf("orchestrator.RunLive: plan left incomplete")
	}
	return ExitSuccess, nil
}

// healthChecker is the optional capability a broker.Client implementation
// may satisfy, mirroring marketfeed.Provider's HealthCheck method without
// forcing it into the narrower broker.Client capability set itself.
type healthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// checkFeedHealth fails fast on a stale market-data feed or an unreachable
// primary broker before the run spends any of its order deadline on them,
// per SPEC_FULL.md §6's health-check style staleness gate.
func checkFeedHealth(ctx context.Context, deps Deps, sessionID string) (ExitCode, error) {
	if !deps.Provider.HealthCheck(ctx) {
		err := whitelighterr.New(whitelighterr.DataGap, "orchestrator.checkFeedHealth",
			fmt.Errorf("market data provider failed health check"))
		logger.ErrorCtx("ORCHESTRATOR", "provider health check failed: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Market data unavailable", err.Error())
		return ExitDataUnavailable, err
	}
	if hc, ok := deps.Primary.(healthChecker); ok && !hc.HealthCheck(ctx) {
		err := whitelighterr.New(whitelighterr.BrokerTransient, "orchestrator.checkFeedHealth",
			fmt.Errorf("primary broker failed health check"))
		logger.ErrorCtx("ORCHESTRATOR", "broker health check failed: "+err.Error(), logger.Context{SessionID: sessionID})
		deps.Alerts.Send(alert.Critical, "Broker unavailable", err.Error())
		return ExitBrokerFailure, err
	}
	return ExitSuccess, nil
}

// loadHistories returns cache-backed history for every traded symbol,
// filling the delta from the cache's latest date to now from deps.Provider
// when the cache is stale (§6.1).
func loadHistories(ctx context.Context, deps Deps, now time.Time) (map[string]marketdata.History, error) {
	lookback := now.AddDate(-2, 0, 0)

	// Each symbol's cache-delta fill is an independent network round trip
	// against the provider; bar cache reads/writes are per-symbol keyed
	// rows so they don't race each other. Bounded at len(tradedSymbols)
	// concurrent fetches — there are never more than four.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(tradedSymbols))
	for _, symbol := range tradedSymbols {
		symbol := symbol
		g.Go(func() error {
			if latest, ok := deps.Cache.LatestDate(gctx, symbol); !ok || latest.Before(now.AddDate(0, 0, -1)) {
				start := lookback
				if ok {
					start = latest.AddDate(0, 0, 1)
				}
				fresh, err := deps.Provider.GetDailyBars(gctx, symbol, start, now)
				if err != nil {
					return whitelighterr.New(whitelighterr.DataGap, "orchestrator.loadHistories", err)
				}
				if len(fresh.Bars) > 0 {
					if err := deps.Cache.Put(gctx, fresh); err != nil {
						return fmt.Errorf("orchestrator.loadHistories: cache put %s: %w", symbol, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]marketdata.History, len(tradedSymbols))
	for _, symbol := range tradedSymbols {
		history, err := deps.Cache.Get(ctx, symbol, lookback, now)
		if err != nil {
			return nil, err
		}
		out[symbol] = history
	}
	return out, nil
}

func latestCloses(histories map[string]marketdata.History) (reconcile.Closes, error) {
	var closes reconcile.Closes
	for _, symbol := range []string{"TQQQ", "SQQQ", "BIL"} {
		bar, ok := histories[symbol].Last()
		if !ok {
			return reconcile.Closes{}, whitelighterr.New(whitelighterr.DataGap, "orchestrator.latestCloses",
				fmt.Errorf("no cached bar for %s", symbol))
		}
		switch symbol {
		case "TQQQ":
			closes.TQQQ = bar.Close
		case "SQQQ":
			closes.SQQQ = bar.Close
		case "BIL":
			closes.BIL = bar.Close
		}
	}
	return closes, nil
}

// deriveAllocation reconstructs A_{t-1} from live broker positions (§6.6):
// a position's weight is its market value divided by account equity, and a
// symbol with no position contributes zero.
func deriveAllocation(snapshot account.Snapshot) combiner.TargetAllocation {
	if snapshot.Equity.IsZero() {
		return combiner.Flat
	}
	weightOf := func(symbol string) float64 {
		pos, ok := snapshot.Positions[symbol]
		if !ok || pos.Quantity == 0 {
			return 0
		}
		w, _ := pos.MarketValue.Div(snapshot.Equity).Float64()
		return w
	}
	tqqq := weightOf("TQQQ")
	sqqq := weightOf("SQQQ")
	bil := 1.0 - tqqq - sqqq
	if bil < 0 {
		bil = 0
	}
	return combiner.TargetAllocation{TQQQ: tqqq, SQQQ: sqqq, BIL: bil}
}

// validateAllocation enforces testable property 1: weights sum to 1.0
// within tolerance, each lies in [0,1], and at most one of TQQQ/SQQQ is
// positive.
func validateAllocation(a combiner.TargetAllocation) error {
	sum := a.TQQQ + a.SQQQ + a.BIL
	if sum < 0.999999 || sum > 1.000001 {
		return fmt.Errorf("orchestrator: weights sum to %.6f, want 1.0", sum)
	}
	if a.TQQQ < 0 || a.TQQQ > 1 || a.SQQQ < 0 || a.SQQQ > 1 || a.BIL < 0 || a.BIL > 1 {
		return fmt.Errorf("orchestrator: weight out of [0,1] range: %+v", a)
	}
	if a.TQQQ > 0 && a.SQQQ > 0 {
		return fmt.Errorf("orchestrator: TQQQ and SQQQ both positive: %+v", a)
	}
	return nil
}
