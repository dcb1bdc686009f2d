// Package executor sequences a reconciliation plan's sells before its
// buys, retries transient brokerage failures with backoff, fails over to a
// secondary broker on sustained connectivity errors, and respects the
// session deadline (§4.5).
package executor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"whitelight/internal/account"
	"whitelight/internal/alert"
	"whitelight/internal/broker"
	"whitelight/internal/logger"
	"whitelight/internal/whitelighterr"
)

// SafetyMargin is the fraction of available cash the executor holds back
// before sizing a buy, absorbing price drift between the reconciler's
// estimate and the actual fill.
const SafetyMargin = 0.01

// PollInterval is how often the executor re-checks an in-flight order's
// status.
const PollInterval = 500 * time.Millisecond

// consecutiveConnectivityFailoverThreshold is how many consecutive
// connectivity errors on the same order trigger a switch to the secondary
// broker (§4.5 "Failover").
const consecutiveConnectivityFailoverThreshold = 2

// Executor drives a plan through a primary broker, failing over to a
// secondary on sustained connectivity errors. A session never addresses
// both brokers in parallel.
type Executor struct {
	primary   broker.Client
	secondary broker.Client
	alerts    alert.Transport

	retryBase    time.Duration
	maxAttempts  int
	dryRun       bool

	active       broker.Client
	usedSecondary bool
}

// New builds an Executor. secondary may be nil if no failover broker is
// configured.
func New(primary, secondary broker.Client, alerts alert.Transport, retryBase time.Duration, maxAttempts int, dryRun bool) *Executor {
	if alerts == nil {
		alerts = alert.NoopTransport{}
	}
	return &Executor{
		primary:     primary,
		secondary:   secondary,
		alerts:      alerts,
		retryBase:   retryBase,
		maxAttempts: maxAttempts,
		dryRun:      dryRun,
		active:      primary,
	}
}

// Result is the outcome of executing a plan.
type Result struct {
	Fills      []account.Fill
	Incomplete bool
	DryRun     bool
}

// Execute submits every SELL in plan, re-reads cash, sizes and submits
// every BUY against the refreshed cash, and returns every fill obtained
// before either the plan completes or deadline is reached.
func (e *Executor) Execute(ctx context.Context, plan []account.PlannedOrder, deadline time.Time) (Result, error) {
	sells, buys := splitSides(plan)

	if e.dryRun {
		logger.Info("EXECUTOR", fmt.Sprintf("dry-run: %d sells, %d buys planned, no orders submitted", len(sells), len(buys)))
		return Result{DryRun: true}, nil
	}

	var fills []account.Fill
	for _, order := range sells {
		if time.Now().After(deadline) {
			e.alerts.Send(alert.Critical, "Deadline exceeded", "aborting remaining plan before all sells submitted")
			return Result{Fills: fills, Incomplete: true}, whitelighterr.New(whitelighterr.DeadlineExceeded, "executor.Execute", nil)
		}
		fill, err := e.submitAndPoll(ctx, order, deadline)
		if err != nil {
			if whitelighterr.Is(err, whitelighterr.BrokerRejection) {
				notional, _ := order.EstimatedNotional.Float64()
				e.alerts.Send(alert.Warn, "Order rejected", fmt.Sprintf("%s %s x%d (%s): %v", order.Side, order.Symbol, order.Quantity, alert.FormatNotional(notional), err))
				continue
			}
			return Result{Fills: fills, Incomplete: true}, err
		}
		fills = append(fills, fill)
	}

	if len(buys) == 0 {
		return Result{Fills: fills}, nil
	}

	snapshot, err := e.active.GetAccount(ctx)
	if err != nil {
		return Result{Fills: fills, Incomplete: true}, fmt.Errorf("executor.Execute: re-read cash: %w", err)
	}
	buys = sizeBuysToCash(buys, snapshot.Cash)

	for _, order := range buys {
		if order.Quantity <= 0 {
			continue
		}
		if time.Now().After(deadline) {
			e.alerts.Send(alert.Critical, "Deadline exceeded", "aborting remaining buys")
			return Result{Fills: fills, Incomplete: true}, whitelighterr.New(whitelighterr.DeadlineExceeded, "executor.Execute", nil)
		}
		fill, err := e.submitAndPoll(ctx, order, deadline)
		if err != nil {
			if whitelighterr.Is(err, whitelighterr.BrokerRejection) {
				notional, _ := order.EstimatedNotional.Float64()
				e.alerts.Send(alert.Warn, "Order rejected", fmt.Sprintf("%s %s x%d (%s): %v", order.Side, order.Symbol, order.Quantity, alert.FormatNotional(notional), err))
				continue
			}
			return Result{Fills: fills, Incomplete: true}, err
		}
		fills = append(fills, fill)
	}

	return Result{Fills: fills}, nil
}

// sizeBuysToCash reduces every buy's quantity proportionally (floored) if
// the plan's total estimated notional exceeds available cash under the
// safety margin (§4.5 step 3); otherwise the buys pass through unchanged.
func sizeBuysToCash(buys []account.PlannedOrder, cash decimal.Decimal) []account.PlannedOrder {
	var total decimal.Decimal
	for _, o := range buys {
		total = total.Add(o.EstimatedNotional)
	}
	available := cash.Mul(decimal.NewFromFloat(1 - SafetyMargin))
	if total.LessThanOrEqual(available) || total.IsZero() {
		return buys
	}

	ratio := available.Div(total)
	sized := make([]account.PlannedOrder, 0, len(buys))
	for _, o := range buys {
		qty := decimal.NewFromInt(o.Quantity).Mul(ratio).Floor().IntPart()
		if qty <= 0 {
			continue
		}
		unitPrice := o.EstimatedNotional.Div(decimal.NewFromInt(o.Quantity))
		o.Quantity = qty
		o.EstimatedNotional = unitPrice.Mul(decimal.NewFromInt(qty))
		sized = append(sized, o)
	}
	return sized
}

func splitSides(plan []account.PlannedOrder) (sells, buys []account.PlannedOrder) {
	for _, o := range plan {
		switch o.Side {
		case account.Sell:
			sells = append(sells, o)
		case account.Buy:
			buys = append(buys, o)
		}
	}
	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Symbol < sells[j].Symbol })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Symbol < buys[j].Symbol })
	return sells, buys
}

// submitAndPoll submits order against the currently active broker,
// retrying transient failures with backoff and failing over to the
// secondary broker after consecutiveConnectivityFailoverThreshold
// consecutive connectivity errors, then polls until a terminal fill or the
// deadline.
func (e *Executor) submitAndPoll(ctx context.Context, order account.PlannedOrder, deadline time.Time) (account.Fill, error) {
	orderID, err := e.submitWithRetry(ctx, order, deadline)
	if err != nil {
		return account.Fill{}, err
	}
	return e.pollUntilTerminal(ctx, orderID, deadline)
}

func (e *Executor) submitWithRetry(ctx context.Context, order account.PlannedOrder, deadline time.Time) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.25
	bo.MaxInterval = 60 * time.Second

	var orderID string
	consecutiveConnectivity := 0
	attempt := 0

	op := func() error {
		attempt++
		if time.Now().After(deadline) {
			return backoff.Permanent(whitelighterr.New(whitelighterr.DeadlineExceeded, "executor.submit", nil))
		}
		id, err := e.active.SubmitMarketOrder(ctx, order.Symbol, order.Side, order.Quantity)
		if err == nil {
			orderID = id
			consecutiveConnectivity = 0
			return nil
		}

		if !isTransient(err) {
			return backoff.Permanent(whitelighterr.New(whitelighterr.BrokerRejection, "executor.submit", err))
		}

		if isConnectivity(err) {
			consecutiveConnectivity++
			if consecutiveConnectivity >= consecutiveConnectivityFailoverThreshold {
				e.failover()
				consecutiveConnectivity = 0
			}
		}
		if attempt >= e.maxAttempts {
			return backoff.Permanent(whitelighterr.New(whitelighterr.BrokerTransient, "executor.submit", err))
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(e.maxAttempts-1))); err != nil {
		return "", err
	}
	return orderID, nil
}

func (e *Executor) pollUntilTerminal(ctx context.Context, orderID string, deadline time.Time) (account.Fill, error) {
	for {
		fill, err := e.active.PollOrder(ctx, orderID)
		if err != nil {
			return account.Fill{}, fmt.Errorf("executor.pollUntilTerminal: %w", err)
		}
		switch fill.Status {
		case account.Filled, account.Partial, account.Rejected, account.Canceled:
			return fill, nil
		}
		if time.Now().After(deadline) {
			e.active.CancelOrder(ctx, orderID)
			return fill, whitelighterr.New(whitelighterr.DeadlineExceeded, "executor.pollUntilTerminal", nil)
		}
		select {
		case <-ctx.Done():
			return fill, ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// failover switches all subsequent order submissions to the secondary
// broker. A session never attempts both brokers in parallel, and once
// switched it never switches back.
func (e *Executor) failover() {
	if e.secondary == nil || e.usedSecondary {
		return
	}
	logger.Warn("EXECUTOR", "primary broker connectivity degraded, failing over to secondary")
	e.active = e.secondary
	e.usedSecondary = true
}

// isTransient reports whether err is a network, 5xx, or rate-limit failure
// worth retrying, versus a final rejection (insufficient buying power,
// halted symbol, risk rejection).
func isTransient(err error) bool {
	var netErr net.Error
	if asNetError(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "HTTP 5") || strings.Contains(msg, "HTTP 429") || strings.Contains(msg, "timeout")
}

// isConnectivity reports whether err indicates the broker endpoint itself
// is unreachable, as opposed to a retryable-but-reachable 5xx.
func isConnectivity(err error) bool {
	var netErr net.Error
	return asNetError(err, &netErr)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
