package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"whitelight/internal/alert"
	"whitelight/internal/backtest"
	"whitelight/internal/broker"
	"whitelight/internal/cache"
	"whitelight/internal/config"
	"whitelight/internal/logger"
	"whitelight/internal/marketdata"
	"whitelight/internal/marketfeed"
	"whitelight/internal/orchestrator"
	"whitelight/internal/secret"
)

var version = "dev"

// loadDotEnv loads environment variables from a local .env file so that a
// binary started outside a shell (a cron entry, a scheduler's bare exec)
// still picks up broker/provider credentials. Order of lookup:
//  1. ./.env (current working directory)
//
// Existing OS env vars are never overridden.
func loadDotEnv() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		parts := strings.SplitN(l, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func main() {
	loadDotEnv()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: whitelight <run|sync|backtest> [flags]")
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	logger.Banner(version)

	var code orchestrator.ExitCode
	var err error
	switch cmd {
	case "run":
		code, err = runRun(args)
	case "sync":
		code, err = runSync(args)
	case "backtest":
		code, err = runBacktest(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("MAIN", err.Error())
	}
	logger.Sync()
	os.Exit(int(code))
}

func loadConfig(configPath string) (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func buildSecrets() secret.Store {
	return secret.NewEnvSecretStore("WHITELIGHT_")
}

func buildAlerts(cfg config.Config, secrets secret.Store) alert.Transport {
	if cfg.AlertTransport == "telegram" {
		token, _ := secrets.Get("TELEGRAM_BOT_TOKEN")
		chatID, _ := secrets.Get("TELEGRAM_CHAT_ID")
		return alert.NewTelegramTransport(token, chatID, token != "" && chatID != "")
	}
	return alert.NoopTransport{}
}

func buildBroker(name string, secrets secret.Store) broker.Client {
	if name == "" {
		return nil
	}
	prefix := strings.ToUpper(name) + "_"
	baseURL, _ := secrets.Get(prefix + "BASE_URL")
	apiKey, _ := secrets.Get(prefix + "API_KEY")
	secretKey, _ := secrets.Get(prefix + "SECRET_KEY")
	return broker.NewRESTBroker(name, baseURL, apiKey, secretKey)
}

func buildProvider(cfg config.Config, secrets secret.Store) marketfeed.Provider {
	switch cfg.MarketDataSource {
	case "polygon":
		apiKey, _ := secrets.Get("POLYGON_API_KEY")
		return marketfeed.NewPolygonProvider("https://api.polygon.io", apiKey)
	default:
		return marketfeed.CacheOnlyProvider{}
	}
}

// runRun executes subcommand "run [--dry-run] [--config path]" (§6.5).
func runRun(args []string) (orchestrator.ExitCode, error) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "stop before order submission; emit the plan to telemetry")
	configPath := fs.String("config", "", "path to a YAML config file; defaults to built-in defaults")
	if err := fs.Parse(args); err != nil {
		return orchestrator.ExitConfigError, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}
	if *dryRun {
		cfg.DryRun = true
	}

	bc, err := cache.Open(cfg.CachePath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}
	defer bc.Close()

	secrets := buildSecrets()
	deps := orchestrator.Deps{
		Cache:     bc,
		Provider:  buildProvider(cfg, secrets),
		Primary:   buildBroker(cfg.BrokerPrimary, secrets),
		Secondary: buildBroker(cfg.BrokerSecondary, secrets),
		Alerts:    buildAlerts(cfg, secrets),
		Secrets:   secrets,
		Config:    cfg,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	marketClose := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, now.Location())
	sessionID := uuid.NewString()

	return orchestrator.RunLive(ctx, deps, sessionID, now, marketClose)
}

// runSync executes subcommand "sync": fills the bar cache's delta from the
// configured provider for every traded symbol, without running signals or
// placing orders.
func runSync(args []string) (orchestrator.ExitCode, error) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return orchestrator.ExitConfigError, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}

	bc, err := cache.Open(cfg.CachePath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}
	defer bc.Close()

	secrets := buildSecrets()
	provider := buildProvider(cfg, secrets)
	ctx := context.Background()
	now := time.Now()
	lookback := now.AddDate(-2, 0, 0)

	for _, symbol := range []string{"NDX", "TQQQ", "SQQQ", "BIL"} {
		start := lookback
		if latest, ok := bc.LatestDate(ctx, symbol); ok {
			start = latest.AddDate(0, 0, 1)
		}
		history, err := provider.GetDailyBars(ctx, symbol, start, now)
		if err != nil {
			logger.Error("SYNC", fmt.Sprintf("%s: %v", symbol, err))
			return orchestrator.ExitDataUnavailable, err
		}
		if len(history.Bars) == 0 {
			continue
		}
		if err := bc.Put(ctx, history); err != nil {
			return orchestrator.ExitDataUnavailable, err
		}
		logger.Success("SYNC", fmt.Sprintf("%s: %d new bars", symbol, len(history.Bars)))
	}
	return orchestrator.ExitSuccess, nil
}

// runBacktest executes subcommand "backtest --start --end --capital
// --source" (§6.5): loads cached bars for the four traded symbols, drives
// the replay, and reports the summary metrics.
func runBacktest(args []string) (orchestrator.ExitCode, error) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	startFlag := fs.String("start", "", "backtest start date, YYYY-MM-DD")
	endFlag := fs.String("end", "", "backtest end date, YYYY-MM-DD")
	capital := fs.Float64("capital", 100000, "starting cash")
	configPath := fs.String("config", "", "path to a YAML config file")
	fs.String("source", "cache", "bar source (unused beyond cache in this engine)")
	if err := fs.Parse(args); err != nil {
		return orchestrator.ExitConfigError, err
	}

	start, err := time.Parse("2006-01-02", *startFlag)
	if err != nil {
		return orchestrator.ExitConfigError, fmt.Errorf("backtest: --start: %w", err)
	}
	end, err := time.Parse("2006-01-02", *endFlag)
	if err != nil {
		return orchestrator.ExitConfigError, fmt.Errorf("backtest: --end: %w", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}

	bc, err := cache.Open(cfg.CachePath)
	if err != nil {
		return orchestrator.ExitConfigError, err
	}
	defer bc.Close()

	ctx := context.Background()
	bars, err := loadBacktestBars(ctx, bc, start, end)
	if err != nil {
		return orchestrator.ExitDataUnavailable, err
	}

	btCfg := backtest.DefaultConfig()
	btCfg.StartingCash = decimal.NewFromFloat(*capital)
	btCfg.BilAPR = decimal.NewFromFloat(cfg.BilAPR)
	btCfg.SlippageBps = decimal.NewFromFloat(cfg.BacktestSlippageBps)
	btCfg.CombinerParams = cfg.CombinerParams()
	btCfg.ReconcileParams = cfg.ReconcileParams()

	result, err := backtest.Run(ctx, bars, nil, btCfg)
	if err != nil {
		return orchestrator.ExitDataUnavailable, err
	}

	reportBacktest(result)
	return orchestrator.ExitSuccess, nil
}

func loadBacktestBars(ctx context.Context, bc *cache.SQLiteBarCache, start, end time.Time) (backtest.Bars, error) {
	get := func(symbol string) (marketdata.History, error) {
		return bc.Get(ctx, symbol, start, end)
	}
	ndx, err := get("NDX")
	if err != nil {
		return backtest.Bars{}, err
	}
	tqqq, err := get("TQQQ")
	if err != nil {
		return backtest.Bars{}, err
	}
	sqqq, err := get("SQQQ")
	if err != nil {
		return backtest.Bars{}, err
	}
	bil, err := get("BIL")
	if err != nil {
		return backtest.Bars{}, err
	}
	return backtest.Bars{NDX: ndx, TQQQ: tqqq, SQQQ: sqqq, BIL: bil}, nil
}

func reportBacktest(result backtest.Result) {
	m := result.Metrics
	logger.Section("Backtest summary")
	logger.Stats("sessions", m.TotalDays)
	logger.Stats("CAGR", fmt.Sprintf("%.4f", m.CAGR))
	logger.Stats("max_drawdown_pct", fmt.Sprintf("%.4f", m.MaxDrawdownPct))
	logger.Stats("sharpe", fmt.Sprintf("%.4f", m.Sharpe))
	logger.Stats("sortino", fmt.Sprintf("%.4f", m.Sortino))
	logger.Stats("calmar", fmt.Sprintf("%.4f", m.Calmar))
	logger.Stats("profit_factor", fmt.Sprintf("%.4f", m.ProfitFactor))
	logger.Stats("win_rate", fmt.Sprintf("%.4f", m.WinRate))
	logger.Stats("trades", len(result.Trades))
	if len(result.Equity) > 0 {
		last := result.Equity[len(result.Equity)-1]
		logger.Stats("final_equity", last.Equity.StringFixed(2))
	}
}
