// Package config loads the engine's typed configuration from a YAML file,
// rejecting unknown keys at load time rather than carrying a dynamic
// string-keyed object through the rest of the program.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"whitelight/internal/combiner"
	"whitelight/internal/reconcile"
	"whitelight/internal/whitelighterr"
)

// Config enumerates every tunable the engine reads. Every field here is a
// named option; there is no catch-all map for "everything else" (§9's
// "dynamic config objects with string keys" redesign note).
type Config struct {
	TargetVol          float64 `yaml:"target_vol"`
	SprintVolThreshold float64 `yaml:"sprint_vol_threshold"`
	SprintMaxDays      int     `yaml:"sprint_max_days"`
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	MinOrderNotional   float64 `yaml:"min_order_notional"`

	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	BrokerPrimary   string `yaml:"broker_primary"`
	BrokerSecondary string `yaml:"broker_secondary"`

	MarketDataSource string `yaml:"market_data_source"`
	CachePath        string `yaml:"cache_path"`

	AlertTransport string `yaml:"alert_transport"`

	DryRun bool `yaml:"dry_run"`

	// BilAPR is the annualized yield the backtest replay accrues daily
	// (BilAPR / trading days per year) on the BIL position's marked value.
	// The replay always prices BIL from its own close series and applies
	// this accrual on top of it; it has no mode without a BIL price series.
	BilAPR float64 `yaml:"bil_apr"`
	// BacktestSlippageBps is the uniform slippage the backtest replay may
	// apply to fills; zero disables it (§4.6 step d).
	BacktestSlippageBps float64 `yaml:"backtest_slippage_bps"`
}

// CombinerParams projects the combiner-relevant fields into a
// combiner.Params, so a YAML override of target_vol/sprint_vol_threshold/
// sprint_max_days actually reaches combiner.Combine instead of the
// package's own hardcoded constants.
func (c Config) CombinerParams() combiner.Params {
	return combiner.Params{
		TargetVol:          c.TargetVol,
		SprintVolThreshold: c.SprintVolThreshold,
		SprintMaxDays:      c.SprintMaxDays,
	}
}

// ReconcileParams projects the reconciler-relevant fields into a
// reconcile.Params, so a YAML override of min_order_notional/
// rebalance_threshold actually reaches reconcile.BuildPlan.
func (c Config) ReconcileParams() reconcile.Params {
	return reconcile.Params{
		MinOrderNotional:   c.MinOrderNotional,
		RebalanceThreshold: c.RebalanceThreshold,
	}
}

// Default returns the engine's shipped defaults, matching the constants
// named throughout spec.md §4.3-§4.5.
func Default() Config {
	return Config{
		TargetVol:          0.20,
		SprintVolThreshold: 0.25,
		SprintMaxDays:      15,
		RebalanceThreshold: 0.05,
		MinOrderNotional:   10.0,
		RetryBaseSeconds:   2,
		RetryMaxAttempts:   5,
		BrokerPrimary:      "alpaca",
		MarketDataSource:   "polygon",
		CachePath:          "whitelight.db",
		AlertTransport:     "noop",
		BilAPR:             0.05,
	}
}

// Load reads and strictly decodes the YAML file at path over Default(),
// then applies environment-variable overrides for the broker names and the
// dry-run flag. Credentials are not part of Config. An unrecognized key in
// the file is a fatal config error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, whitelighterr.New(whitelighterr.Config, "config.Load", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, whitelighterr.New(whitelighterr.Config, "config.Load", fmt.Errorf("decode %s: %w", path, err))
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers WHITELIGHT_BROKER_PRIMARY / _SECONDARY /
// _DRY_RUN over the file-sourced config, the same env-over-file pattern the
// engine's sibling repos use for deploy-time settings.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WHITELIGHT_BROKER_PRIMARY"); v != "" {
		cfg.BrokerPrimary = v
	}
	if v := os.Getenv("WHITELIGHT_BROKER_SECONDARY"); v != "" {
		cfg.BrokerSecondary = v
	}
	if v := os.Getenv("WHITELIGHT_DRY_RUN"); v == "true" {
		cfg.DryRun = true
	}
}
