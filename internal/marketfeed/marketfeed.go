// Package marketfeed defines the market-data provider capability set
// (§6.1) and two implementations: an HTTP provider and a cache-only
// provider selected when no network source is configured.
package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/marketdata"
	"whitelight/internal/whitelighterr"
)

// Provider is the capability set every market-data source implements. The
// core addresses symbols unprefixed; a provider maps them to its own
// vendor-specific naming (e.g. an index symbol like "I:NDX") internally.
type Provider interface {
	GetDailyBars(ctx context.Context, symbol string, start, end time.Time) (marketdata.History, error)
	HealthCheck(ctx context.Context) bool
}

// indexPrefixes maps unprefixed core symbols to vendor-specific index
// addressing. Only NDX needs this; the ETF symbols pass through unchanged.
var indexPrefixes = map[string]string{
	"NDX": "I:NDX",
}

// PolygonProvider fetches daily aggregate bars from a Polygon-style HTTP
// API, reusing the pack's retry-with-backoff idiom for 5xx/timeout/rate-
// limit responses.
type PolygonProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client

	healthOK      bool
	healthChecked time.Time
}

// NewPolygonProvider builds a provider against baseURL, tuned the way the
// pack's HTTP clients are tuned for a moderate number of sequential
// requests (one per symbol per run, not bulk pagination).
func NewPolygonProvider(baseURL, apiKey string) *PolygonProvider {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
	}
	return &PolygonProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

func vendorSymbol(symbol string) string {
	if v, ok := indexPrefixes[symbol]; ok {
		return v
	}
	return symbol
}

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond
)

// GetDailyBars fetches bars for symbol between start and end, retrying
// transient HTTP failures with the same exponential-backoff shape the ESI
// client uses for its paginated fetch.
func (p *PolygonProvider) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) (marketdata.History, error) {
	url := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?apiKey=%s",
		p.baseURL, vendorSymbol(symbol), start.Format("2006-01-02"), end.Format("2006-01-02"), p.apiKey)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		history, retryable, err := p.fetchOnce(ctx, symbol, url)
		if err == nil {
			return history, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		select {
		case <-ctx.Done():
			return marketdata.History{}, ctx.Err()
		case <-time.After(retryBaseWait * time.Duration(1<<(attempt-1))):
		}
	}
	return marketdata.History{}, whitelighterr.New(whitelighterr.ProviderTransient, "marketfeed.GetDailyBars", lastErr)
}

func (p *PolygonProvider) fetchOnce(ctx context.Context, symbol, url string) (marketdata.History, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return marketdata.History{}, false, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return marketdata.History{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return marketdata.History{}, true, fmt.Errorf("marketfeed: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return marketdata.History{}, false, fmt.Errorf("marketfeed: HTTP %d", resp.StatusCode)
	}

	var raw struct {
		Results []struct {
			Timestamp int64   `json:"t"`
			Open      float64 `json:"o"`
			High      float64 `json:"h"`
			Low       float64 `json:"l"`
			Close     float64 `json:"c"`
			Volume    float64 `json:"v"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return marketdata.History{}, false, fmt.Errorf("decode: %w", err)
	}

	bars := make([]marketdata.Bar, len(raw.Results))
	for i, r := range raw.Results {
		bars[i] = marketdata.Bar{
			Date:   time.UnixMilli(r.Timestamp).UTC(),
			Open:   decimal.NewFromFloat(r.Open),
			High:   decimal.NewFromFloat(r.High),
			Low:    decimal.NewFromFloat(r.Low),
			Close:  decimal.NewFromFloat(r.Close),
			Volume: decimal.NewFromFloat(r.Volume),
		}
	}
	return marketdata.History{Symbol: symbol, Bars: bars}, false, nil
}

// HealthCheck pings the provider's market status endpoint, cached for 10
// seconds.
func (p *PolygonProvider) HealthCheck(ctx context.Context) bool {
	if time.Since(p.healthChecked) < 10*time.Second {
		return p.healthOK
	}
	url := fmt.Sprintf("%s/v1/marketstatus/now?apiKey=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.healthOK, p.healthChecked = false, time.Now()
		return false
	}
	resp, err := p.http.Do(req)
	if err != nil {
		p.healthOK, p.healthChecked = false, time.Now()
		return false
	}
	resp.Body.Close()
	p.healthOK = resp.StatusCode == http.StatusOK
	p.healthChecked = time.Now()
	return p.healthOK
}

// CacheOnlyProvider never reaches the network; GetDailyBars always reports
// a data gap. It exists so the orchestrator can be configured with "no
// vendor fallback" without a nil-provider special case.
type CacheOnlyProvider struct{}

func (CacheOnlyProvider) GetDailyBars(ctx context.Context, symbol string, start, end time.Time) (marketdata.History, error) {
	return marketdata.History{}, whitelighterr.New(whitelighterr.DataGap, "marketfeed.CacheOnlyProvider",
		fmt.Errorf("no vendor provider configured for %s", symbol))
}

func (CacheOnlyProvider) HealthCheck(ctx context.Context) bool { return false }
