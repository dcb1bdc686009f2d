package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whitelight/internal/account"
)

// RESTBroker is a signed-REST brokerage adapter. The connection pool
// tuning mirrors the ESI client's high-concurrency transport; the request
// signing mirrors a Binance-style HMAC-signed order submission, the two
// shapes this pack's examples use for "one client, many short-lived
// authenticated requests."
type RESTBroker struct {
	name       string
	baseURL    string
	apiKey     string
	secretKey  string
	http       *http.Client

	healthMu      sync.RWMutex
	healthOK      bool
	healthChecked time.Time
}

// NewRESTBroker builds a broker client against baseURL, tuned for a small
// number of sequential signed requests rather than bulk paginated fetches.
func NewRESTBroker(name, baseURL, apiKey, secretKey string) *RESTBroker {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
	}
	return &RESTBroker{
		name:      name,
		baseURL:   baseURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		http:      &http.Client{Timeout: 10 * time.Second, Transport: transport},
	}
}

// Name identifies this broker instance for logging and failover decisions.
func (b *RESTBroker) Name() string { return b.name }

func (b *RESTBroker) sign(params string) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(params))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *RESTBroker) signedRequest(ctx context.Context, method, path string, params url.Values) (*http.Response, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signature := b.sign(params.Encode())
	params.Set("signature", signature)

	reqURL := fmt.Sprintf("%s%s?%s", b.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("User-Agent", "whitelight/1.0")
	return b.http.Do(req)
}

func (b *RESTBroker) GetAccount(ctx context.Context) (account.Snapshot, error) {
	resp, err := b.signedRequest(ctx, http.MethodGet, "/v2/account", nil)
	if err != nil {
		return account.Snapshot{}, fmt.Errorf("broker %s: get account: %w", b.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return account.Snapshot{}, fmt.Errorf("broker %s: read account: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return account.Snapshot{}, fmt.Errorf("broker %s: get account: HTTP %d: %s", b.name, resp.StatusCode, body)
	}

	var raw struct {
		Equity    string `json:"equity"`
		Cash      string `json:"cash"`
		Positions []struct {
			Symbol      string `json:"symbol"`
			Quantity    int64  `json:"qty"`
			AvgCost     string `json:"avg_cost"`
			MarketValue string `json:"market_value"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return account.Snapshot{}, fmt.Errorf("broker %s: decode account: %w", b.name, err)
	}

	positions := make(map[string]account.Position, len(raw.Positions))
	for _, p := range raw.Positions {
		positions[p.Symbol] = account.Position{
			Symbol:      p.Symbol,
			Quantity:    p.Quantity,
			AvgCost:     decimalOrZero(p.AvgCost),
			MarketValue: decimalOrZero(p.MarketValue),
		}
	}
	return account.Snapshot{
		Equity:    decimalOrZero(raw.Equity),
		Cash:      decimalOrZero(raw.Cash),
		Positions: positions,
	}, nil
}

func (b *RESTBroker) SubmitMarketOrder(ctx context.Context, symbol string, side account.Side, quantity int64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "market")
	params.Set("time_in_force", "day")
	params.Set("qty", strconv.FormatInt(quantity, 10))

	resp, err := b.signedRequest(ctx, http.MethodPost, "/v2/orders", params)
	if err != nil {
		return "", fmt.Errorf("broker %s: submit order: %w", b.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("broker %s: read submit response: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("broker %s: submit order: HTTP %d: %s", b.name, resp.StatusCode, body)
	}

	var raw struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("broker %s: decode submit response: %w", b.name, err)
	}
	return raw.OrderID, nil
}

func (b *RESTBroker) PollOrder(ctx context.Context, orderID string) (account.Fill, error) {
	resp, err := b.signedRequest(ctx, http.MethodGet, "/v2/orders/"+orderID, nil)
	if err != nil {
		return account.Fill{}, fmt.Errorf("broker %s: poll order: %w", b.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return account.Fill{}, fmt.Errorf("broker %s: read poll response: %w", b.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return account.Fill{}, fmt.Errorf("broker %s: poll order: HTTP %d: %s", b.name, resp.StatusCode, body)
	}

	var raw struct {
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		FilledQty    int64  `json:"filled_qty"`
		AvgFillPrice string `json:"avg_fill_price"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return account.Fill{}, fmt.Errorf("broker %s: decode poll response: %w", b.name, err)
	}
	return account.Fill{
		OrderID:        orderID,
		Symbol:         raw.Symbol,
		Side:           account.Side(raw.Side),
		FilledQuantity: raw.FilledQty,
		AvgFillPrice:   decimalOrZero(raw.AvgFillPrice),
		Status:         account.OrderStatus(raw.Status),
	}, nil
}

func (b *RESTBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	resp, err := b.signedRequest(ctx, http.MethodDelete, "/v2/orders/"+orderID, nil)
	if err != nil {
		return false, fmt.Errorf("broker %s: cancel order: %w", b.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent, nil
}

func (b *RESTBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	resp, err := b.signedRequest(ctx, http.MethodGet, "/v2/clock", nil)
	if err != nil {
		return false, fmt.Errorf("broker %s: market clock: %w", b.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("broker %s: read market clock: %w", b.name, err)
	}
	var raw struct {
		IsOpen bool `json:"is_open"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return false, fmt.Errorf("broker %s: decode market clock: %w", b.name, err)
	}
	return raw.IsOpen, nil
}

// HealthCheck pings the broker's clock endpoint, caching the result for 10
// seconds the way the pack's ESI client caches its own health probe.
func (b *RESTBroker) HealthCheck(ctx context.Context) bool {
	b.healthMu.RLock()
	if time.Since(b.healthChecked) < 10*time.Second {
		ok := b.healthOK
		b.healthMu.RUnlock()
		return ok
	}
	b.healthMu.RUnlock()

	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	if time.Since(b.healthChecked) < 10*time.Second {
		return b.healthOK
	}
	_, err := b.IsMarketOpen(ctx)
	b.healthOK = err == nil
	b.healthChecked = time.Now()
	return b.healthOK
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
