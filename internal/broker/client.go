// Package broker implements the brokerage REST client (asset lookup, order
// placement and status, position close, plus account and position reads)
// and the trade-order execution lifecycle: symbol
// resolution, approve/reject, sell-to-close heuristics, and status polling.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/internal/metrics"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Credentials is one user's brokerage key pair.
type Credentials struct {
	KeyID     string
	SecretKey string
	Paper     bool
}

// RateLimiter is a simple token-bucket limiter guarding the brokerage API.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter that refills one token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

// Allow reports whether a request may proceed now, refilling tokens first.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.lastRefill)
	refilled := int(elapsed / r.refillRate)
	if refilled > 0 {
		r.tokens = min(r.maxTokens, r.tokens+refilled)
		r.lastRefill = time.Now()
	}
	if r.tokens <= 0 {
		return false
	}
	r.tokens--
	return true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Asset is the broker's asset-directory response.
type Asset struct {
	Symbol       string `json:"symbol"`
	Class        string `json:"class"`
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
}

// Order is the broker's order response.
type Order struct {
	ID             string                  `json:"id"`
	Symbol         string                  `json:"symbol"`
	Status         types.BrokerOrderStatus `json:"status"`
	FilledQty      decimal.Decimal         `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal         `json:"filled_avg_price"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Position is the broker's position response.
type Position struct {
	Symbol          string          `json:"symbol"`
	Qty             decimal.Decimal `json:"qty"`
	MarketValue     decimal.Decimal `json:"market_value"`
	UnrealizedPLPct decimal.Decimal `json:"unrealized_plpc"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
}

// Account is the broker's account response.
type Account struct {
	Cash   decimal.Decimal `json:"cash"`
	Equity decimal.Decimal `json:"equity"`
}

// Config configures the client's HTTP transport.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// DefaultConfig is the client's default base URL (paper trading) and transport.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://paper-api.alpaca.markets",
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Client is a hand-rolled Alpaca-style REST client covering the asset, order,
// position and account endpoints the coordinator uses.
type Client struct {
	logger  *zap.Logger
	cfg     Config
	limiter *RateLimiter
}

// New builds a Client.
func New(logger *zap.Logger, cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg = DefaultConfig()
	}
	return &Client{
		logger:  logger.Named("broker"),
		cfg:     cfg,
		limiter: NewRateLimiter(200, time.Minute/200),
	}
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path, operation string, body any, out any) (int, error) {
	start := time.Now()
	defer func() {
		metrics.BrokerRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	if !c.limiter.Allow() {
		return 0, coordutil.Transient("broker rate limit exceeded", fmt.Errorf("path=%s", path))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, coordutil.Fatal("marshal broker request", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, coordutil.Fatal("build broker request", err)
	}
	req.Header.Set("APCA-API-KEY-ID", creds.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", creds.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, coordutil.Transient("broker request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, coordutil.Transient("read broker response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, coordutil.Fatal("decode broker response", err)
			}
		}
		return resp.StatusCode, nil
	}

	if resp.StatusCode >= 500 {
		return resp.StatusCode, coordutil.Transient("broker server error", fmt.Errorf("status %d: %s", resp.StatusCode, data))
	}
	return resp.StatusCode, coordutil.BrokerRejected(string(data), fmt.Errorf("status %d", resp.StatusCode))
}

// GetAsset fetches one asset by symbol. Returns ok=false on a 404.
func (c *Client) GetAsset(ctx context.Context, creds Credentials, symbol string) (Asset, bool, error) {
	var asset Asset
	status, err := c.do(ctx, creds, http.MethodGet, "/v2/assets/"+url.PathEscape(symbol), "get_asset", nil, &asset)
	if status == http.StatusNotFound {
		return Asset{}, false, nil
	}
	if err != nil {
		return Asset{}, false, err
	}
	return asset, true, nil
}

// PlaceOrderRequest is the wire body for POST /v2/orders.
type PlaceOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
}

// PlaceOrder submits a market order.
func (c *Client) PlaceOrder(ctx context.Context, creds Credentials, req PlaceOrderRequest) (Order, error) {
	var order Order
	_, err := c.do(ctx, creds, http.MethodPost, "/v2/orders", "place_order", req, &order)
	return order, err
}

// GetOrder fetches one order's current status.
func (c *Client) GetOrder(ctx context.Context, creds Credentials, orderID string) (Order, error) {
	var order Order
	_, err := c.do(ctx, creds, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), "get_order", nil, &order)
	return order, err
}

// ClosePosition flattens an entire holding. A 404 is treated as success
// ("already closed").
func (c *Client) ClosePosition(ctx context.Context, creds Credentials, symbol string) error {
	status, err := c.do(ctx, creds, http.MethodDelete, "/v2/positions/"+url.PathEscape(symbol), "close_position", nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// GetPositions lists all open positions.
func (c *Client) GetPositions(ctx context.Context, creds Credentials) ([]Position, error) {
	var positions []Position
	_, err := c.do(ctx, creds, http.MethodGet, "/v2/positions", "get_positions", nil, &positions)
	return positions, err
}

// GetAccount fetches account cash/equity.
func (c *Client) GetAccount(ctx context.Context, creds Credentials) (Account, error) {
	var account Account
	_, err := c.do(ctx, creds, http.MethodGet, "/v2/account", "get_account", nil, &account)
	return account, err
}

// GetPosition fetches a single position by symbol. ok=false if none exists.
func (c *Client) GetPosition(ctx context.Context, creds Credentials, symbol string) (Position, bool, error) {
	var position Position
	status, err := c.do(ctx, creds, http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), "get_position", nil, &position)
	if status == http.StatusNotFound {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	return position, true, nil
}
