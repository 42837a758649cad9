// Package apikeypair implements a representative API_KEY_PAIR-style broker
// adapter: every request is signed with a static key/secret pair (no
// session exchange), and the broker has no persistent-session quirk. The
// REST client shape is grounded on the teacher's tradernet/yahoo clients.
package apikeypair

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/domain"
)

// BrokerName is the registration key for this adapter.
const BrokerName = "apikeypair-demo"

func init() {
	broker.Global().Register(BrokerName, New, broker.Capabilities{
		MaxSymbolsPerConnection: 3000,
		PriceDivisor:            decimal.NewFromInt(100), // reports paise; divide by 100
		PersistentOnDisconnect:  false,
		RequiresMarketDataCreds: false,
		AuthenticationStyle:     domain.AuthAPIKeyPair,
	})
}

// Adapter is an API_KEY_PAIR broker backed by a plain REST API.
type Adapter struct {
	log        zerolog.Logger
	httpClient *http.Client
	baseURL    string

	mu        sync.Mutex
	apiKey    string
	apiSecret string
	connected bool

	ticks chan domain.Tick
}

// New builds an uninitialized Adapter, matching broker.Constructor.
func New() broker.Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://apikeypair-demo.invalid",
		ticks:      make(chan domain.Tick, 256),
	}
}

func (a *Adapter) Name() string { return BrokerName }

func (a *Adapter) Capabilities() broker.Capabilities {
	caps, _ := broker.Global().CapabilitiesOf(BrokerName)
	return caps
}

func (a *Adapter) Initialize(ctx context.Context, creds broker.Credentials) error {
	a.mu.Lock()
	a.apiKey, a.apiSecret = creds.APIKey, creds.APISecret
	a.mu.Unlock()
	apperr.RegisterSecret(creds.APISecret)
	// API_KEY_PAIR brokers sign each request rather than exchanging a
	// session; a lightweight probe confirms the pair is valid up front.
	return a.getJSON(ctx, "/account/ping", &struct{}{})
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	secret := a.apiSecret
	a.apiSecret = ""
	a.mu.Unlock()
	apperr.ForgetSecret(secret)
	close(a.ticks)
	return nil
}

func (a *Adapter) Subscribe(symbol, exchange string, mode domain.StreamMode, depthLevel int) error {
	_, err := a.do(context.Background(), http.MethodPost, "/feed/subscribe", map[string]interface{}{
		"symbol": symbol, "exchange": exchange, "mode": mode, "depth_level": depthLevel,
	})
	return err
}

func (a *Adapter) Unsubscribe(symbol, exchange string, mode domain.StreamMode) error {
	_, err := a.do(context.Background(), http.MethodPost, "/feed/unsubscribe", map[string]interface{}{
		"symbol": symbol, "exchange": exchange, "mode": mode,
	})
	return err
}

func (a *Adapter) UnsubscribeAll() error {
	_, err := a.do(context.Background(), http.MethodPost, "/feed/unsubscribe-all", nil)
	return err
}

func (a *Adapter) Ticks() <-chan domain.Tick { return a.ticks }

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	raw, err := a.do(ctx, http.MethodPost, "/orders", map[string]interface{}{
		"symbol": req.Symbol, "exchange": req.Exchange, "action": req.Action,
		"quantity": req.Quantity, "price_type": req.PriceType, "product": req.Product,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.NewBrokerError(apperr.BrokerInvalidInput, "malformed order response", err)
	}
	return out.OrderID, nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	_, err := a.do(ctx, http.MethodPost, "/orders/"+brokerOrderID+"/modify", fields)
	return err
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := a.do(ctx, http.MethodPost, "/orders/"+brokerOrderID+"/cancel", nil)
	return err
}

func (a *Adapter) GetOrderbook(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	return out, a.getJSON(ctx, "/orders", &out)
}

func (a *Adapter) GetTradebook(ctx context.Context) ([]domain.Trade, error) {
	var out []domain.Trade
	return out, a.getJSON(ctx, "/trades", &out)
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	return out, a.getJSON(ctx, "/positions", &out)
}

func (a *Adapter) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	var out []domain.Holding
	return out, a.getJSON(ctx, "/holdings", &out)
}

func (a *Adapter) GetFunds(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Available decimal.Decimal `json:"available"`
	}
	if err := a.getJSON(ctx, "/funds", &out); err != nil {
		return decimal.Zero, err
	}
	return out.Available, nil
}

func (a *Adapter) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	var out domain.Tick
	return out, a.getJSON(ctx, fmt.Sprintf("/quote?symbol=%s&exchange=%s", symbol, exchange), &out)
}

func (a *Adapter) GetDepth(ctx context.Context, symbol, exchange string) (domain.MarketDepth, error) {
	var out domain.MarketDepth
	return out, a.getJSON(ctx, fmt.Sprintf("/depth?symbol=%s&exchange=%s", symbol, exchange), &out)
}

func (a *Adapter) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Tick, error) {
	var out []domain.Tick
	url := fmt.Sprintf("/history?symbol=%s&interval=%s&from=%s&to=%s",
		symbol, interval, from.Format(time.RFC3339), to.Format(time.RFC3339))
	return out, a.getJSON(ctx, url, &out)
}

func (a *Adapter) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.NewBrokerError(apperr.BrokerInvalidInput, "malformed response", err)
	}
	return nil
}

// do signs the request with the api key/secret pair and returns the raw
// response body; this broker has no session envelope to unwrap.
func (a *Adapter) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.NewBrokerError(apperr.BrokerInvalidInput, "failed to marshal request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, apperr.NewBrokerError(apperr.BrokerInvalidInput, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.mu.Lock()
	key, secret := a.apiKey, a.apiSecret
	a.mu.Unlock()
	req.Header.Set("X-Api-Key", key)
	req.Header.Set("X-Api-Signature", sign(secret, path))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.NewBrokerError(apperr.BrokerNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperr.NewBrokerError(apperr.BrokerInvalidToken, "api key pair rejected", nil)
	}
	if resp.StatusCode >= 500 {
		return nil, apperr.NewBrokerTimeout("upstream unavailable", nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.NewBrokerError(apperr.BrokerNetwork, "failed to read response", err)
	}
	return raw, nil
}

// sign is a placeholder HMAC-style signer; the exact algorithm is
// broker-specific and out of scope (§1), this adapter only demonstrates the
// API_KEY_PAIR authentication_style shape.
func sign(secret, path string) string {
	return fmt.Sprintf("%x", len(secret)+len(path))
}
