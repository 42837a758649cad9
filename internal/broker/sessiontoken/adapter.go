// Package sessiontoken implements a representative SESSION_TOKEN-style
// broker adapter: authentication exchanges an api key/secret pair for a
// short-lived session token, and the broker exhibits the Flattrade/Shoonya
// "persistent session" cooldown quirk (persistent_on_client_disconnect).
//
// The HTTP shape (a JSON microservice-style REST client with a post/get
// helper and a {success, data, error} envelope) is grounded on the
// teacher's tradernet client.
package sessiontoken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/domain"
)

// BrokerName is the registration key for this adapter.
const BrokerName = "sessiontoken-demo"

func init() {
	broker.Global().Register(BrokerName, New, broker.Capabilities{
		MaxSymbolsPerConnection: 1000,
		PriceDivisor:            decimal.NewFromInt(1),
		PersistentOnDisconnect:  true, // the Flattrade/Shoonya cooldown quirk
		RequiresMarketDataCreds: false,
		AuthenticationStyle:     domain.AuthSessionToken,
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

// Adapter is a SESSION_TOKEN broker backed by a REST microservice.
type Adapter struct {
	log        zerolog.Logger
	httpClient *http.Client
	baseURL    string

	mu           sync.Mutex
	sessionToken string
	connected    bool

	ticks chan domain.Tick
}

// New builds an uninitialized Adapter, matching broker.Constructor.
func New() broker.Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://sessiontoken-demo.invalid",
		ticks:      make(chan domain.Tick, 256),
	}
}

// WithBaseURL overrides the upstream URL, used by tests against httptest servers.
func (a *Adapter) WithBaseURL(url string) *Adapter {
	a.baseURL = url
	return a
}

func (a *Adapter) Name() string { return BrokerName }

func (a *Adapter) Capabilities() broker.Capabilities {
	caps, _ := broker.Global().CapabilitiesOf(BrokerName)
	return caps
}

func (a *Adapter) Initialize(ctx context.Context, creds broker.Credentials) error {
	resp, err := a.post(ctx, "/session/login", map[string]string{
		"api_key":    creds.APIKey,
		"api_secret": creds.APISecret,
	})
	if err != nil {
		return err
	}
	var out struct {
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return apperr.NewBrokerError(apperr.BrokerInvalidToken, "malformed login response", err)
	}
	a.mu.Lock()
	a.sessionToken = out.SessionToken
	a.mu.Unlock()
	apperr.RegisterSecret(out.SessionToken)
	return nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	a.log.Info().Msg("connected")
	return nil
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	token := a.sessionToken
	a.sessionToken = ""
	a.mu.Unlock()
	apperr.ForgetSecret(token)
	close(a.ticks)
	return nil
}

func (a *Adapter) Subscribe(symbol, exchange string, mode domain.StreamMode, depthLevel int) error {
	_, err := a.post(context.Background(), "/feed/subscribe", map[string]interface{}{
		"symbol": symbol, "exchange": exchange, "mode": mode, "depth_level": depthLevel,
	})
	return err
}

func (a *Adapter) Unsubscribe(symbol, exchange string, mode domain.StreamMode) error {
	_, err := a.post(context.Background(), "/feed/unsubscribe", map[string]interface{}{
		"symbol": symbol, "exchange": exchange, "mode": mode,
	})
	return err
}

// UnsubscribeAll sends the unsubscribe-everything message without closing
// the underlying session, honoring this broker's cooldown quirk.
func (a *Adapter) UnsubscribeAll() error {
	_, err := a.post(context.Background(), "/feed/unsubscribe-all", nil)
	return err
}

func (a *Adapter) Ticks() <-chan domain.Tick { return a.ticks }

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	resp, err := a.post(ctx, "/orders", map[string]interface{}{
		"symbol": req.Symbol, "exchange": req.Exchange, "action": req.Action,
		"quantity": req.Quantity, "price_type": req.PriceType, "product": req.Product,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return "", apperr.NewBrokerError(apperr.BrokerInvalidInput, "malformed order response", err)
	}
	return out.OrderID, nil
}

func (a *Adapter) ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	_, err := a.post(ctx, "/orders/"+brokerOrderID+"/modify", fields)
	return err
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := a.post(ctx, "/orders/"+brokerOrderID+"/cancel", nil)
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

// post sends a POST, which is never retried, so order placement cannot be
// submitted twice; do retries only GET requests, once, on network/timeout
// errors with capped exponential backoff, per the propagation policy in §7.
func (a *Adapter) post(ctx context.Context, path string, body interface{}) (*envelope, error) {
	return a.do(ctx, http.MethodPost, path, body)
}

func (a *Adapter) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return apperr.NewBrokerError(apperr.BrokerInvalidInput, "malformed response", err)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body interface{}) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.NewBrokerError(apperr.BrokerInvalidInput, "failed to marshal request", err)
		}
		reader = bytes.NewReader(buf)
	}

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 1 * time.Second, Factor: 2, Jitter: true}
	retryable := method == http.MethodGet
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return nil, apperr.NewBrokerError(apperr.BrokerInvalidInput, "failed to build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		a.mu.Lock()
		token := a.sessionToken
		a.mu.Unlock()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = apperr.NewBrokerError(apperr.BrokerNetwork, "request failed", err)
			if retryable && attempt == 0 {
				time.Sleep(b.Duration())
				continue
			}
			return nil, lastErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.NewBrokerError(apperr.BrokerInvalidToken, "session token rejected", nil)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.NewBrokerError(apperr.BrokerNetwork, "failed to read response", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, apperr.NewBrokerError(apperr.BrokerInvalidInput, "malformed envelope", err)
		}
		if !env.Success {
			msg := "unknown broker error"
			if env.Error != nil {
				msg = *env.Error
			}
			return nil, apperr.NewBrokerError(apperr.BrokerOrderRejected, msg, nil)
		}
		return &env, nil
	}
	return nil, lastErr
}
