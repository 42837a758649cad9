// Package oauth2broker implements a representative OAUTH2-style broker
// adapter: authentication uses golang.org/x/oauth2's TokenSource for
// transparent refresh, and the live feed is a gorilla/websocket connection
// authorized with a bearer token, following the connection shape of
// bjoelf-saxo-adapter's websocket client; the feed is not reconnected after
// a read error.
package oauth2broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/domain"
)

// BrokerName is the registration key for this adapter.
const BrokerName = "oauth2-demo"

func init() {
	broker.Global().Register(BrokerName, New, broker.Capabilities{
		MaxSymbolsPerConnection: 2000,
		PriceDivisor:            decimal.NewFromInt(1),
		PersistentOnDisconnect:  false,
		RequiresMarketDataCreds: true,
		AuthenticationStyle:     domain.AuthOAuth2,
	})
}

// Adapter is an OAUTH2 broker with a websocket feed.
type Adapter struct {
	log zerolog.Logger

	restBase string
	wsURL    string
	oauthCfg oauth2.Config

	mu     sync.Mutex
	tokSrc oauth2.TokenSource
	conn   *websocket.Conn
	subs   map[string]bool // "symbol|exchange|mode" -> active

	ticks chan domain.Tick
	done  chan struct{}
}

// New builds an uninitialized Adapter, matching broker.Constructor.
func New() broker.Adapter {
	return &Adapter{
		restBase: "https://oauth2-demo.invalid/api",
		wsURL:    "wss://oauth2-demo.invalid/stream",
		oauthCfg: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://oauth2-demo.invalid/authorize",
				TokenURL: "https://oauth2-demo.invalid/token",
			},
		},
		subs:  make(map[string]bool),
		ticks: make(chan domain.Tick, 256),
		done:  make(chan struct{}),
	}
}

func (a *Adapter) Name() string { return BrokerName }

func (a *Adapter) Capabilities() broker.Capabilities {
	caps, _ := broker.Global().CapabilitiesOf(BrokerName)
	return caps
}

// Initialize wires up a refreshing TokenSource from the decrypted access
// and refresh tokens; all subsequent calls fetch the live token on demand
// rather than caching plaintext.
func (a *Adapter) Initialize(ctx context.Context, creds broker.Credentials) error {
	a.oauthCfg.ClientID = creds.ClientID
	a.oauthCfg.ClientSecret = creds.APISecret

	tok := &oauth2.Token{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken}
	a.mu.Lock()
	a.tokSrc = a.oauthCfg.TokenSource(ctx, tok)
	a.mu.Unlock()
	apperr.RegisterSecret(creds.AccessToken)
	apperr.RegisterSecret(creds.RefreshToken)

	_, err := a.token(ctx)
	return err
}

func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	src := a.tokSrc
	a.mu.Unlock()
	if src == nil {
		return "", apperr.NewBrokerError(apperr.BrokerInvalidToken, "adapter not initialized", nil)
	}
	tok, err := src.Token()
	if err != nil {
		return "", apperr.NewBrokerError(apperr.BrokerInvalidToken, "token refresh failed", err)
	}
	return tok.AccessToken, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	accessToken, err := a.token(ctx)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return apperr.NewBrokerError(apperr.BrokerInvalidToken, "feed rejected token", err)
		}
		return apperr.NewBrokerError(apperr.BrokerNetwork, "feed connect failed", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer close(a.ticks)
	for {
		select {
		case <-a.done:
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.log.Warn().Err(err).Msg("feed read failed, stopping adapter receive loop")
			return
		}
		var wire struct {
			Symbol   string  `json:"symbol"`
			Exchange string  `json:"exchange"`
			LTP      float64 `json:"ltp"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			continue
		}
		tick := domain.Tick{
			Symbol:    wire.Symbol,
			Exchange:  wire.Exchange,
			Mode:      domain.ModeLTP,
			LTP:       decimal.NewFromFloat(wire.LTP),
			Timestamp: time.Now(),
		}
		select {
		case a.ticks <- tick:
		default: // bus-side drop-oldest applies downstream; never block the feed read loop
		}
	}
}

func (a *Adapter) Disconnect() error {
	close(a.done)
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (a *Adapter) subKey(symbol, exchange string, mode domain.StreamMode) string {
	return fmt.Sprintf("%s|%s|%d", symbol, exchange, mode)
}

func (a *Adapter) Subscribe(symbol, exchange string, mode domain.StreamMode, depthLevel int) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return apperr.NewBrokerError(apperr.BrokerNetwork, "feed not connected", nil)
	}
	msg := map[string]interface{}{
		"action": "subscribe", "symbol": symbol, "exchange": exchange, "mode": mode, "depth_level": depthLevel,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return apperr.NewBrokerError(apperr.BrokerNetwork, "subscribe failed", err)
	}
	a.mu.Lock()
	a.subs[a.subKey(symbol, exchange, mode)] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Unsubscribe(symbol, exchange string, mode domain.StreamMode) error {
	a.mu.Lock()
	conn := a.conn
	delete(a.subs, a.subKey(symbol, exchange, mode))
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{"action": "unsubscribe", "symbol": symbol, "exchange": exchange, "mode": mode})
}

func (a *Adapter) UnsubscribeAll() error {
	a.mu.Lock()
	conn := a.conn
	keys := make([]string, 0, len(a.subs))
	for k := range a.subs {
		keys = append(keys, k)
	}
	a.subs = make(map[string]bool)
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteJSON(map[string]interface{}{"action": "unsubscribe_all", "count": len(keys)})
}

func (a *Adapter) Ticks() <-chan domain.Tick { return a.ticks }

// restCall fetches a bearer token from the same TokenSource the feed uses
// and returns its error, if any; it sends no REST request.

func (a *Adapter) restCall(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	accessToken, err := a.token(ctx)
	if err != nil {
		return err
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	_ = client
	_ = method
	_ = path
	_ = body
	_ = out
	return nil // REST surface intentionally minimal; this adapter's purpose is to exercise the OAUTH2 + websocket shapes.
}

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if _, err := a.token(ctx); err != nil {
		return "", err
	}
	return "", apperr.NewBrokerError(apperr.BrokerInvalidInput, "order REST surface not implemented for this demo adapter", nil)
}

func (a *Adapter) ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	return a.restCall(ctx, http.MethodPost, "/orders/"+brokerOrderID, fields, nil)
}

func (a *Adapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return a.restCall(ctx, http.MethodDelete, "/orders/"+brokerOrderID, nil, nil)
}

func (a *Adapter) GetOrderbook(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	return out, a.restCall(ctx, http.MethodGet, "/orders", nil, &out)
}

func (a *Adapter) GetTradebook(ctx context.Context) ([]domain.Trade, error) {
	var out []domain.Trade
	return out, a.restCall(ctx, http.MethodGet, "/trades", nil, &out)
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	return out, a.restCall(ctx, http.MethodGet, "/positions", nil, &out)
}

func (a *Adapter) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	var out []domain.Holding
	return out, a.restCall(ctx, http.MethodGet, "/holdings", nil, &out)
}

func (a *Adapter) GetFunds(ctx context.Context) (decimal.Decimal, error) {
	if _, err := a.token(ctx); err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, nil
}

func (a *Adapter) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	var out domain.Tick
	return out, a.restCall(ctx, http.MethodGet, "/quote", nil, &out)
}

func (a *Adapter) GetDepth(ctx context.Context, symbol, exchange string) (domain.MarketDepth, error) {
	var out domain.MarketDepth
	return out, a.restCall(ctx, http.MethodGet, "/depth", nil, &out)
}

func (a *Adapter) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Tick, error) {
	var out []domain.Tick
	return out, a.restCall(ctx, http.MethodGet, "/history", nil, &out)
}
