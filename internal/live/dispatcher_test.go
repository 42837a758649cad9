package live

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/database/repositories"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/registry"
)

const testOrdersSchema = `
CREATE TABLE users (user_id TEXT PRIMARY KEY, password_verifier TEXT NOT NULL);
CREATE TABLE broker_sessions (
	user_id TEXT NOT NULL, broker_name TEXT NOT NULL, access_token_ct BLOB NOT NULL,
	refresh_token_ct BLOB, feed_token_ct BLOB, expires_at TIMESTAMP NOT NULL,
	is_revoked INTEGER NOT NULL DEFAULT 0, PRIMARY KEY (user_id, broker_name)
);
CREATE TABLE orders (
	order_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	action          TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	price_type      TEXT NOT NULL,
	price           TEXT,
	trigger_price   TEXT,
	product         TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled_quantity INTEGER NOT NULL DEFAULT 0,
	average_price   TEXT NOT NULL DEFAULT '0',
	margin_blocked  TEXT NOT NULL DEFAULT '0',
	broker_order_id TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE trades (trade_id TEXT PRIMARY KEY, order_id TEXT NOT NULL, quantity INTEGER NOT NULL, price TEXT NOT NULL, timestamp TIMESTAMP NOT NULL);
CREATE TABLE positions (
	user_id TEXT NOT NULL, symbol TEXT NOT NULL, exchange TEXT NOT NULL, product TEXT NOT NULL,
	net_quantity INTEGER NOT NULL DEFAULT 0, avg_price TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0', realized_pnl TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange, product)
);
CREATE TABLE holdings (user_id TEXT NOT NULL, symbol TEXT NOT NULL, exchange TEXT NOT NULL, quantity INTEGER NOT NULL DEFAULT 0, avg_price TEXT NOT NULL DEFAULT '0');
`

type fakeLiveAdapter struct {
	initialized  bool
	placeErr     error
	cancelErr    error
	lastRequest  domain.OrderRequest
	placedID     string
	cancelledIDs []string
	modifiedID   string
	funds        decimal.Decimal
}

func (f *fakeLiveAdapter) Name() string { return "fake-live-broker" }
func (f *fakeLiveAdapter) Capabilities() broker.Capabilities {
	return broker.Capabilities{PriceDivisor: decimal.NewFromInt(1)}
}
func (f *fakeLiveAdapter) Initialize(ctx context.Context, creds broker.Credentials) error {
	f.initialized = true
	return nil
}
func (f *fakeLiveAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	f.lastRequest = req
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placedID = "BROKER-ORDER-1"
	return f.placedID, nil
}
func (f *fakeLiveAdapter) ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	f.modifiedID = brokerOrderID
	return nil
}
func (f *fakeLiveAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelledIDs = append(f.cancelledIDs, brokerOrderID)
	return nil
}
func (f *fakeLiveAdapter) GetOrderbook(ctx context.Context) ([]domain.Order, error) { return nil, nil }
func (f *fakeLiveAdapter) GetTradebook(ctx context.Context) ([]domain.Trade, error) { return nil, nil }
func (f *fakeLiveAdapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakeLiveAdapter) GetHoldings(ctx context.Context) ([]domain.Holding, error) { return nil, nil }
func (f *fakeLiveAdapter) GetFunds(ctx context.Context) (decimal.Decimal, error)     { return f.funds, nil }
func (f *fakeLiveAdapter) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	return domain.Tick{}, nil
}
func (f *fakeLiveAdapter) GetDepth(ctx context.Context, symbol, exchange string) (domain.MarketDepth, error) {
	return domain.MarketDepth{}, nil
}
func (f *fakeLiveAdapter) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Tick, error) {
	return nil, nil
}
func (f *fakeLiveAdapter) Connect(ctx context.Context) error                                     { return nil }
func (f *fakeLiveAdapter) Disconnect() error                                                     { return nil }
func (f *fakeLiveAdapter) Subscribe(symbol, exchange string, mode domain.StreamMode, depth int) error {
	return nil
}
func (f *fakeLiveAdapter) Unsubscribe(symbol, exchange string, mode domain.StreamMode) error { return nil }
func (f *fakeLiveAdapter) UnsubscribeAll() error                                              { return nil }
func (f *fakeLiveAdapter) Ticks() <-chan domain.Tick                                          { return nil }

type fakeCredSource struct {
	brokerName string
}

func (f fakeCredSource) DefaultBroker(ctx context.Context, userID string) (string, error) {
	return f.brokerName, nil
}
func (f fakeCredSource) Credentials(ctx context.Context, userID, brokerName string) (broker.Credentials, error) {
	return broker.Credentials{APIKey: "key"}, nil
}

func newTestDispatcher(t *testing.T, adapter *fakeLiveAdapter) (*Dispatcher, *sql.DB) {
	d, db, _ := newTestDispatcherWithVerifier(t, adapter)
	return d, db
}

func newTestDispatcherWithVerifier(t *testing.T, adapter *fakeLiveAdapter) (*Dispatcher, *sql.DB, *authcache.Verifier) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testOrdersSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	factory := broker.NewFactory()
	factory.Register("fake-live-broker", func() broker.Adapter { return adapter }, broker.Capabilities{})

	reg := registry.New(zerolog.Nop())
	require.NoError(t, reg.Reload(registry.NewStaticSource()))

	orderRepo := repositories.NewOrderRepository(db, zerolog.Nop())
	sessionRepo := repositories.NewBrokerSessionRepository(db, zerolog.Nop())
	verifier := authcache.NewVerifier(authcache.New(zerolog.Nop()), nil)
	d := New(zerolog.Nop(), factory, fakeCredSource{brokerName: "fake-live-broker"}, orderRepo, reg, sessionRepo, verifier)
	return d, db, verifier
}

func TestDispatchPlaceOrderCallsAdapterAndPersistsOrder(t *testing.T) {
	adapter := &fakeLiveAdapter{}
	d, db := newTestDispatcher(t, adapter)
	_, err := db.Exec(`INSERT INTO users (user_id, password_verifier) VALUES ('user1', 'v')`)
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), "user1", "placeorder", map[string]interface{}{
		"symbol": "RELIANCE", "exchange": "NSE", "action": "BUY", "quantity": float64(10),
		"pricetype": "MARKET", "product": "MIS",
	})
	require.NoError(t, err)
	assert.True(t, adapter.initialized)
	assert.Equal(t, "BROKER-ORDER-1", out["orderid"])

	orderRepo := repositories.NewOrderRepository(db, zerolog.Nop())
	orders, err := orderRepo.ListByUser(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "BROKER-ORDER-1", orders[0].BrokerOrderID)
}

func TestDispatchPlaceOrderRejectsUnknownSymbol(t *testing.T) {
	adapter := &fakeLiveAdapter{}
	d, _ := newTestDispatcher(t, adapter)

	_, err := d.Dispatch(context.Background(), "user1", "placeorder", map[string]interface{}{
		"symbol": "NOSUCH", "exchange": "NSE", "action": "BUY", "quantity": float64(10),
		"pricetype": "MARKET", "product": "MIS",
	})
	assert.Error(t, err)
	assert.Empty(t, adapter.lastRequest.Symbol, "adapter must never be called for an unresolvable instrument")
}

func TestDispatchCancelOrderForwardsToAdapter(t *testing.T) {
	adapter := &fakeLiveAdapter{}
	d, _ := newTestDispatcher(t, adapter)

	out, err := d.Dispatch(context.Background(), "user1", "cancelorder", map[string]interface{}{"orderid": "BROKER-1"})
	require.NoError(t, err)
	assert.Equal(t, "BROKER-1", out["orderid"])
	assert.Equal(t, []string{"BROKER-1"}, adapter.cancelledIDs)
}

func TestDispatchModifyOrderForwardsToAdapter(t *testing.T) {
	adapter := &fakeLiveAdapter{}
	d, _ := newTestDispatcher(t, adapter)

	_, err := d.Dispatch(context.Background(), "user1", "modifyorder", map[string]interface{}{"orderid": "BROKER-1", "quantity": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, "BROKER-1", adapter.modifiedID)
}

func TestDispatchFundsReturnsAdapterValue(t *testing.T) {
	adapter := &fakeLiveAdapter{funds: decimal.RequireFromString("12345.67")}
	d, _ := newTestDispatcher(t, adapter)

	out, err := d.Dispatch(context.Background(), "user1", "funds", map[string]interface{}{})
	require.NoError(t, err)
	data, ok := out["data"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "12345.67", data["available"])
}

func TestDispatchUnsupportedAPITypeFails(t *testing.T) {
	adapter := &fakeLiveAdapter{}
	d, _ := newTestDispatcher(t, adapter)

	_, err := d.Dispatch(context.Background(), "user1", "bogus", map[string]interface{}{})
	assert.Error(t, err)
}

// TestDispatchRevokesSessionAndCacheOnInvalidToken covers the
// broker-invalid-token propagation policy: a BrokerInvalidToken error from
// the adapter must revoke the user's broker session rows and purge their
// cached api keys, so the next request is forced back through login
// instead of retrying a token that will never succeed.
func TestDispatchRevokesSessionAndCacheOnInvalidToken(t *testing.T) {
	adapter := &fakeLiveAdapter{cancelErr: apperr.NewBrokerError(apperr.BrokerInvalidToken, "token expired", nil)}
	d, db, verifier := newTestDispatcherWithVerifier(t, adapter)

	_, err := db.Exec(`INSERT INTO users (user_id, password_verifier) VALUES ('user1', 'v')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO broker_sessions (user_id, broker_name, access_token_ct, expires_at, is_revoked)
		VALUES ('user1', 'fake-live-broker', 'ct', ?, 0)`, time.Now().Add(time.Hour))
	require.NoError(t, err)

	verifier.Cache().StoreValid("some-api-key", authcache.CachedKey{UserID: "user1"})

	_, err = d.Dispatch(context.Background(), "user1", "cancelorder", map[string]interface{}{"orderid": "BROKER-1"})
	require.Error(t, err)

	sessionRepo := repositories.NewBrokerSessionRepository(db, zerolog.Nop())
	session, err := sessionRepo.Get(context.Background(), "user1", "fake-live-broker")
	require.NoError(t, err)
	assert.True(t, session.IsRevoked, "broker session must be revoked after an invalid-token error")

	_, found := verifier.Cache().Lookup("some-api-key")
	assert.False(t, found, "cached api key must be purged after an invalid-token error")
}
