// Package broker defines the broker-agnostic adapter contract (§4.4): every
// upstream broker implements this interface, and a factory with an
// exhaustive, explicitly-registered table of constructors instantiates them
// by name. No dynamic plugin loading is implemented — see factory.go.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/domain"
)

// Credentials is the decrypted material an adapter needs to authenticate.
// Callers decrypt into this struct on demand and must not retain it longer
// than the initialize/connect call.
type Credentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	RefreshToken string
	FeedToken    string
	ClientID     string
}

// Capabilities are declared at registration time and are discoverable by
// the factory and the streaming proxy without instantiating an adapter.
type Capabilities struct {
	MaxSymbolsPerConnection int
	PriceDivisor            decimal.Decimal
	PersistentOnDisconnect  bool
	RequiresMarketDataCreds bool
	AuthenticationStyle     domain.AuthenticationStyle
}

// Adapter is the per-broker capability contract. Every method blocks only
// for the duration of one upstream call and must respect ctx cancellation;
// the factory hands out a fresh, uninitialized value per call to Create.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// Session lifecycle
	Initialize(ctx context.Context, creds Credentials) error

	// Order operations — synchronous, bounded by a per-broker timeout.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (brokerOrderID string, err error)
	ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderbook(ctx context.Context) ([]domain.Order, error)
	GetTradebook(ctx context.Context) ([]domain.Trade, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetHoldings(ctx context.Context) ([]domain.Holding, error)
	GetFunds(ctx context.Context) (decimal.Decimal, error)
	GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error)
	GetDepth(ctx context.Context, symbol, exchange string) (domain.MarketDepth, error)
	GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Tick, error)

	// Streaming operations — asynchronous, cooperative.
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbol, exchange string, mode domain.StreamMode, depthLevel int) error
	Unsubscribe(symbol, exchange string, mode domain.StreamMode) error
	// UnsubscribeAll sends unsubscribe messages for every active
	// subscription but does NOT tear down the connection — required for
	// brokers with a server-side cooldown after a clean disconnect.
	UnsubscribeAll() error

	// Ticks exposes the adapter's normalized outbound tick stream; the
	// streaming proxy's per-adapter receive loop republishes these onto
	// the pub/sub bus.
	Ticks() <-chan domain.Tick
}

// Constructor builds a fresh, uninitialized Adapter instance.
type Constructor func() Adapter
