package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/domain"
)

// stubAdapter is the minimal Adapter implementation needed to exercise the
// factory's registration table without pulling in a real broker's wire
// protocol.
type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string                 { return s.name }
func (s *stubAdapter) Capabilities() Capabilities    { return Capabilities{} }
func (s *stubAdapter) Initialize(ctx context.Context, creds Credentials) error { return nil }
func (s *stubAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	return "", nil
}
func (s *stubAdapter) ModifyOrder(ctx context.Context, brokerOrderID string, fields map[string]interface{}) error {
	return nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error { return nil }
func (s *stubAdapter) GetOrderbook(ctx context.Context) ([]domain.Order, error)    { return nil, nil }
func (s *stubAdapter) GetTradebook(ctx context.Context) ([]domain.Trade, error)    { return nil, nil }
func (s *stubAdapter) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (s *stubAdapter) GetHoldings(ctx context.Context) ([]domain.Holding, error)   { return nil, nil }
func (s *stubAdapter) GetFunds(ctx context.Context) (decimal.Decimal, error)       { return decimal.Zero, nil }
func (s *stubAdapter) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	return domain.Tick{}, nil
}
func (s *stubAdapter) GetDepth(ctx context.Context, symbol, exchange string) (domain.MarketDepth, error) {
	return domain.MarketDepth{}, nil
}
func (s *stubAdapter) GetHistory(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Tick, error) {
	return nil, nil
}
func (s *stubAdapter) Connect(ctx context.Context) error { return nil }
func (s *stubAdapter) Disconnect() error                 { return nil }
func (s *stubAdapter) Subscribe(symbol, exchange string, mode domain.StreamMode, depthLevel int) error {
	return nil
}
func (s *stubAdapter) Unsubscribe(symbol, exchange string, mode domain.StreamMode) error { return nil }
func (s *stubAdapter) UnsubscribeAll() error                                             { return nil }
func (s *stubAdapter) Ticks() <-chan domain.Tick                                         { return nil }

func TestFactoryCreateUnknownBroker(t *testing.T) {
	f := NewFactory()
	_, err := f.Create("nosuch")
	require.Error(t, err)
	var unknown *UnknownBrokerError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nosuch", unknown.BrokerName)
}

func TestFactoryRegisterAndCreate(t *testing.T) {
	f := NewFactory()
	caps := Capabilities{MaxSymbolsPerConnection: 50, PriceDivisor: decimal.NewFromInt(100)}
	f.Register("demo", func() Adapter { return &stubAdapter{name: "demo"} }, caps)

	got, ok := f.CapabilitiesOf("demo")
	require.True(t, ok)
	assert.Equal(t, 50, got.MaxSymbolsPerConnection)

	a, err := f.Create("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", a.Name())
}

func TestFactoryRegisterTwiceOverwrites(t *testing.T) {
	f := NewFactory()
	f.Register("demo", func() Adapter { return &stubAdapter{name: "v1"} }, Capabilities{})
	f.Register("demo", func() Adapter { return &stubAdapter{name: "v2"} }, Capabilities{})

	a, err := f.Create("demo")
	require.NoError(t, err)
	assert.Equal(t, "v2", a.Name())
}

func TestFactoryRegisteredListsAllNames(t *testing.T) {
	f := NewFactory()
	f.Register("demo1", func() Adapter { return &stubAdapter{} }, Capabilities{})
	f.Register("demo2", func() Adapter { return &stubAdapter{} }, Capabilities{})

	assert.ElementsMatch(t, []string{"demo1", "demo2"}, f.Registered())
}

func TestGlobalFactoryIsSharedSingleton(t *testing.T) {
	assert.Same(t, Global(), Global())
}
