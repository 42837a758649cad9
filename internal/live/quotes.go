package live

import (
	"context"
	"sync"

	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/credentials"
	"github.com/quantgate/gateway/internal/domain"
)

// MarketDataSource implements sandbox.QuoteSource over one lazily-connected,
// shared broker adapter authenticated with a dedicated market-data account
// (broker.Capabilities.RequiresMarketDataCreds, §4.4) rather than any
// individual trader's credentials — the sandbox engine's LTP reads are not
// scoped to a particular user.
type MarketDataSource struct {
	factory      *broker.Factory
	creds        credentials.Source
	systemUserID string

	mu      sync.Mutex
	adapter broker.Adapter
}

// NewMarketDataSource builds a MarketDataSource that authenticates as
// systemUserID's default broker binding on first use.
func NewMarketDataSource(factory *broker.Factory, creds credentials.Source, systemUserID string) *MarketDataSource {
	return &MarketDataSource{factory: factory, creds: creds, systemUserID: systemUserID}
}

func (m *MarketDataSource) ensureAdapter(ctx context.Context) (broker.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adapter != nil {
		return m.adapter, nil
	}
	brokerName, err := m.creds.DefaultBroker(ctx, m.systemUserID)
	if err != nil {
		return nil, err
	}
	adapter, err := m.factory.Create(brokerName)
	if err != nil {
		return nil, err
	}
	creds, err := m.creds.Credentials(ctx, m.systemUserID, brokerName)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx, creds); err != nil {
		return nil, err
	}
	m.adapter = adapter
	return adapter, nil
}

// GetQuote implements sandbox.QuoteSource.
func (m *MarketDataSource) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	adapter, err := m.ensureAdapter(ctx)
	if err != nil {
		return domain.Tick{}, err
	}
	return adapter.GetQuote(ctx, symbol, exchange)
}
