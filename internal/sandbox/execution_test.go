package sandbox

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/domain"
)

func TestTriggersLimitBuyFillsAtOrBelowLimit(t *testing.T) {
	price := dec("2400")
	o := Order{PriceType: domain.PriceLimit, Action: domain.ActionBuy, Price: &price}

	assert.True(t, triggers(o, dec("2400")))
	assert.True(t, triggers(o, dec("2399")))
	assert.False(t, triggers(o, dec("2401")))
}

func TestTriggersLimitSellFillsAtOrAboveLimit(t *testing.T) {
	price := dec("2400")
	o := Order{PriceType: domain.PriceLimit, Action: domain.ActionSell, Price: &price}

	assert.True(t, triggers(o, dec("2400")))
	assert.True(t, triggers(o, dec("2401")))
	assert.False(t, triggers(o, dec("2399")))
}

func TestTriggersStopLossBuyFillsAtOrAboveTrigger(t *testing.T) {
	trigger := dec("2600")
	o := Order{PriceType: domain.PriceSL, Action: domain.ActionBuy, TriggerPrice: &trigger}

	assert.True(t, triggers(o, dec("2600")))
	assert.False(t, triggers(o, dec("2599")))
}

func TestTriggersStopLossSellFillsAtOrBelowTrigger(t *testing.T) {
	trigger := dec("2400")
	o := Order{PriceType: domain.PriceSLM, Action: domain.ActionSell, TriggerPrice: &trigger}

	assert.True(t, triggers(o, dec("2400")))
	assert.False(t, triggers(o, dec("2401")))
}

func TestTriggersMarketOrderNeverTriggers(t *testing.T) {
	o := Order{PriceType: domain.PriceMarket}
	assert.False(t, triggers(o, dec("2500")))
}

func TestTriggersMissingPriceNeverTriggers(t *testing.T) {
	o := Order{PriceType: domain.PriceLimit, Action: domain.ActionBuy, Price: nil}
	assert.False(t, triggers(o, dec("2500")))
}

type mutableQuoteSource struct {
	ltp decimal.Decimal
}

func (m *mutableQuoteSource) GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error) {
	return domain.Tick{Symbol: symbol, Exchange: exchange, LTP: m.ltp}, nil
}

func TestRunExecutionPassFillsOrderWhenLimitIsCrossed(t *testing.T) {
	quotes := &mutableQuoteSource{ltp: dec("2500")}
	e := newTestEngine(t, quotes)
	require.NoError(t, e.Enable(context.Background(), "user1"))

	limitPrice := dec("2400")
	orderID, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 10, PriceType: domain.PriceLimit, Price: &limitPrice,
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
	})
	require.NoError(t, err)

	require.NoError(t, e.RunExecutionPass(context.Background()))
	order, err := e.repo.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, order.Status, "LTP above the limit must not fill a BUY LIMIT order yet")

	quotes.ltp = dec("2400")
	require.NoError(t, e.RunExecutionPass(context.Background()))
	order, err = e.repo.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, order.Status)
}

func TestRunExecutionPassRespectsPerUserRateLimit(t *testing.T) {
	quotes := &mutableQuoteSource{ltp: dec("2400")}
	e := newTestEngine(t, quotes)
	require.NoError(t, e.Enable(context.Background(), "user1"))

	cfg, err := e.repo.Config(context.Background(), "user1")
	require.NoError(t, err)
	cfg.OrderRateLimit = 1
	require.NoError(t, e.repo.UpsertConfig(context.Background(), cfg))

	limitPrice := dec("2400")
	order1, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 1, PriceType: domain.PriceLimit, Price: &limitPrice,
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
	})
	require.NoError(t, err)
	order2, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 1, PriceType: domain.PriceLimit, Price: &limitPrice,
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "TCS",
	})
	require.NoError(t, err)

	require.NoError(t, e.RunExecutionPass(context.Background()))

	o1, err := e.repo.GetOrder(context.Background(), order1)
	require.NoError(t, err)
	o2, err := e.repo.GetOrder(context.Background(), order2)
	require.NoError(t, err)

	filled := 0
	if o1.Status == domain.OrderComplete {
		filled++
	}
	if o2.Status == domain.OrderComplete {
		filled++
	}
	assert.Equal(t, 1, filled, "only order_rate_limit fills per user should happen in a single pass")
}
