package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/domain"
)

func TestParseHHMM(t *testing.T) {
	hour, minute, err := parseHHMM("15:15")
	require.NoError(t, err)
	assert.Equal(t, 15, hour)
	assert.Equal(t, 15, minute)
}

func TestCronFromClockBuildsDailyExpression(t *testing.T) {
	expr, err := cronFromClock("23:30", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "0 30 23 * * *", expr)
}

func TestRunSquareOffCancelsOpenOrdersAndReleasesMargin(t *testing.T) {
	e := newTestEngine(t, fakeQuoteSource{ltp: dec("2500")})
	require.NoError(t, e.Enable(context.Background(), "user1"))

	orderID, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 10, PriceType: domain.PriceLimit, Price: decPtr("2400"),
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
	})
	require.NoError(t, err)

	fundsBefore, err := e.repo.Funds(context.Background(), "user1")
	require.NoError(t, err)
	require.True(t, fundsBefore.UsedMargin.GreaterThan(decimalZero()))

	require.NoError(t, e.RunSquareOff(context.Background(), "NSE_BSE_NFO_BFO"))

	order, err := e.repo.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.Status)

	fundsAfter, err := e.repo.Funds(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, fundsAfter.UsedMargin.IsZero(), "square-off must release all blocked margin")
}

func TestRunSquareOffReversesOpenMISPositions(t *testing.T) {
	e := newTestEngine(t, fakeQuoteSource{ltp: dec("2500")})
	require.NoError(t, e.Enable(context.Background(), "user1"))

	orderID, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 10, PriceType: domain.PriceMarket,
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
	})
	require.NoError(t, err)
	order, err := e.repo.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderComplete, order.Status)

	require.NoError(t, e.RunSquareOff(context.Background(), "NSE_BSE_NFO_BFO"))

	pos, err := e.repo.Position(context.Background(), "user1", "RELIANCE", "NSE", domain.ProductMIS)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos.NetQuantity, "square-off must flatten every non-zero MIS position")

	funds, err := e.repo.Funds(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, funds.UsedMargin.IsZero(), "square-off must release the margin a flattened position was blocking")
	assert.True(t, funds.Available.Add(funds.UsedMargin).Equal(funds.TotalCapital.Add(funds.RealizedPnL)),
		"margin invariant must hold after square-off: available+used_margin = total_capital+realized_pnl")
}

func TestRunSquareOffIgnoresOtherExchangeGroups(t *testing.T) {
	e := newTestEngine(t, fakeQuoteSource{ltp: dec("2500")})
	require.NoError(t, e.Enable(context.Background(), "user1"))

	orderID, err := e.PlaceOrder(context.Background(), "user1", domain.OrderRequest{
		Action: domain.ActionBuy, Quantity: 10, PriceType: domain.PriceLimit, Price: decPtr("2400"),
		Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
	})
	require.NoError(t, err)

	require.NoError(t, e.RunSquareOff(context.Background(), "MCX"))

	order, err := e.repo.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, order.Status, "square-off for an unrelated exchange group must not touch this order")
}

func TestRunFundResetRestoresSeedCapitalAndIncrementsCount(t *testing.T) {
	e := newTestEngine(t, fakeQuoteSource{ltp: dec("2500")})
	require.NoError(t, e.Enable(context.Background(), "user1"))

	f, err := e.repo.Funds(context.Background(), "user1")
	require.NoError(t, err)
	f.Available = dec("1")
	f.UsedMargin = dec("999")
	f.RealizedPnL = dec("-500")
	require.NoError(t, e.repo.UpsertFunds(context.Background(), f))

	require.NoError(t, e.RunFundReset(context.Background()))

	got, err := e.repo.Funds(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, got.Available.Equal(DefaultConfig("user1").SeedCapital))
	assert.True(t, got.UsedMargin.IsZero())
	assert.True(t, got.RealizedPnL.IsZero())
	assert.Equal(t, 1, got.ResetCount)
}

func decPtr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func decimalZero() decimal.Decimal { return decimal.Zero }
