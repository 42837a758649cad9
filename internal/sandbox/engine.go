package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/events"
	"github.com/quantgate/gateway/internal/registry"
)

// QuoteSource is the live Market-Data path the sandbox reads from
// read-only (§4.8 step 2): "Fetch current LTP via the live Market-Data
// path". The engine never calls any order-mutating broker method.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol, exchange string) (domain.Tick, error)
}

// Engine is the Sandbox Execution Engine (C8).
type Engine struct {
	log      zerolog.Logger
	repo     *Repository
	registry *registry.Registry
	quotes   QuoteSource
	ev       *events.Manager
}

// New builds an Engine over its own Repository.
func New(log zerolog.Logger, repo *Repository, reg *registry.Registry, quotes QuoteSource, ev *events.Manager) *Engine {
	return &Engine{log: log.With().Str("component", "sandbox").Logger(), repo: repo, registry: reg, quotes: quotes, ev: ev}
}

// Enabled implements router.SandboxRouter.
func (e *Engine) Enabled(userID string) bool {
	return e.repo.IsEnabled(context.Background(), userID)
}

// Enable turns sandbox mode on for userID, seeding funds on first use.
func (e *Engine) Enable(ctx context.Context, userID string) error {
	cfg, err := e.repo.Config(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.repo.UpsertConfig(ctx, cfg); err != nil {
		return err
	}
	if _, err := e.repo.Funds(ctx, userID); err != nil {
		return e.repo.UpsertFunds(ctx, Funds{
			UserID: userID, TotalCapital: cfg.SeedCapital, Available: cfg.SeedCapital,
			UsedMargin: decimal.Zero, RealizedPnL: decimal.Zero,
		})
	}
	return nil
}

// Dispatch implements router.SandboxRouter, translating the router's
// generic order_blob into a sandbox order placement or any of the
// Action Center's read/modify operations (§5.7), all served from the
// Sandbox's own isolated state rather than a broker.
func (e *Engine) Dispatch(ctx context.Context, userID, apiType string, orderBlob map[string]interface{}) (map[string]interface{}, error) {
	switch apiType {
	case "placeorder", "smartorder":
		req, err := requestFromBlob(orderBlob)
		if err != nil {
			return nil, err
		}
		orderID, err := e.PlaceOrder(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"orderid": orderID}, nil
	case "orderbook":
		return e.orderbook(ctx, userID)
	case "tradebook":
		return e.tradebook(ctx, userID)
	case "positions":
		return e.listPositions(ctx, userID)
	case "holdings":
		return e.listHoldings(ctx, userID)
	case "funds":
		return e.listFunds(ctx, userID)
	case "orderstatus":
		orderID, _ := orderBlob["orderid"].(string)
		return e.orderStatus(ctx, userID, orderID)
	case "openposition":
		return e.openPosition(ctx, userID, orderBlob)
	case "cancelorder":
		orderID, _ := orderBlob["orderid"].(string)
		return e.cancelOrder(ctx, userID, orderID)
	case "cancelallorder":
		return e.cancelAllOrders(ctx, userID)
	case "modifyorder":
		return e.modifyOrder(ctx, userID, orderBlob)
	case "closeposition":
		return e.closePosition(ctx, userID, orderBlob)
	case "closeallpositions":
		return e.closeAllPositions(ctx, userID)
	default:
		return nil, apperr.New(apperr.InternalErr, "sandbox does not support api_type "+apiType)
	}
}

func requestFromBlob(blob map[string]interface{}) (domain.OrderRequest, error) {
	get := func(k string) string { s, _ := blob[k].(string); return s }
	qty, _ := blob["quantity"].(float64)
	req := domain.OrderRequest{
		Action:    domain.OrderAction(get("action")),
		Quantity:  int64(qty),
		PriceType: domain.PriceType(get("price_type")),
		Product:   domain.Product(get("product")),
		Exchange:  get("exchange"),
		Symbol:    get("symbol"),
	}
	if p, ok := blob["price"].(float64); ok {
		v := decimal.NewFromFloat(p)
		req.Price = &v
	}
	if t, ok := blob["trigger_price"].(float64); ok {
		v := decimal.NewFromFloat(t)
		req.TriggerPrice = &v
	}
	return req, nil
}

// PlaceOrder implements §4.8's order placement path: validate, fetch LTP,
// compute margin, check funds, block margin, persist, and fill immediately
// if MARKET.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, req domain.OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", apperr.New(apperr.InternalErr, "quantity must be positive")
	}
	inst, err := e.registry.Lookup(req.Symbol, req.Exchange)
	if err != nil {
		return "", err
	}

	tick, err := e.quotes.GetQuote(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return "", err
	}

	marginPrice := marginPriceFor(req, tick.LTP)

	cfg, err := e.repo.Config(ctx, userID)
	if err != nil {
		return "", err
	}
	funds, err := e.repo.Funds(ctx, userID)
	if err != nil {
		return "", err
	}
	margin := marginWithLeverage(req, inst, tick.LTP, marginPrice, cfg)
	if funds.Available.LessThan(margin) {
		return "", apperr.New(apperr.InsufficientFunds, "insufficient funds for margin requirement")
	}

	now := time.Now().UTC()
	order := Order{
		OrderID: uuid.NewString(), UserID: userID, Symbol: req.Symbol, Exchange: req.Exchange,
		Action: req.Action, Quantity: req.Quantity, PriceType: req.PriceType, Price: req.Price,
		TriggerPrice: req.TriggerPrice, Product: req.Product, Status: domain.OrderOpen,
		MarginBlocked: margin, CreatedAt: now, UpdatedAt: now,
	}

	funds.Available = funds.Available.Sub(margin)
	funds.UsedMargin = funds.UsedMargin.Add(margin)
	if err := e.repo.UpsertFunds(ctx, funds); err != nil {
		return "", err
	}
	if err := e.repo.CreateOrder(ctx, order); err != nil {
		return "", err
	}

	if req.PriceType == domain.PriceMarket {
		if err := e.fill(ctx, order, tick.LTP); err != nil {
			return "", err
		}
	}
	return order.OrderID, nil
}

// marginPriceFor selects the price used for margin computation (§4.8 step
// 3): MARKET uses LTP, LIMIT uses the limit price, SL/SL-M use the trigger.
func marginPriceFor(req domain.OrderRequest, ltp decimal.Decimal) decimal.Decimal {
	switch req.PriceType {
	case domain.PriceLimit:
		if req.Price != nil {
			return *req.Price
		}
	case domain.PriceSL, domain.PriceSLM:
		if req.TriggerPrice != nil {
			return *req.TriggerPrice
		}
	}
	return ltp
}

// marginWithLeverage is the real margin formula of §4.8 step 3, applied per
// instrument type and action. Option BUY blocks full premium; every other
// leg divides notional by the configured leverage.
func marginWithLeverage(req domain.OrderRequest, inst domain.Instrument, ltp, marginPrice decimal.Decimal, cfg Config) decimal.Decimal {
	lot := decimal.NewFromInt(int64(inst.LotSize))
	if lot.IsZero() {
		lot = decimal.NewFromInt(1)
	}
	qty := decimal.NewFromInt(req.Quantity)

	switch inst.InstrumentType {
	case domain.InstrumentFUT:
		return ltp.Mul(lot).Mul(qty).Div(cfg.FuturesLeverage)
	case domain.InstrumentOptCE, domain.InstrumentOptPE:
		if req.Action == domain.ActionBuy {
			return marginPrice.Mul(lot).Mul(qty)
		}
		return ltp.Mul(lot).Mul(qty).Div(cfg.OptionSellLeverage)
	default: // EQ, INDEX
		if req.Product == domain.ProductCNC {
			return marginPrice.Mul(qty).Div(cfg.EquityCNCLeverage)
		}
		return marginPrice.Mul(qty).Div(cfg.EquityMISLeverage)
	}
}

// fill executes order at fillPrice: records a trade, updates the position
// (§4.8's position-update algorithm), marks the order COMPLETE, and
// recomputes used_margin from the actual fill price (§4.8 on-fill step
// "update used_margin") — a LIMIT/SL order that fills away from its
// placement price changes how much margin the resulting position actually
// requires, so the placement-time block is released in full and replaced
// with a fresh block sized to whatever exposure the fill actually opened.
func (e *Engine) fill(ctx context.Context, order Order, fillPrice decimal.Decimal) error {
	trade := Trade{
		TradeID: uuid.NewString(), OrderID: order.OrderID, UserID: order.UserID,
		Symbol: order.Symbol, Exchange: order.Exchange, Quantity: order.Quantity,
		Price: fillPrice, Timestamp: time.Now().UTC(),
	}
	if err := e.repo.RecordTrade(ctx, trade); err != nil {
		return err
	}

	pos, err := e.repo.Position(ctx, order.UserID, order.Symbol, order.Exchange, order.Product)
	if err != nil {
		return err
	}
	newPos, realizedDelta, openedQty := applyFill(pos, order.Action, order.Quantity, fillPrice)
	if err := e.repo.UpsertPosition(ctx, newPos); err != nil {
		return err
	}

	if err := e.repo.UpdateOrderFill(ctx, order.OrderID, domain.OrderComplete, order.Quantity, fillPrice); err != nil {
		return err
	}

	funds, err := e.repo.Funds(ctx, order.UserID)
	if err != nil {
		return err
	}
	// Release the full placement-time block; the order is now terminal and
	// no longer needs it.
	funds.Available = funds.Available.Add(order.MarginBlocked)
	funds.UsedMargin = funds.UsedMargin.Sub(order.MarginBlocked)

	if !realizedDelta.IsZero() {
		// Realized P&L from closing/reducing a position is credited to
		// Available immediately (Open Question in §9, resolved in
		// DESIGN.md): the margin invariant Available + UsedMargin =
		// TotalCapital + RealizedPnL holds at every step of this function.
		funds.Available = funds.Available.Add(realizedDelta)
		funds.RealizedPnL = funds.RealizedPnL.Add(realizedDelta)
	}

	// closingQty is the portion of this fill that reduced an existing
	// position rather than opening new exposure. The margin that exposure
	// was occupying — blocked by whichever earlier order originally opened
	// it, not by this order — is released here, at the current fill price,
	// the same recompute-from-execution-price rule §4.8 applies everywhere
	// else. Without this, closing a position via a second order (as opposed
	// to cancelling the still-OPEN original order) would never free its
	// margin.
	closingQty := order.Quantity - openedQty
	if closingQty > 0 || openedQty > 0 {
		inst, err := e.registry.Lookup(order.Symbol, order.Exchange)
		if err != nil {
			return err
		}
		cfg, err := e.repo.Config(ctx, order.UserID)
		if err != nil {
			return err
		}
		if closingQty > 0 {
			openedDirection := domain.ActionBuy
			if pos.NetQuantity < 0 {
				openedDirection = domain.ActionSell
			}
			closedReq := domain.OrderRequest{Action: openedDirection, Product: order.Product, Quantity: closingQty}
			release := marginWithLeverage(closedReq, inst, fillPrice, fillPrice, cfg)
			funds.Available = funds.Available.Add(release)
			funds.UsedMargin = funds.UsedMargin.Sub(release)
		}
		if openedQty > 0 {
			openedReq := domain.OrderRequest{Action: order.Action, Product: order.Product, Quantity: openedQty}
			margin := marginWithLeverage(openedReq, inst, fillPrice, fillPrice, cfg)
			funds.Available = funds.Available.Sub(margin)
			funds.UsedMargin = funds.UsedMargin.Add(margin)
		}
	}

	if err := e.repo.UpsertFunds(ctx, funds); err != nil {
		return err
	}

	e.ev.Emit(events.SandboxOrderFilled, "sandbox", map[string]interface{}{
		"order_id": order.OrderID, "user_id": order.UserID, "price": fillPrice.String(),
	})
	return nil
}

// applyFill is the §4.8 position-update algorithm: re-averages the price
// (quantity-weighted) on same-direction fills, realizes P&L proportionally on reducing or
// reversing fills. The third return value is the quantity of the trade that
// opened new exposure (as opposed to closing existing exposure) — callers
// use it to size the margin block the fill actually requires going
// forward, per the margin invariant (testable property 8).
func applyFill(pos Position, action domain.OrderAction, qty int64, price decimal.Decimal) (Position, decimal.Decimal, int64) {
	sign := int64(1)
	if action == domain.ActionSell {
		sign = -1
	}
	tradeQty := qty * sign

	if pos.NetQuantity == 0 || sameSign(pos.NetQuantity, tradeQty) {
		curAbs := decimal.NewFromInt(abs64(pos.NetQuantity))
		tradeAbs := decimal.NewFromInt(qty)
		denom := curAbs.Add(tradeAbs)
		newAvg := pos.AvgPrice
		if !denom.IsZero() {
			newAvg = curAbs.Mul(pos.AvgPrice).Add(tradeAbs.Mul(price)).Div(denom)
		}
		pos.AvgPrice = newAvg
		pos.NetQuantity += tradeQty
		return pos, decimal.Zero, qty
	}

	// Reducing or reversing an existing position.
	closingQty := minInt64(abs64(pos.NetQuantity), qty)
	// sign of P&L: selling above avg (closing a long) or buying below avg
	// (closing a short) is a gain.
	posSign := int64(1)
	if pos.NetQuantity < 0 {
		posSign = -1
	}
	realized := price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(closingQty)).Mul(decimal.NewFromInt(posSign))

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	newQty := pos.NetQuantity + tradeQty
	openedQty := int64(0)
	if sameSign(pos.NetQuantity, newQty) || newQty == 0 {
		pos.NetQuantity = newQty
		// avg price unchanged while still same sign (or flat); flat clears it.
		if newQty == 0 {
			pos.AvgPrice = decimal.Zero
		}
	} else {
		// Reversed: residual opens a fresh position at the fill price.
		pos.NetQuantity = newQty
		pos.AvgPrice = price
		openedQty = qty - closingQty
	}
	return pos, realized, openedQty
}

func sameSign(a, b int64) bool { return (a >= 0) == (b >= 0) }
func abs64(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}
func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ExchangeGroupExchanges returns the exchange list for a square-off group
// name, exported for the scheduler.
func ExchangeGroupExchanges(group string) []string {
	switch group {
	case "NSE_BSE_NFO_BFO":
		return []string{"NSE", "BSE", "NFO", "BFO"}
	case "CDS_BCD":
		return []string{"CDS", "BCD"}
	case "MCX":
		return []string{"MCX"}
	case "NCDEX":
		return []string{"NCDEX"}
	default:
		return nil
	}
}
