package sandbox

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

// The Mode Gate routes every api_type to the Sandbox once sandbox mode is
// enabled for a user (§4.7 step 2), not only order placement — a
// sandbox-enabled user must be able to see their own orderbook, positions,
// funds, and so on through the same one entry point. These methods back
// every Immediate-always api_type listed in §5.7 against the Sandbox's own
// isolated state.

func (e *Engine) orderbook(ctx context.Context, userID string) (map[string]interface{}, error) {
	orders, err := e.repo.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": orders}, nil
}

func (e *Engine) tradebook(ctx context.Context, userID string) (map[string]interface{}, error) {
	trades, err := e.repo.ListTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": trades}, nil
}

func (e *Engine) listPositions(ctx context.Context, userID string) (map[string]interface{}, error) {
	positions, err := e.repo.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": positions}, nil
}

func (e *Engine) listHoldings(ctx context.Context, userID string) (map[string]interface{}, error) {
	holdings, err := e.repo.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": holdings}, nil
}

func (e *Engine) listFunds(ctx context.Context, userID string) (map[string]interface{}, error) {
	funds, err := e.repo.Funds(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": map[string]string{
		"available":     funds.Available.String(),
		"used_margin":   funds.UsedMargin.String(),
		"total_capital": funds.TotalCapital.String(),
		"realized_pnl":  funds.RealizedPnL.String(),
	}}, nil
}

func (e *Engine) orderStatus(ctx context.Context, userID, orderID string) (map[string]interface{}, error) {
	order, err := e.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": order}, nil
}

// ownedOrder loads a sandbox order and verifies it belongs to userID, the
// same ownership discipline §4.7 requires of the Action Center.
func (e *Engine) ownedOrder(ctx context.Context, userID, orderID string) (Order, error) {
	order, err := e.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != userID {
		return Order{}, apperr.New(apperr.OwnershipViolation, "order does not belong to this user")
	}
	return order, nil
}

// cancelOrder cancels one OPEN order and releases its blocked margin.
func (e *Engine) cancelOrder(ctx context.Context, userID, orderID string) (map[string]interface{}, error) {
	order, err := e.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	ok, err := e.repo.CancelOpenOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.InternalErr, "order is not OPEN")
	}
	if err := e.releaseMargin(ctx, userID, order.MarginBlocked); err != nil {
		return nil, err
	}
	return map[string]interface{}{"orderid": orderID, "message": "order cancelled"}, nil
}

// cancelAllOrders cancels every OPEN order userID owns.
func (e *Engine) cancelAllOrders(ctx context.Context, userID string) (map[string]interface{}, error) {
	orders, err := e.repo.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	cancelled := 0
	for _, o := range orders {
		if o.Status != domain.OrderOpen {
			continue
		}
		ok, err := e.repo.CancelOpenOrderForUser(ctx, o.OrderID, userID)
		if err != nil || !ok {
			continue
		}
		if err := e.releaseMargin(ctx, userID, o.MarginBlocked); err != nil {
			return nil, err
		}
		cancelled++
	}
	return map[string]interface{}{"message": "success", "cancelled": cancelled}, nil
}

// modifyOrder rewrites an OPEN order's price/trigger/quantity and
// recomputes the margin it blocks for the new terms (§4.8).
func (e *Engine) modifyOrder(ctx context.Context, userID string, blob map[string]interface{}) (map[string]interface{}, error) {
	orderID, _ := blob["orderid"].(string)
	order, err := e.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderOpen {
		return nil, apperr.New(apperr.InternalErr, "only an OPEN order can be modified")
	}

	newReq := domain.OrderRequest{
		Action: order.Action, PriceType: order.PriceType, Product: order.Product,
		Exchange: order.Exchange, Symbol: order.Symbol, Quantity: order.Quantity,
		Price: order.Price, TriggerPrice: order.TriggerPrice,
	}
	if qty, ok := blob["quantity"].(float64); ok && qty > 0 {
		newReq.Quantity = int64(qty)
	}
	if p, ok := blob["price"].(float64); ok {
		v := decimal.NewFromFloat(p)
		newReq.Price = &v
	}
	if t, ok := blob["trigger_price"].(float64); ok {
		v := decimal.NewFromFloat(t)
		newReq.TriggerPrice = &v
	}

	inst, err := e.registry.Lookup(order.Symbol, order.Exchange)
	if err != nil {
		return nil, err
	}
	tick, err := e.quotes.GetQuote(ctx, order.Symbol, order.Exchange)
	if err != nil {
		return nil, err
	}
	cfg, err := e.repo.Config(ctx, userID)
	if err != nil {
		return nil, err
	}
	marginPrice := marginPriceFor(newReq, tick.LTP)
	newMargin := marginWithLeverage(newReq, inst, tick.LTP, marginPrice, cfg)

	funds, err := e.repo.Funds(ctx, userID)
	if err != nil {
		return nil, err
	}
	delta := newMargin.Sub(order.MarginBlocked)
	if delta.GreaterThan(decimal.Zero) && funds.Available.LessThan(delta) {
		return nil, apperr.New(apperr.InsufficientFunds, "insufficient funds for modified margin requirement")
	}

	ok, err := e.repo.UpdateOpenOrderTerms(ctx, orderID, userID, newReq.Price, newReq.TriggerPrice, newReq.Quantity, newMargin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.InternalErr, "order is not OPEN")
	}

	funds.Available = funds.Available.Sub(delta)
	funds.UsedMargin = funds.UsedMargin.Add(delta)
	if err := e.repo.UpsertFunds(ctx, funds); err != nil {
		return nil, err
	}
	return map[string]interface{}{"orderid": orderID, "message": "order modified"}, nil
}

// closePosition reverses one of userID's positions at the current LTP,
// reusing the same fill/margin-release path square-off uses.
func (e *Engine) closePosition(ctx context.Context, userID string, blob map[string]interface{}) (map[string]interface{}, error) {
	symbol, _ := blob["symbol"].(string)
	exchange, _ := blob["exchange"].(string)
	product, _ := blob["product"].(string)
	if product == "" {
		product = string(domain.ProductMIS)
	}

	pos, err := e.repo.Position(ctx, userID, symbol, exchange, domain.Product(product))
	if err != nil {
		return nil, err
	}
	if pos.NetQuantity == 0 {
		return nil, apperr.New(apperr.InternalErr, "no open position to close")
	}
	if err := e.reversePosition(ctx, pos); err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "position closed"}, nil
}

// closeAllPositions reverses every one of userID's non-zero positions.
func (e *Engine) closeAllPositions(ctx context.Context, userID string) (map[string]interface{}, error) {
	positions, err := e.repo.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	closed := 0
	for _, pos := range positions {
		if pos.NetQuantity == 0 {
			continue
		}
		pos.UserID = userID
		if err := e.reversePosition(ctx, pos); err != nil {
			return nil, err
		}
		closed++
	}
	return map[string]interface{}{"message": "success", "closed": closed}, nil
}

// openPosition returns a single open position, used by the "openposition"
// api_type to check one symbol's exposure without listing everything.
func (e *Engine) openPosition(ctx context.Context, userID string, blob map[string]interface{}) (map[string]interface{}, error) {
	symbol, _ := blob["symbol"].(string)
	exchange, _ := blob["exchange"].(string)
	product, _ := blob["product"].(string)
	if product == "" {
		product = string(domain.ProductMIS)
	}
	pos, err := e.repo.Position(ctx, userID, symbol, exchange, domain.Product(product))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": pos}, nil
}

// releaseMargin credits a cancelled order's blocked margin back to
// Available, the same accounting CancelOpenOrder's callers already do for
// the square-off path.
func (e *Engine) releaseMargin(ctx context.Context, userID string, margin decimal.Decimal) error {
	funds, err := e.repo.Funds(ctx, userID)
	if err != nil {
		return err
	}
	funds.Available = funds.Available.Add(margin)
	funds.UsedMargin = funds.UsedMargin.Sub(margin)
	return e.repo.UpsertFunds(ctx, funds)
}
