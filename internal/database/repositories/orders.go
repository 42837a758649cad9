package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

// OrderRepository persists live Order, Trade, Position, and Holding rows —
// the "Main" store tables a user's orders actually land in once the router
// dispatches to a live BrokerAdapter (§3.3).
type OrderRepository struct {
	*BaseRepository
}

// NewOrderRepository builds a repository over the Main store.
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{BaseRepository: NewBase(db, log.With().Str("repo", "orders").Logger())}
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// Create persists a newly-dispatched order.
func (r *OrderRepository) Create(ctx context.Context, userID string, o domain.Order) error {
	_, err := r.DB().ExecContext(ctx,
		`INSERT INTO orders (order_id, user_id, symbol, exchange, action, quantity, price_type, price,
		    trigger_price, product, status, filled_quantity, average_price, margin_blocked, broker_order_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, userID, o.Request.Symbol, o.Request.Exchange, string(o.Request.Action), o.Request.Quantity,
		string(o.Request.PriceType), nullableDecimal(o.Request.Price), nullableDecimal(o.Request.TriggerPrice),
		string(o.Request.Product), string(o.Status), o.FilledQuantity, o.AveragePrice.String(), o.MarginBlocked.String(),
		o.BrokerOrderID, o.CreatedAt, o.UpdatedAt)
	return err
}

// UpdateStatus transitions an order's status and broker_order_id; terminal
// statuses (§3.3) are the caller's responsibility to enforce as absorbing.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, brokerOrderID string) error {
	_, err := r.DB().ExecContext(ctx,
		`UPDATE orders SET status = ?, broker_order_id = ?, updated_at = ? WHERE order_id = ?`,
		string(status), brokerOrderID, time.Now().UTC(), orderID)
	return err
}

// ListByUser returns every order placed by userID, most recent first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT order_id, symbol, exchange, action, quantity, price_type, price, trigger_price, product,
		        status, filled_quantity, average_price, margin_blocked, broker_order_id, created_at, updated_at
		 FROM orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "order list failed", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var price, trigger sql.NullString
		var avgPrice, marginBlocked string
		if err := rows.Scan(&o.OrderID, &o.Request.Symbol, &o.Request.Exchange, &o.Request.Action,
			&o.Request.Quantity, &o.Request.PriceType, &price, &trigger, &o.Request.Product,
			&o.Status, &o.FilledQuantity, &avgPrice, &marginBlocked, &o.BrokerOrderID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "order scan failed", err)
		}
		if price.Valid {
			v := decimal.RequireFromString(price.String)
			o.Request.Price = &v
		}
		if trigger.Valid {
			v := decimal.RequireFromString(trigger.String)
			o.Request.TriggerPrice = &v
		}
		o.AveragePrice = decimal.RequireFromString(avgPrice)
		o.MarginBlocked = decimal.RequireFromString(marginBlocked)
		out = append(out, o)
	}
	return out, nil
}

// RecordTrade inserts an immutable fill record.
func (r *OrderRepository) RecordTrade(ctx context.Context, t domain.Trade) error {
	_, err := r.DB().ExecContext(ctx,
		`INSERT INTO trades (trade_id, order_id, quantity, price, timestamp) VALUES (?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.Quantity, t.Price.String(), t.Timestamp)
	return err
}

// UpsertPosition applies the position-update algorithm's resulting state.
// Positions are never deleted when net_quantity reaches zero (§3.3).
func (r *OrderRepository) UpsertPosition(ctx context.Context, userID string, p domain.Position) error {
	_, err := r.DB().ExecContext(ctx,
		`INSERT INTO positions (user_id, symbol, exchange, product, net_quantity, avg_price, unrealized_pnl, realized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, symbol, exchange, product) DO UPDATE SET
		   net_quantity = excluded.net_quantity, avg_price = excluded.avg_price,
		   unrealized_pnl = excluded.unrealized_pnl, realized_pnl = excluded.realized_pnl`,
		userID, p.Symbol, p.Exchange, string(p.Product), p.NetQuantity, p.AvgPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String())
	return err
}

// Position loads a single (user, symbol, exchange, product) position row,
// returning a zero-value position (not an error) if none exists yet.
func (r *OrderRepository) Position(ctx context.Context, userID, symbol, exchange string, product domain.Product) (domain.Position, error) {
	p := domain.Position{UserID: userID, Symbol: symbol, Exchange: exchange, Product: product}
	var netQty int64
	var avg, unrealized, realized string
	err := r.DB().QueryRowContext(ctx,
		`SELECT net_quantity, avg_price, unrealized_pnl, realized_pnl FROM positions
		 WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		userID, symbol, exchange, string(product)).Scan(&netQty, &avg, &unrealized, &realized)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return domain.Position{}, apperr.Wrap(apperr.InternalErr, "position lookup failed", err)
	}
	p.NetQuantity = netQty
	p.AvgPrice = decimal.RequireFromString(avg)
	p.UnrealizedPnL = decimal.RequireFromString(unrealized)
	p.RealizedPnL = decimal.RequireFromString(realized)
	return p, nil
}

// ListPositions returns every position row for userID, including flat
// (net_quantity = 0) ones kept for history.
func (r *OrderRepository) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT symbol, exchange, product, net_quantity, avg_price, unrealized_pnl, realized_pnl
		 FROM positions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "position list failed", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p := domain.Position{UserID: userID}
		var avg, unrealized, realized string
		if err := rows.Scan(&p.Symbol, &p.Exchange, &p.Product, &p.NetQuantity, &avg, &unrealized, &realized); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "position scan failed", err)
		}
		p.AvgPrice = decimal.RequireFromString(avg)
		p.UnrealizedPnL = decimal.RequireFromString(unrealized)
		p.RealizedPnL = decimal.RequireFromString(realized)
		out = append(out, p)
	}
	return out, nil
}

// ListHoldings returns T+1 settled CNC holdings for userID.
func (r *OrderRepository) ListHoldings(ctx context.Context, userID string) ([]domain.Holding, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT symbol, exchange, quantity, avg_price FROM holdings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "holding list failed", err)
	}
	defer rows.Close()

	var out []domain.Holding
	for rows.Next() {
		h := domain.Holding{UserID: userID}
		var avg string
		if err := rows.Scan(&h.Symbol, &h.Exchange, &h.Quantity, &avg); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "holding scan failed", err)
		}
		h.AvgPrice = decimal.RequireFromString(avg)
		out = append(out, h)
	}
	return out, nil
}
