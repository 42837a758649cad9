package sandbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

// Repository owns every Sandbox logical-store table (§6.4). It is
// constructed over its own *sql.DB, never the Main store's connection, so
// the isolation requirement in §4.8 is structural, not just conventional.
type Repository struct {
	db *sql.DB
}

// NewRepository applies the sandbox schema to db and returns a Repository.
func NewRepository(db *sql.DB) (*Repository, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "sandbox schema migration failed", err)
	}
	return &Repository{db: db}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nullableDec(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// CreateOrder persists a newly-validated sandbox order.
func (r *Repository) CreateOrder(ctx context.Context, o Order) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sandbox_orders (order_id, user_id, symbol, exchange, action, quantity, price_type, price,
		    trigger_price, product, status, filled_quantity, average_price, margin_blocked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.UserID, o.Symbol, o.Exchange, string(o.Action), o.Quantity, string(o.PriceType),
		nullableDec(o.Price), nullableDec(o.TriggerPrice), string(o.Product), string(o.Status),
		o.FilledQuantity, o.AveragePrice.String(), o.MarginBlocked.String(), o.CreatedAt, o.UpdatedAt)
	return err
}

func scanOrder(row interface{ Scan(...interface{}) error }) (Order, error) {
	var o Order
	var price, trigger sql.NullString
	var avg, margin string
	err := row.Scan(&o.OrderID, &o.UserID, &o.Symbol, &o.Exchange, &o.Action, &o.Quantity, &o.PriceType,
		&price, &trigger, &o.Product, &o.Status, &o.FilledQuantity, &avg, &margin, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if price.Valid {
		v := dec(price.String)
		o.Price = &v
	}
	if trigger.Valid {
		v := dec(trigger.String)
		o.TriggerPrice = &v
	}
	o.AveragePrice = dec(avg)
	o.MarginBlocked = dec(margin)
	return o, nil
}

const orderColumns = `order_id, user_id, symbol, exchange, action, quantity, price_type, price, trigger_price, product, status, filled_quantity, average_price, margin_blocked, created_at, updated_at`

// GetOrder loads a single sandbox order.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM sandbox_orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, apperr.New(apperr.InternalErr, "sandbox order not found")
	}
	if err != nil {
		return Order{}, apperr.Wrap(apperr.InternalErr, "sandbox order lookup failed", err)
	}
	return o, nil
}

// ListOrders returns every sandbox order userID has ever placed, newest
// first, backing the "orderbook" api_type.
func (r *Repository) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM sandbox_orders WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "order list failed", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "order scan failed", err)
		}
		out = append(out, o)
	}
	return out, nil
}

// ListTrades returns every sandbox fill belonging to userID, backing the
// "tradebook" api_type.
func (r *Repository) ListTrades(ctx context.Context, userID string) ([]Trade, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT trade_id, order_id, user_id, symbol, exchange, quantity, price, timestamp
		 FROM sandbox_trades WHERE user_id = ? ORDER BY timestamp DESC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "trade list failed", err)
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var price string
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.UserID, &t.Symbol, &t.Exchange, &t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "trade scan failed", err)
		}
		t.Price = dec(price)
		out = append(out, t)
	}
	return out, nil
}

// ListHoldings returns userID's settled sandbox CNC holdings.
func (r *Repository) ListHoldings(ctx context.Context, userID string) ([]Holding, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol, exchange, quantity, avg_price FROM sandbox_holdings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "holding list failed", err)
	}
	defer rows.Close()
	var out []Holding
	for rows.Next() {
		h := Holding{UserID: userID}
		var avg string
		if err := rows.Scan(&h.Symbol, &h.Exchange, &h.Quantity, &avg); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "holding scan failed", err)
		}
		h.AvgPrice = dec(avg)
		out = append(out, h)
	}
	return out, nil
}

// UpdateOpenOrderTerms rewrites an OPEN order's price/trigger/quantity and
// its recomputed margin_blocked, used by "modifyorder". Ownership and the
// OPEN-status guard are enforced in SQL so a stale read can never clobber a
// concurrently-filled or foreign order.
func (r *Repository) UpdateOpenOrderTerms(ctx context.Context, orderID, userID string, price, triggerPrice *decimal.Decimal, quantity int64, margin decimal.Decimal) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sandbox_orders SET price = ?, trigger_price = ?, quantity = ?, margin_blocked = ?, updated_at = ?
		 WHERE order_id = ? AND user_id = ? AND status = 'OPEN'`,
		nullableDec(price), nullableDec(triggerPrice), quantity, margin.String(), time.Now().UTC(), orderID, userID)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalErr, "order modify failed", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// OpenOrders returns every OPEN sandbox order, used by the execution loop.
func (r *Repository) OpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM sandbox_orders WHERE status = 'OPEN'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "open order scan failed", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "open order scan failed", err)
		}
		out = append(out, o)
	}
	return out, nil
}

// OpenMISOrdersForExchanges returns OPEN MIS orders restricted to the given
// exchange set, used by the square-off scheduler.
func (r *Repository) OpenMISOrdersForExchanges(ctx context.Context, exchanges []string) ([]Order, error) {
	all, err := r.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(exchanges))
	for _, e := range exchanges {
		set[e] = true
	}
	var out []Order
	for _, o := range all {
		if o.Product == domain.ProductMIS && set[o.Exchange] {
			out = append(out, o)
		}
	}
	return out, nil
}

// UpdateOrderFill sets the fill outcome on a sandbox order.
func (r *Repository) UpdateOrderFill(ctx context.Context, orderID string, status domain.OrderStatus, filledQty int64, avgPrice decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sandbox_orders SET status = ?, filled_quantity = ?, average_price = ?, updated_at = ? WHERE order_id = ?`,
		string(status), filledQty, avgPrice.String(), time.Now().UTC(), orderID)
	return err
}

// CancelOpenOrder marks an OPEN order CANCELLED, releasing its margin via
// the caller's funds update. Used by the square-off scheduler, which has
// already restricted the order set to the group it owns.
func (r *Repository) CancelOpenOrder(ctx context.Context, orderID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sandbox_orders SET status = 'CANCELLED', updated_at = ? WHERE order_id = ? AND status = 'OPEN'`,
		time.Now().UTC(), orderID)
	return err
}

// CancelOpenOrderForUser is CancelOpenOrder scoped to a single owner, used
// by the "cancelorder" api_type so one user can never cancel another's
// order by guessing an order_id.
func (r *Repository) CancelOpenOrderForUser(ctx context.Context, orderID, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sandbox_orders SET status = 'CANCELLED', updated_at = ? WHERE order_id = ? AND user_id = ? AND status = 'OPEN'`,
		time.Now().UTC(), orderID, userID)
	if err != nil {
		return false, apperr.Wrap(apperr.InternalErr, "order cancel failed", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordTrade inserts an immutable sandbox fill.
func (r *Repository) RecordTrade(ctx context.Context, t Trade) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sandbox_trades (trade_id, order_id, user_id, symbol, exchange, quantity, price, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.UserID, t.Symbol, t.Exchange, t.Quantity, t.Price.String(), t.Timestamp)
	return err
}

// Position loads a position row, returning a zero-value Position (not an
// error) if none exists yet.
func (r *Repository) Position(ctx context.Context, userID, symbol, exchange string, product domain.Product) (Position, error) {
	p := Position{UserID: userID, Symbol: symbol, Exchange: exchange, Product: product}
	var netQty int64
	var avg, realized, unrealized string
	err := r.db.QueryRowContext(ctx,
		`SELECT net_quantity, avg_price, realized_pnl, unrealized_pnl FROM sandbox_positions
		 WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		userID, symbol, exchange, string(product)).Scan(&netQty, &avg, &realized, &unrealized)
	if err == sql.ErrNoRows {
		p.AvgPrice, p.RealizedPnL, p.UnrealizedPnL = decimal.Zero, decimal.Zero, decimal.Zero
		return p, nil
	}
	if err != nil {
		return Position{}, apperr.Wrap(apperr.InternalErr, "sandbox position lookup failed", err)
	}
	p.NetQuantity = netQty
	p.AvgPrice, p.RealizedPnL, p.UnrealizedPnL = dec(avg), dec(realized), dec(unrealized)
	return p, nil
}

// UpsertPosition writes the position-update algorithm's resulting state.
// The row is never deleted when net_quantity reaches zero (§3.3, shared
// with the live store's semantics).
func (r *Repository) UpsertPosition(ctx context.Context, p Position) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sandbox_positions (user_id, symbol, exchange, product, net_quantity, avg_price, realized_pnl, unrealized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, symbol, exchange, product) DO UPDATE SET
		   net_quantity = excluded.net_quantity, avg_price = excluded.avg_price,
		   realized_pnl = excluded.realized_pnl, unrealized_pnl = excluded.unrealized_pnl`,
		p.UserID, p.Symbol, p.Exchange, string(p.Product), p.NetQuantity, p.AvgPrice.String(),
		p.RealizedPnL.String(), p.UnrealizedPnL.String())
	return err
}

// ListPositions returns every sandbox position for userID.
func (r *Repository) ListPositions(ctx context.Context, userID string) ([]Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT symbol, exchange, product, net_quantity, avg_price, realized_pnl, unrealized_pnl
		 FROM sandbox_positions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "sandbox position list failed", err)
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		p := Position{UserID: userID}
		var avg, realized, unrealized string
		if err := rows.Scan(&p.Symbol, &p.Exchange, &p.Product, &p.NetQuantity, &avg, &realized, &unrealized); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "sandbox position scan failed", err)
		}
		p.AvgPrice, p.RealizedPnL, p.UnrealizedPnL = dec(avg), dec(realized), dec(unrealized)
		out = append(out, p)
	}
	return out, nil
}

// Funds loads a user's sandbox funds row.
func (r *Repository) Funds(ctx context.Context, userID string) (Funds, error) {
	f := Funds{UserID: userID}
	var total, used, available, realized string
	var lastReset sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT total_capital, used_margin, available, realized_pnl, reset_count, last_reset_at
		 FROM sandbox_funds WHERE user_id = ?`, userID).
		Scan(&total, &used, &available, &realized, &f.ResetCount, &lastReset)
	if err == sql.ErrNoRows {
		return Funds{}, apperr.New(apperr.InternalErr, "sandbox funds not initialized")
	}
	if err != nil {
		return Funds{}, apperr.Wrap(apperr.InternalErr, "sandbox funds lookup failed", err)
	}
	f.TotalCapital, f.UsedMargin, f.Available, f.RealizedPnL = dec(total), dec(used), dec(available), dec(realized)
	if lastReset.Valid {
		f.LastResetAt = lastReset.Time
	}
	return f, nil
}

// UpsertFunds writes a funds row, used both for initial seeding and for
// every margin/P&L mutation.
func (r *Repository) UpsertFunds(ctx context.Context, f Funds) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sandbox_funds (user_id, total_capital, used_margin, available, realized_pnl, reset_count, last_reset_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   total_capital = excluded.total_capital, used_margin = excluded.used_margin,
		   available = excluded.available, realized_pnl = excluded.realized_pnl,
		   reset_count = excluded.reset_count, last_reset_at = excluded.last_reset_at`,
		f.UserID, f.TotalCapital.String(), f.UsedMargin.String(), f.Available.String(),
		f.RealizedPnL.String(), f.ResetCount, f.LastResetAt)
	return err
}

// Config loads a user's sandbox configuration, falling back to
// DefaultConfig if no row exists (sandbox not yet enabled for this user).
func (r *Repository) Config(ctx context.Context, userID string) (Config, error) {
	var c Config
	c.UserID = userID
	var eqMIS, eqCNC, fut, optSell, seed string
	var enabled bool
	err := r.db.QueryRowContext(ctx,
		`SELECT equity_mis_leverage, equity_cnc_leverage, futures_leverage, option_sell_leverage,
		        order_rate_limit, seed_capital, fund_reset_weekday, fund_reset_hour, fund_reset_minute,
		        square_off_timezone, square_off_nse_bse_nfo_bfo, square_off_cds_bcd, square_off_mcx, square_off_ncdex,
		        sandbox_enabled
		 FROM sandbox_config WHERE user_id = ?`, userID).
		Scan(&eqMIS, &eqCNC, &fut, &optSell, &c.OrderRateLimit, &seed,
			&c.FundResetWeekday, &c.FundResetHour, &c.FundResetMinute,
			&c.SquareOffTimezone, &c.SquareOffNSEBSENFOBFO, &c.SquareOffCDSBCD, &c.SquareOffMCX, &c.SquareOffNCDEX,
			&enabled)
	if err == sql.ErrNoRows {
		return DefaultConfig(userID), nil
	}
	if err != nil {
		return Config{}, apperr.Wrap(apperr.InternalErr, "sandbox config lookup failed", err)
	}
	c.EquityMISLeverage, c.EquityCNCLeverage, c.FuturesLeverage, c.OptionSellLeverage = dec(eqMIS), dec(eqCNC), dec(fut), dec(optSell)
	c.SeedCapital = dec(seed)
	return c, nil
}

// UpsertConfig writes a user's sandbox configuration.
func (r *Repository) UpsertConfig(ctx context.Context, c Config) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sandbox_config (user_id, equity_mis_leverage, equity_cnc_leverage, futures_leverage,
		    option_sell_leverage, order_rate_limit, seed_capital, fund_reset_weekday, fund_reset_hour, fund_reset_minute,
		    square_off_timezone, square_off_nse_bse_nfo_bfo, square_off_cds_bcd, square_off_mcx, square_off_ncdex, sandbox_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET
		   equity_mis_leverage = excluded.equity_mis_leverage, equity_cnc_leverage = excluded.equity_cnc_leverage,
		   futures_leverage = excluded.futures_leverage, option_sell_leverage = excluded.option_sell_leverage,
		   order_rate_limit = excluded.order_rate_limit, seed_capital = excluded.seed_capital,
		   fund_reset_weekday = excluded.fund_reset_weekday, fund_reset_hour = excluded.fund_reset_hour,
		   fund_reset_minute = excluded.fund_reset_minute, square_off_timezone = excluded.square_off_timezone,
		   square_off_nse_bse_nfo_bfo = excluded.square_off_nse_bse_nfo_bfo, square_off_cds_bcd = excluded.square_off_cds_bcd,
		   square_off_mcx = excluded.square_off_mcx, square_off_ncdex = excluded.square_off_ncdex, sandbox_enabled = 1`,
		c.UserID, c.EquityMISLeverage.String(), c.EquityCNCLeverage.String(), c.FuturesLeverage.String(),
		c.OptionSellLeverage.String(), c.OrderRateLimit, c.SeedCapital.String(), int(c.FundResetWeekday),
		c.FundResetHour, c.FundResetMinute, c.SquareOffTimezone, c.SquareOffNSEBSENFOBFO, c.SquareOffCDSBCD,
		c.SquareOffMCX, c.SquareOffNCDEX)
	return err
}

// IsEnabled reports whether userID has sandbox mode turned on.
func (r *Repository) IsEnabled(ctx context.Context, userID string) bool {
	var enabled bool
	err := r.db.QueryRowContext(ctx, `SELECT sandbox_enabled FROM sandbox_config WHERE user_id = ?`, userID).Scan(&enabled)
	return err == nil && enabled
}

// Disable flips sandbox_enabled off without discarding history.
func (r *Repository) Disable(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sandbox_config SET sandbox_enabled = 0 WHERE user_id = ?`, userID)
	return err
}

// EnabledUsers lists every user currently in sandbox mode, used by the
// weekly fund-reset job.
func (r *Repository) EnabledUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM sandbox_config WHERE sandbox_enabled = 1`)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalErr, "enabled user scan failed", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, apperr.Wrap(apperr.InternalErr, "enabled user scan failed", err)
		}
		out = append(out, u)
	}
	return out, nil
}
