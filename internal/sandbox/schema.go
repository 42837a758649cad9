package sandbox

// schema is the Sandbox logical store's own schema (§6.4), deliberately
// disjoint from the Main store's tables so paper-trading state can never
// collide with a live order/position row.
const schema = `
CREATE TABLE IF NOT EXISTS sandbox_orders (
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
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandbox_orders_user_status ON sandbox_orders(user_id, status);
CREATE INDEX IF NOT EXISTS idx_sandbox_orders_symbol ON sandbox_orders(symbol, exchange);

CREATE TABLE IF NOT EXISTS sandbox_trades (
	trade_id  TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	exchange  TEXT NOT NULL,
	quantity  INTEGER NOT NULL,
	price     TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sandbox_positions (
	user_id        TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	product        TEXT NOT NULL,
	net_quantity   INTEGER NOT NULL DEFAULT 0,
	avg_price      TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange, product)
);

CREATE TABLE IF NOT EXISTS sandbox_holdings (
	user_id   TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	exchange  TEXT NOT NULL,
	quantity  INTEGER NOT NULL DEFAULT 0,
	avg_price TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange)
);

CREATE TABLE IF NOT EXISTS sandbox_funds (
	user_id       TEXT PRIMARY KEY,
	total_capital TEXT NOT NULL,
	used_margin   TEXT NOT NULL DEFAULT '0',
	available     TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL DEFAULT '0',
	reset_count   INTEGER NOT NULL DEFAULT 0,
	last_reset_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sandbox_config (
	user_id                  TEXT PRIMARY KEY,
	equity_mis_leverage      TEXT NOT NULL,
	equity_cnc_leverage      TEXT NOT NULL,
	futures_leverage         TEXT NOT NULL,
	option_sell_leverage     TEXT NOT NULL,
	order_rate_limit         INTEGER NOT NULL,
	seed_capital             TEXT NOT NULL,
	fund_reset_weekday       INTEGER NOT NULL,
	fund_reset_hour          INTEGER NOT NULL,
	fund_reset_minute        INTEGER NOT NULL,
	square_off_timezone      TEXT NOT NULL,
	square_off_nse_bse_nfo_bfo TEXT NOT NULL,
	square_off_cds_bcd       TEXT NOT NULL,
	square_off_mcx           TEXT NOT NULL,
	square_off_ncdex         TEXT NOT NULL,
	sandbox_enabled          INTEGER NOT NULL DEFAULT 0
);
`
