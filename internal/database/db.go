package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the database connection
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	// Use WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	return &DB{
		conn: conn,
		path: dbPath,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// mainSchema creates the Main logical store's tables (§6.4): users, api
// keys, broker bindings, broker sessions, live orders/trades/positions/
// holdings, and Action Center pending orders.
const mainSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id           TEXT PRIMARY KEY,
	password_verifier TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_bindings (
	user_id             TEXT NOT NULL REFERENCES users(user_id),
	broker_name         TEXT NOT NULL,
	credential_blob_ct  BLOB NOT NULL,
	is_default          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);

CREATE TABLE IF NOT EXISTS api_keys (
	lookup_hash  TEXT PRIMARY KEY, -- fast deterministic digest, indexed lookup only
	key_hash     TEXT NOT NULL,    -- argon2id hash, the actual verifier
	key_ct       BLOB NOT NULL,
	user_id      TEXT NOT NULL REFERENCES users(user_id),
	order_mode   TEXT NOT NULL DEFAULT 'AUTO',
	is_active    INTEGER NOT NULL DEFAULT 1,
	last_used_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS broker_sessions (
	user_id           TEXT NOT NULL REFERENCES users(user_id),
	broker_name       TEXT NOT NULL,
	access_token_ct   BLOB NOT NULL,
	refresh_token_ct  BLOB,
	feed_token_ct     BLOB,
	expires_at        TIMESTAMP NOT NULL,
	is_revoked        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(user_id),
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
	broker_order_id TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);

CREATE TABLE IF NOT EXISTS trades (
	trade_id  TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL REFERENCES orders(order_id),
	quantity  INTEGER NOT NULL,
	price     TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id        TEXT NOT NULL REFERENCES users(user_id),
	symbol         TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	product        TEXT NOT NULL,
	net_quantity   INTEGER NOT NULL DEFAULT 0,
	avg_price      TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange, product)
);

CREATE TABLE IF NOT EXISTS holdings (
	user_id  TEXT NOT NULL REFERENCES users(user_id),
	symbol   TEXT NOT NULL,
	exchange TEXT NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 0,
	avg_price TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange)
);

CREATE TABLE IF NOT EXISTS pending_orders (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          TEXT NOT NULL REFERENCES users(user_id),
	api_type         TEXT NOT NULL,
	order_blob       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMP NOT NULL,
	decided_at       TIMESTAMP,
	decided_by       TEXT,
	rejection_reason TEXT,
	broker_order_id  TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_orders_user ON pending_orders(user_id);
`

// Migrate creates the Main logical store's schema if it does not yet exist.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(mainSchema)
	return err
}

// MigrateSchema applies an arbitrary schema string, used by the Sandbox,
// Latency, and Logs logical stores (§6.4), each of which owns its own
// CREATE TABLE set and opens its own *DB via New.
func (db *DB) MigrateSchema(schema string) error {
	_, err := db.conn.Exec(schema)
	return err
}

// Begin starts a new transaction
func (db *DB) Begin() (*sql.Tx, error) {
	return db.conn.Begin()
}

// Exec executes a query without returning rows
func (db *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows
func (db *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(query, args...)
}
