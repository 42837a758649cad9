package repositories

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/domain"
)

const testSchema = `
CREATE TABLE users (
	user_id           TEXT PRIMARY KEY,
	password_verifier TEXT NOT NULL
);
CREATE TABLE broker_bindings (
	user_id             TEXT NOT NULL,
	broker_name         TEXT NOT NULL,
	credential_blob_ct  BLOB NOT NULL,
	is_default          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);
CREATE TABLE api_keys (
	lookup_hash  TEXT PRIMARY KEY,
	key_hash     TEXT NOT NULL,
	key_ct       BLOB NOT NULL,
	user_id      TEXT NOT NULL,
	order_mode   TEXT NOT NULL DEFAULT 'AUTO',
	is_active    INTEGER NOT NULL DEFAULT 1,
	last_used_at TIMESTAMP
);
CREATE TABLE broker_sessions (
	user_id           TEXT NOT NULL,
	broker_name       TEXT NOT NULL,
	access_token_ct   BLOB NOT NULL,
	refresh_token_ct  BLOB,
	feed_token_ct     BLOB,
	expires_at        TIMESTAMP NOT NULL,
	is_revoked        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);
CREATE TABLE orders (
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
	broker_order_id TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE TABLE trades (
	trade_id  TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	quantity  INTEGER NOT NULL,
	price     TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);
CREATE TABLE positions (
	user_id        TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	exchange       TEXT NOT NULL,
	product        TEXT NOT NULL,
	net_quantity   INTEGER NOT NULL DEFAULT 0,
	avg_price      TEXT NOT NULL DEFAULT '0',
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (user_id, symbol, exchange, product)
);
CREATE TABLE holdings (
	user_id  TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	exchange TEXT NOT NULL,
	quantity INTEGER NOT NULL DEFAULT 0,
	avg_price TEXT NOT NULL DEFAULT '0'
);
`

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserRepositoryCreateAndGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db, zerolog.Nop())

	require.NoError(t, repo.Create(context.Background(), "user1", "hashed-verifier"))

	u, err := repo.Get(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "hashed-verifier", u.PasswordVerifier)
	assert.Empty(t, u.BrokerBindings)
}

func TestUserRepositoryGetUnknownFails(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db, zerolog.Nop())
	_, err := repo.Get(context.Background(), "nosuch")
	assert.Error(t, err)
}

func TestUserRepositoryUpsertBindingClearsPreviousDefault(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db, zerolog.Nop())
	require.NoError(t, repo.Create(context.Background(), "user1", "verifier"))

	require.NoError(t, repo.UpsertBinding(context.Background(), "user1", "broker-a", []byte("ct-a"), true))
	require.NoError(t, repo.UpsertBinding(context.Background(), "user1", "broker-b", []byte("ct-b"), true))

	u, err := repo.Get(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, u.BrokerBindings, 2)

	defaults := 0
	for _, b := range u.BrokerBindings {
		if b.IsDefault {
			defaults++
			assert.Equal(t, "broker-b", b.BrokerName)
		}
	}
	assert.Equal(t, 1, defaults, "at most one broker binding can be default")
}

func TestBrokerSessionRepositoryUpsertAndGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewBrokerSessionRepository(db, zerolog.Nop())
	expires := time.Now().UTC().Add(time.Hour)

	require.NoError(t, repo.Upsert(context.Background(), domain.BrokerSession{
		UserID: "user1", BrokerName: "broker-a", AccessTokenCT: []byte("tok-ct"), ExpiresAt: expires,
	}))

	s, err := repo.Get(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-ct"), s.AccessTokenCT)
	assert.False(t, s.IsRevoked)
}

func TestBrokerSessionRepositoryRevoke(t *testing.T) {
	db := newTestDB(t)
	repo := NewBrokerSessionRepository(db, zerolog.Nop())
	require.NoError(t, repo.Upsert(context.Background(), domain.BrokerSession{
		UserID: "user1", BrokerName: "broker-a", AccessTokenCT: []byte("tok"), ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, repo.Revoke(context.Background(), "user1", "broker-a"))

	s, err := repo.Get(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	assert.True(t, s.IsRevoked)
}

func TestBrokerSessionRepositoryRevokeAllForUser(t *testing.T) {
	db := newTestDB(t)
	repo := NewBrokerSessionRepository(db, zerolog.Nop())
	require.NoError(t, repo.Upsert(context.Background(), domain.BrokerSession{
		UserID: "user1", BrokerName: "broker-a", AccessTokenCT: []byte("a"), ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, repo.Upsert(context.Background(), domain.BrokerSession{
		UserID: "user1", BrokerName: "broker-b", AccessTokenCT: []byte("b"), ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, repo.RevokeAllForUser(context.Background(), "user1"))

	a, err := repo.Get(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	b, err := repo.Get(context.Background(), "user1", "broker-b")
	require.NoError(t, err)
	assert.True(t, a.IsRevoked)
	assert.True(t, b.IsRevoked)
}

func TestNextExpiryRollsToNextDayWhenPassed(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, loc)
	next := NextExpiry(now, 8, 0, loc)
	assert.Equal(t, 2, next.Day())
	assert.Equal(t, 8, next.Hour())
}

func TestNextExpiryStaysSameDayWhenStillAhead(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 1, 6, 0, 0, 0, loc)
	next := NextExpiry(now, 8, 0, loc)
	assert.Equal(t, 1, next.Day())
}

func TestAPIKeyRepositoryCreateAndFindByRawKeyRoundTrip(t *testing.T) {
	db := newTestDB(t)
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	repo := NewAPIKeyRepository(db, zerolog.Nop(), "pepper")

	require.NoError(t, repo.Create(context.Background(), "user1", "raw-key-123", domain.OrderMode("AUTO"), enc))

	got, err := repo.FindByRawKey(context.Background(), "raw-key-123")
	require.NoError(t, err)
	assert.Equal(t, "user1", got.UserID)
}

func TestAPIKeyRepositoryFindByRawKeyRejectsWrongKey(t *testing.T) {
	db := newTestDB(t)
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	repo := NewAPIKeyRepository(db, zerolog.Nop(), "pepper")
	require.NoError(t, repo.Create(context.Background(), "user1", "raw-key-123", domain.OrderMode("AUTO"), enc))

	_, err = repo.FindByRawKey(context.Background(), "wrong-key")
	assert.Error(t, err)
}

func TestAPIKeyRepositoryDeactivateBlocksFutureLookups(t *testing.T) {
	db := newTestDB(t)
	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	repo := NewAPIKeyRepository(db, zerolog.Nop(), "pepper")
	require.NoError(t, repo.Create(context.Background(), "user1", "raw-key-123", domain.OrderMode("AUTO"), enc))

	require.NoError(t, repo.Deactivate(context.Background(), "raw-key-123"))

	_, err = repo.FindByRawKey(context.Background(), "raw-key-123")
	assert.Error(t, err)
}

func sampleLiveOrder(orderID string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		OrderID: orderID,
		Request: domain.OrderRequest{
			Action: domain.ActionBuy, Quantity: 10, PriceType: domain.PriceMarket,
			Product: domain.ProductMIS, Exchange: "NSE", Symbol: "RELIANCE",
		},
		Status:        domain.OrderOpen,
		AveragePrice:  decimal.Zero,
		MarginBlocked: decimal.RequireFromString("5000"),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderRepositoryCreateAndListByUser(t *testing.T) {
	db := newTestDB(t)
	userRepo := NewUserRepository(db, zerolog.Nop())
	require.NoError(t, userRepo.Create(context.Background(), "user1", "verifier"))

	repo := NewOrderRepository(db, zerolog.Nop())
	require.NoError(t, repo.Create(context.Background(), "user1", sampleLiveOrder("ORD-1")))

	got, err := repo.ListByUser(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "RELIANCE", got[0].Request.Symbol)
}

func TestOrderRepositoryUpdateStatus(t *testing.T) {
	db := newTestDB(t)
	userRepo := NewUserRepository(db, zerolog.Nop())
	require.NoError(t, userRepo.Create(context.Background(), "user1", "verifier"))

	repo := NewOrderRepository(db, zerolog.Nop())
	require.NoError(t, repo.Create(context.Background(), "user1", sampleLiveOrder("ORD-1")))

	require.NoError(t, repo.UpdateStatus(context.Background(), "ORD-1", domain.OrderComplete, "BROKER-1"))

	got, err := repo.ListByUser(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderComplete, got[0].Status)
	assert.Equal(t, "BROKER-1", got[0].BrokerOrderID)
}

func TestOrderRepositoryPositionReturnsZeroValueWhenMissing(t *testing.T) {
	db := newTestDB(t)
	repo := NewOrderRepository(db, zerolog.Nop())
	p, err := repo.Position(context.Background(), "user1", "RELIANCE", "NSE", domain.ProductMIS)
	require.NoError(t, err)
	assert.EqualValues(t, 0, p.NetQuantity)
}

func TestOrderRepositoryUpsertPositionAndListPositions(t *testing.T) {
	db := newTestDB(t)
	userRepo := NewUserRepository(db, zerolog.Nop())
	require.NoError(t, userRepo.Create(context.Background(), "user1", "verifier"))

	repo := NewOrderRepository(db, zerolog.Nop())
	require.NoError(t, repo.UpsertPosition(context.Background(), "user1", domain.Position{
		Symbol: "RELIANCE", Exchange: "NSE", Product: domain.ProductMIS, NetQuantity: 10,
		AvgPrice: decimal.RequireFromString("2500"), UnrealizedPnL: decimal.Zero, RealizedPnL: decimal.Zero,
	}))

	got, err := repo.ListPositions(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 10, got[0].NetQuantity)
}

func TestOrderRepositoryRecordTradeAndListHoldings(t *testing.T) {
	db := newTestDB(t)
	userRepo := NewUserRepository(db, zerolog.Nop())
	require.NoError(t, userRepo.Create(context.Background(), "user1", "verifier"))

	repo := NewOrderRepository(db, zerolog.Nop())
	require.NoError(t, repo.Create(context.Background(), "user1", sampleLiveOrder("ORD-1")))
	require.NoError(t, repo.RecordTrade(context.Background(), domain.Trade{
		TradeID: "TRD-1", OrderID: "ORD-1", Quantity: 10, Price: decimal.RequireFromString("2500"), Timestamp: time.Now().UTC(),
	}))

	holdings, err := repo.ListHoldings(context.Background(), "user1")
	require.NoError(t, err)
	assert.Empty(t, holdings, "no holdings row was inserted in this test")
}
