package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/database/repositories"
	"github.com/quantgate/gateway/internal/domain"
)

const testSchema = `
CREATE TABLE users (user_id TEXT PRIMARY KEY, password_verifier TEXT NOT NULL);
CREATE TABLE broker_bindings (
	user_id            TEXT NOT NULL,
	broker_name        TEXT NOT NULL,
	credential_blob_ct BLOB NOT NULL,
	is_default         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);
CREATE TABLE broker_sessions (
	user_id          TEXT NOT NULL,
	broker_name      TEXT NOT NULL,
	access_token_ct  BLOB,
	refresh_token_ct BLOB,
	feed_token_ct    BLOB,
	expires_at       TIMESTAMP,
	is_revoked       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, broker_name)
);
`

func newTestResolver(t *testing.T) (Source, *repositories.UserRepository, *repositories.BrokerSessionRepository, *crypto.Encryptor) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	enc, err := crypto.NewEncryptor([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)

	users := repositories.NewUserRepository(db, zerolog.Nop())
	sessions := repositories.NewBrokerSessionRepository(db, zerolog.Nop())
	return NewResolver(users, sessions, enc), users, sessions, enc
}

func encryptBlob(t *testing.T, enc *crypto.Encryptor, apiKey, apiSecret, clientID string) []byte {
	t.Helper()
	raw, err := json.Marshal(blob{APIKey: apiKey, APISecret: apiSecret, ClientID: clientID})
	require.NoError(t, err)
	ct, err := enc.Encrypt(raw)
	require.NoError(t, err)
	return ct
}

func TestDefaultBrokerReturnsTheDefaultBinding(t *testing.T) {
	src, users, _, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "k1", "s1", "c1"), false))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-b", encryptBlob(t, enc, "k2", "s2", "c2"), true))

	name, err := src.DefaultBroker(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "broker-b", name)
}

func TestDefaultBrokerFallsBackToFirstBindingWhenNoneIsDefault(t *testing.T) {
	src, users, _, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "k1", "s1", "c1"), false))

	name, err := src.DefaultBroker(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, "broker-a", name)
}

func TestDefaultBrokerFailsWhenUserHasNoBindings(t *testing.T) {
	src, users, _, _ := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))

	_, err := src.DefaultBroker(context.Background(), "user1")
	assert.Error(t, err)
}

func TestCredentialsDecryptsBoundBlob(t *testing.T) {
	src, users, _, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "the-key", "the-secret", "the-client"), true))

	creds, err := src.Credentials(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	assert.Equal(t, "the-key", creds.APIKey)
	assert.Equal(t, "the-secret", creds.APISecret)
	assert.Equal(t, "the-client", creds.ClientID)
}

func TestCredentialsFailsForUnboundBroker(t *testing.T) {
	src, users, _, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "k", "s", "c"), true))

	_, err := src.Credentials(context.Background(), "user1", "broker-z")
	assert.Error(t, err)
}

func TestCredentialsFillsInSessionTokensWhenPresent(t *testing.T) {
	src, users, sessions, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "k", "s", "c"), true))

	accessCT, err := enc.Encrypt([]byte("access-token-value"))
	require.NoError(t, err)
	require.NoError(t, sessions.Upsert(context.Background(), domain.BrokerSession{
		UserID: "user1", BrokerName: "broker-a", AccessTokenCT: accessCT,
	}))

	creds, err := src.Credentials(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	assert.Equal(t, "access-token-value", creds.AccessToken)
}

func TestCredentialsOmitsSessionTokensWhenNoSessionExists(t *testing.T) {
	src, users, _, enc := newTestResolver(t)
	require.NoError(t, users.Create(context.Background(), "user1", "verifier"))
	require.NoError(t, users.UpsertBinding(context.Background(), "user1", "broker-a", encryptBlob(t, enc, "k", "s", "c"), true))

	creds, err := src.Credentials(context.Background(), "user1", "broker-a")
	require.NoError(t, err)
	assert.Empty(t, creds.AccessToken)
}
