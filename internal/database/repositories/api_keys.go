package repositories

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/crypto"
	"github.com/quantgate/gateway/internal/domain"
)

// APIKeyRepository persists APIKey rows and implements authcache.KeyStore.
// Lookup uses a fast deterministic digest (lookup_hash) as an index, since
// the argon2id verifier hash is salted per-row and cannot itself be indexed;
// the argon2id comparison is still what actually authorizes the key.
type APIKeyRepository struct {
	*BaseRepository
	pepper string
}

// NewAPIKeyRepository builds a repository over the Main store.
func NewAPIKeyRepository(db *sql.DB, log zerolog.Logger, pepper string) *APIKeyRepository {
	return &APIKeyRepository{BaseRepository: NewBase(db, log.With().Str("repo", "api_keys").Logger()), pepper: pepper}
}

func lookupHash(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// FindByRawKey implements authcache.KeyStore.
func (r *APIKeyRepository) FindByRawKey(ctx context.Context, rawKey string) (authcache.CachedKey, error) {
	var keyHash, userID, orderMode string
	var isActive bool
	err := r.DB().QueryRowContext(ctx,
		`SELECT key_hash, user_id, order_mode, is_active FROM api_keys WHERE lookup_hash = ?`,
		lookupHash(rawKey)).Scan(&keyHash, &userID, &orderMode, &isActive)
	if err == sql.ErrNoRows {
		return authcache.CachedKey{}, apperr.New(apperr.InvalidApiKey, "api key not found")
	}
	if err != nil {
		return authcache.CachedKey{}, apperr.Wrap(apperr.InternalErr, "api key lookup failed", err)
	}
	if !isActive {
		return authcache.CachedKey{}, apperr.New(apperr.InvalidApiKey, "api key is inactive")
	}

	ok, _, err := crypto.VerifyPassword(rawKey, r.pepper, keyHash)
	if err != nil {
		return authcache.CachedKey{}, apperr.Wrap(apperr.InternalErr, "api key verify failed", err)
	}
	if !ok {
		return authcache.CachedKey{}, apperr.New(apperr.InvalidApiKey, "api key hash mismatch")
	}

	return authcache.CachedKey{UserID: userID, OrderMode: domain.OrderMode(orderMode)}, nil
}

// TouchLastUsed implements authcache.KeyStore.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, rawKey string) {
	_, err := r.DB().ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE lookup_hash = ?`,
		time.Now().UTC(), lookupHash(rawKey))
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to update api key last_used_at")
	}
}

// Create persists a newly issued API key. rawKey is hashed and encrypted;
// the caller is responsible for returning rawKey to the user exactly once.
func (r *APIKeyRepository) Create(ctx context.Context, userID, rawKey string, orderMode domain.OrderMode, enc *crypto.Encryptor) error {
	keyHash, err := crypto.HashPassword(rawKey, r.pepper)
	if err != nil {
		return err
	}
	keyCT, err := enc.Encrypt([]byte(rawKey))
	if err != nil {
		return err
	}
	_, err = r.DB().ExecContext(ctx,
		`INSERT INTO api_keys (lookup_hash, key_hash, key_ct, user_id, order_mode, is_active) VALUES (?, ?, ?, ?, ?, 1)`,
		lookupHash(rawKey), keyHash, keyCT, userID, string(orderMode))
	return err
}

// Deactivate flips is_active to false for rawKey (key revocation, §4.2).
func (r *APIKeyRepository) Deactivate(ctx context.Context, rawKey string) error {
	_, err := r.DB().ExecContext(ctx, `UPDATE api_keys SET is_active = 0 WHERE lookup_hash = ?`, lookupHash(rawKey))
	return err
}
