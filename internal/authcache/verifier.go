package authcache

import (
	"context"

	"github.com/quantgate/gateway/internal/apperr"
)

// KeyStore is the persistence boundary the verifier falls back to on a
// cache miss. Implemented by internal/database/repositories.
type KeyStore interface {
	// FindByRawKey hashes rawKey internally and looks up a matching,
	// active API key record. Returns apperr.InvalidApiKey when no match.
	FindByRawKey(ctx context.Context, rawKey string) (CachedKey, error)
	TouchLastUsed(ctx context.Context, rawKey string)
}

// Verifier wraps a Cache and a KeyStore to implement the exact lookup order
// required by §4.2: invalid_keys first, then valid_keys, then DB.
type Verifier struct {
	cache *Cache
	store KeyStore
}

// NewVerifier builds a Verifier over an existing Cache and backing store.
func NewVerifier(cache *Cache, store KeyStore) *Verifier {
	return &Verifier{cache: cache, store: store}
}

// Verify implements the three-step lookup order: reject fast from
// invalid_keys, return fast from valid_keys, else consult the store and
// populate whichever tier applies.
func (v *Verifier) Verify(ctx context.Context, rawKey string) (CachedKey, error) {
	if v.cache.IsKnownInvalid(rawKey) {
		return CachedKey{}, apperr.New(apperr.InvalidApiKey, "invalid api key")
	}
	if cached, ok := v.cache.Lookup(rawKey); ok {
		return cached, nil
	}

	found, err := v.store.FindByRawKey(ctx, rawKey)
	if err != nil {
		v.cache.StoreInvalid(rawKey)
		return CachedKey{}, apperr.New(apperr.InvalidApiKey, "invalid api key")
	}

	v.cache.StoreValid(rawKey, found)
	v.store.TouchLastUsed(ctx, rawKey)
	return found, nil
}

// Revoke invalidates rawKey in both cache tiers. Callers are responsible
// for also revoking any BrokerSession rows tied to the key's user_id.
func (v *Verifier) Revoke(rawKey string) {
	v.cache.Invalidate(rawKey)
}

// Cache exposes the underlying Cache, used by tests and by callers that
// need to seed or inspect cache state directly.
func (v *Verifier) Cache() *Cache { return v.cache }

// RevokeUser purges every cached api key belonging to userID. Used on the
// broker-invalid-token propagation path (§7, §9), where a broker session
// turns out to be stale but the specific api key that produced this
// request is not known to the caller — only the user_id is.
func (v *Verifier) RevokeUser(userID string) {
	v.cache.InvalidateUser(userID)
}
