// Package authcache implements the two-tier API-key cache: a 10-hour
// valid_keys cache and a 5-minute invalid_keys cache, with the strict
// lookup order and invalidation-cascade semantics required for API-key
// verification to stay both fast and correct.
//
// No third-party cache library appears anywhere in the example pack for
// this kind of small TTL map, so this is a deliberate, documented stdlib
// implementation (see DESIGN.md). Expired entries are purged lazily when
// looked up; neither map has a size bound.
package authcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/domain"
)

const (
	validTTL   = 10 * time.Hour
	invalidTTL = 5 * time.Minute
)

// CachedKey is what valid_keys stores for a verified API key.
type CachedKey struct {
	UserID    string
	OrderMode domain.OrderMode
}

type entry struct {
	value     CachedKey
	expiresAt time.Time
}

// Cache is the two-tier API-key cache described in §4.2.
type Cache struct {
	log zerolog.Logger

	mu      sync.Mutex
	valid   map[string]entry
	invalid map[string]time.Time
}

// New creates an empty two-tier cache.
func New(log zerolog.Logger) *Cache {
	return &Cache{
		log:     log.With().Str("component", "authcache").Logger(),
		valid:   make(map[string]entry),
		invalid: make(map[string]time.Time),
	}
}

// Lookup is the fast path: it never touches the database. The bool return
// reports whether the key was found in valid_keys; a separate check of
// invalid_keys should happen first via IsKnownInvalid.
func (c *Cache) Lookup(apiKey string) (CachedKey, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.valid[apiKey]; ok {
		if now.Before(e.expiresAt) {
			return e.value, true
		}
		delete(c.valid, apiKey)
	}
	return CachedKey{}, false
}

// IsKnownInvalid reports whether apiKey is cached as invalid (rejected
// without a DB hit). Expired entries are purged lazily.
func (c *Cache) IsKnownInvalid(apiKey string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.invalid[apiKey]; ok {
		if now.Before(exp) {
			return true
		}
		delete(c.invalid, apiKey)
	}
	return false
}

// StoreValid caches a freshly-verified key for validTTL.
func (c *Cache) StoreValid(apiKey string, value CachedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid[apiKey] = entry{value: value, expiresAt: time.Now().Add(validTTL)}
	delete(c.invalid, apiKey)
}

// StoreInvalid caches a failed verification for invalidTTL.
func (c *Cache) StoreInvalid(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid[apiKey] = time.Now().Add(invalidTTL)
	delete(c.valid, apiKey)
}

// Invalidate purges both tiers for apiKey. Called on revocation or
// credential rotation; per the spec this alone is not sufficient — the
// caller must also revoke every BrokerSession tied to the key's user_id.
func (c *Cache) Invalidate(apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.valid, apiKey)
	delete(c.invalid, apiKey)
	c.log.Info().Str("api_key_hash", shortHash(apiKey)).Msg("api key invalidated")
}

// InvalidateUser purges every valid_keys entry belonging to userID. A
// user's api key is not known at the point a broker rejects a stale
// token — only the user_id is — so the broker-token-invalidation cascade
// (§4.2, §9) has to search valid_keys by value instead of looking a single
// key up by name.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.valid {
		if e.value.UserID == userID {
			delete(c.valid, key)
		}
	}
	c.log.Info().Str("user_id", userID).Msg("api key cache entries invalidated for user")
}

// shortHash avoids ever logging a raw api key, even truncated to a prefix
// that could still be guessable; we log nothing identifying instead.
func shortHash(string) string { return "***" }
