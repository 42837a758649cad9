package authcache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/domain"
)

type fakeKeyStore struct {
	keys      map[string]CachedKey
	lookups   int
	touched   []string
}

func (f *fakeKeyStore) FindByRawKey(ctx context.Context, rawKey string) (CachedKey, error) {
	f.lookups++
	if k, ok := f.keys[rawKey]; ok {
		return k, nil
	}
	return CachedKey{}, apperr.New(apperr.InvalidApiKey, "not found")
}

func (f *fakeKeyStore) TouchLastUsed(ctx context.Context, rawKey string) {
	f.touched = append(f.touched, rawKey)
}

func TestVerifyHitsStoreOnceThenCaches(t *testing.T) {
	store := &fakeKeyStore{keys: map[string]CachedKey{"key1": {UserID: "u1", OrderMode: domain.ModeAuto}}}
	v := NewVerifier(New(zerolog.Nop()), store)

	got, err := v.Verify(context.Background(), "key1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 1, store.lookups)
	assert.Equal(t, []string{"key1"}, store.touched)

	got, err = v.Verify(context.Background(), "key1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 1, store.lookups, "second verify must hit the cache, not the store")
}

func TestVerifyUnknownKeyCachesInvalid(t *testing.T) {
	store := &fakeKeyStore{keys: map[string]CachedKey{}}
	v := NewVerifier(New(zerolog.Nop()), store)

	_, err := v.Verify(context.Background(), "nosuch")
	require.Error(t, err)
	assert.Equal(t, 1, store.lookups)

	_, err = v.Verify(context.Background(), "nosuch")
	require.Error(t, err)
	assert.Equal(t, 1, store.lookups, "second verify must be rejected from invalid_keys, not hit the store again")
}

func TestRevokeForcesNextVerifyToHitStore(t *testing.T) {
	store := &fakeKeyStore{keys: map[string]CachedKey{"key1": {UserID: "u1"}}}
	v := NewVerifier(New(zerolog.Nop()), store)

	_, err := v.Verify(context.Background(), "key1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.lookups)

	v.Revoke("key1")

	_, err = v.Verify(context.Background(), "key1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups, "a revoked key must be re-verified against the store")
}

func TestCacheIsolatesValidAndInvalidTiers(t *testing.T) {
	c := New(zerolog.Nop())
	c.StoreValid("good", CachedKey{UserID: "u1"})
	c.StoreInvalid("bad")

	_, ok := c.Lookup("good")
	assert.True(t, ok)
	assert.False(t, c.IsKnownInvalid("good"))

	assert.True(t, c.IsKnownInvalid("bad"))
	_, ok = c.Lookup("bad")
	assert.False(t, ok)
}

func TestStoreValidClearsInvalidAndViceVersa(t *testing.T) {
	c := New(zerolog.Nop())
	c.StoreInvalid("flip")
	assert.True(t, c.IsKnownInvalid("flip"))

	c.StoreValid("flip", CachedKey{UserID: "u1"})
	assert.False(t, c.IsKnownInvalid("flip"))
	_, ok := c.Lookup("flip")
	assert.True(t, ok)

	c.StoreInvalid("flip")
	assert.True(t, c.IsKnownInvalid("flip"))
	_, ok = c.Lookup("flip")
	assert.False(t, ok)
}
