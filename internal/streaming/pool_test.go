package streaming

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/bus"
)

// newTestPool builds an AdapterPool over a single fakeAdapter registered
// under brokerName, with the given PersistentOnDisconnect capability.
func newTestPool(t *testing.T, brokerName string, persistent bool) (*AdapterPool, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	factory := broker.NewFactory()
	factory.Register(brokerName, func() broker.Adapter { return adapter }, broker.Capabilities{PersistentOnDisconnect: persistent})

	b := bus.New(zerolog.Nop(), 10)
	t.Cleanup(b.Close)
	return NewAdapterPool(zerolog.Nop(), factory, fakeCredentialSource{}, b, nil, nil), adapter
}

// TestReleasePersistentOnDisconnectQuietsInsteadOfDisconnecting covers the
// quirk the review flagged as untested: a broker marked
// PersistentOnDisconnect must have its subscriptions cleared via
// UnsubscribeAll on last-client release, but must NOT be disconnected or
// dropped from the pool — the same adapter instance is handed back out on
// the next Acquire for that (user, broker) pair (§4.4, §4.6 cleanup).
func TestReleasePersistentOnDisconnectQuietsInsteadOfDisconnecting(t *testing.T) {
	pool, adapter := newTestPool(t, "persistent-broker", true)

	acquired, err := pool.Acquire(context.Background(), "user1", "persistent-broker")
	require.NoError(t, err)
	require.Same(t, broker.Adapter(adapter), acquired)

	pool.Release("user1", "persistent-broker")

	assert.Equal(t, 1, adapter.unsubscribeAll, "UnsubscribeAll must be called once on last release")
	assert.False(t, adapter.disconnected, "Disconnect must not be called for a persistent-on-disconnect adapter")

	again, ok := pool.peek(adapterKey{userID: "user1", brokerName: "persistent-broker"})
	require.True(t, ok, "the adapter entry must survive in the pool for reuse")
	assert.Same(t, broker.Adapter(adapter), again)
}

// TestReleaseNonPersistentDisconnectsAndDropsFromPool is the contrasting
// case: an ordinary adapter is disconnected and removed on last release.
func TestReleaseNonPersistentDisconnectsAndDropsFromPool(t *testing.T) {
	pool, adapter := newTestPool(t, "ordinary-broker", false)

	_, err := pool.Acquire(context.Background(), "user1", "ordinary-broker")
	require.NoError(t, err)

	pool.Release("user1", "ordinary-broker")

	assert.Zero(t, adapter.unsubscribeAll, "UnsubscribeAll must not be called for a non-persistent adapter")
	assert.True(t, adapter.disconnected, "Disconnect must be called once the last client releases")

	_, ok := pool.peek(adapterKey{userID: "user1", brokerName: "ordinary-broker"})
	assert.False(t, ok, "a non-persistent adapter must be dropped from the pool on last release")
}

func TestAcquireSharesSingleAdapterAcrossClients(t *testing.T) {
	pool, adapter := newTestPool(t, "shared-broker", false)

	first, err := pool.Acquire(context.Background(), "user1", "shared-broker")
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background(), "user1", "shared-broker")
	require.NoError(t, err)
	assert.Same(t, first, second)

	pool.Release("user1", "shared-broker")
	_, ok := pool.peek(adapterKey{userID: "user1", brokerName: "shared-broker"})
	assert.True(t, ok, "the adapter must stay pooled while a second client reference is still outstanding")

	pool.Release("user1", "shared-broker")
	assert.True(t, adapter.disconnected)
}
