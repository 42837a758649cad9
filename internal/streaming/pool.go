package streaming

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/bus"
	"github.com/quantgate/gateway/internal/database/repositories"
	"github.com/quantgate/gateway/internal/domain"
)

// modeString renders a StreamMode as the wire/topic token used in §6.2's
// topic grammar.
func modeString(m domain.StreamMode) string {
	switch m {
	case domain.ModeLTP:
		return "LTP"
	case domain.ModeQuote:
		return "QUOTE"
	case domain.ModeDepth:
		return "DEPTH"
	default:
		return "LTP"
	}
}

func parseModeString(s string) (domain.StreamMode, bool) {
	switch s {
	case "LTP":
		return domain.ModeLTP, true
	case "QUOTE":
		return domain.ModeQuote, true
	case "DEPTH":
		return domain.ModeDepth, true
	default:
		return 0, false
	}
}

// adapterKey identifies the single shared adapter instance for one user on
// one broker (§4.4: "at most one active adapter per (user_id, broker_name)").
type adapterKey struct {
	userID     string
	brokerName string
}

func (k adapterKey) publisherID() string { return k.userID + "/" + k.brokerName }

type poolEntry struct {
	adapter broker.Adapter
	clients int // number of distinct WS clients currently holding this adapter open
	cancel  context.CancelFunc
}

// AdapterPool owns the per-user adapter lifecycle described in §4.4: at
// most one instantiated, connected adapter per (user_id, broker_name), torn
// down or quieted once its last client disconnects.
type AdapterPool struct {
	log      zerolog.Logger
	factory  *broker.Factory
	creds    CredentialSource
	bus      *bus.Bus
	sessions *repositories.BrokerSessionRepository
	verifier *authcache.Verifier

	mu      sync.Mutex
	entries map[adapterKey]*poolEntry
}

// NewAdapterPool builds an AdapterPool over factory, resolving credentials
// via creds and republishing every adapter's tick stream onto b. sessions
// and verifier back the same broker-invalid-token revocation cascade the
// live Dispatcher runs (§7, §9): a streaming adapter can reject a stale
// token just as easily as an order-placement call can.
func NewAdapterPool(log zerolog.Logger, factory *broker.Factory, creds CredentialSource, b *bus.Bus, sessions *repositories.BrokerSessionRepository, verifier *authcache.Verifier) *AdapterPool {
	return &AdapterPool{
		log:      log.With().Str("component", "adapter-pool").Logger(),
		factory:  factory,
		creds:    creds,
		bus:      b,
		sessions: sessions,
		verifier: verifier,
		entries:  make(map[adapterKey]*poolEntry),
	}
}

// revokeOnInvalidToken mirrors live.Dispatcher's cascade: a BrokerErr with
// BrokerInvalidToken means this user's broker session is stale everywhere,
// not just on this one connection.
func (p *AdapterPool) revokeOnInvalidToken(ctx context.Context, userID string, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.BrokerErr || appErr.SubKind != apperr.BrokerInvalidToken {
		return
	}
	if p.sessions != nil {
		if revokeErr := p.sessions.RevokeAllForUser(ctx, userID); revokeErr != nil {
			p.log.Error().Err(revokeErr).Str("user_id", userID).Msg("failed to revoke broker sessions after invalid token")
		}
	}
	if p.verifier != nil {
		p.verifier.RevokeUser(userID)
	}
	p.log.Warn().Str("user_id", userID).Msg("broker reported invalid token on streaming adapter, sessions and cached keys revoked")
}

// Acquire returns the shared adapter for (userID, brokerName), instantiating
// and connecting it on first use. Every call increments the client refcount
// that Release later decrements.
func (p *AdapterPool) Acquire(ctx context.Context, userID, brokerName string) (broker.Adapter, error) {
	key := adapterKey{userID: userID, brokerName: brokerName}

	p.mu.Lock()
	if entry, ok := p.entries[key]; ok {
		entry.clients++
		adapter := entry.adapter
		p.mu.Unlock()
		return adapter, nil
	}
	p.mu.Unlock()

	adapter, err := p.factory.Create(brokerName)
	if err != nil {
		return nil, err
	}
	creds, err := p.creds.Credentials(ctx, userID, brokerName)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx, creds); err != nil {
		p.revokeOnInvalidToken(ctx, userID, err)
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		p.revokeOnInvalidToken(ctx, userID, err)
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	entry := &poolEntry{adapter: adapter, clients: 1, cancel: cancel}

	p.mu.Lock()
	if existing, ok := p.entries[key]; ok {
		// Lost a race with a concurrent Acquire; keep the winner, discard
		// the adapter we just built.
		existing.clients++
		p.mu.Unlock()
		cancel()
		_ = adapter.Disconnect()
		return existing.adapter, nil
	}
	p.entries[key] = entry
	p.mu.Unlock()

	go p.receiveLoop(loopCtx, key, adapter)
	p.log.Info().Str("user_id", userID).Str("broker", brokerName).Msg("adapter connected")
	return adapter, nil
}

// receiveLoop republishes one adapter's normalized ticks onto the bus under
// its own publisher id, preserving per-adapter FIFO order end-to-end.
func (p *AdapterPool) receiveLoop(ctx context.Context, key adapterKey, adapter broker.Adapter) {
	ticks := adapter.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			topic := bus.FormatTopic(key.brokerName, tick.Exchange, tick.Symbol, modeString(tick.Mode))
			p.bus.Publish(key.publisherID(), topic, tick)
		}
	}
}

// NoteAdapterError lets callers outside the pool (the Hub's subscribe path)
// report an adapter-level error for the revocation cascade, without
// exposing the pool's internal error-classification helper.
func (p *AdapterPool) NoteAdapterError(ctx context.Context, userID string, err error) {
	p.revokeOnInvalidToken(ctx, userID, err)
}

// peek returns the currently pooled adapter for key without touching its
// refcount, used when the caller already holds a client-level reference
// (e.g. to issue a broker-level Unsubscribe before that reference is
// released).
func (p *AdapterPool) peek(key adapterKey) (broker.Adapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	return entry.adapter, true
}

// Release decrements the client refcount for (userID, brokerName). On the
// last release, a persistent-on-disconnect adapter is quieted with
// UnsubscribeAll and kept alive; any other adapter is disconnected and
// dropped from the pool (§4.4, §4.6 cleanup).
func (p *AdapterPool) Release(userID, brokerName string) {
	key := adapterKey{userID: userID, brokerName: brokerName}

	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.clients--
	if entry.clients > 0 {
		p.mu.Unlock()
		return
	}

	caps, _ := p.factory.CapabilitiesOf(brokerName)
	if caps.PersistentOnDisconnect {
		p.mu.Unlock()
		if err := entry.adapter.UnsubscribeAll(); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Str("broker", brokerName).Msg("unsubscribe_all failed")
		}
		return
	}

	delete(p.entries, key)
	p.mu.Unlock()

	entry.cancel()
	if err := entry.adapter.Disconnect(); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Str("broker", brokerName).Msg("disconnect failed")
	}
	p.log.Info().Str("user_id", userID).Str("broker", brokerName).Msg("adapter released")
}
