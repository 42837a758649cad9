// Package streaming implements the Streaming Proxy (C6): WS client
// lifecycle, the per-user adapter pool, the subscription index, and the
// bus-driven fan-out loop with the LTP throttle (§4.6).
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/bus"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/registry"
)

// ltpThrottleInterval is the minimum inter-message spacing enforced per
// (symbol, exchange) for LTP-mode ticks (§4.6, testable property 7).
const ltpThrottleInterval = 50 * time.Millisecond

// fanoutConcurrency bounds how many client sends run in parallel for one
// tick, so a symbol with thousands of subscribers doesn't serialize behind
// a single slow client's mutex/channel work.
const fanoutConcurrency = 32

// subKey identifies one (symbol, exchange, mode) fan-out bucket.
type subKey struct {
	symbol   string
	exchange string
	mode     domain.StreamMode
}

// Hub is the single process-wide fan-out engine: one bus subscriber feeding
// every connected WS client via the subscription index.
type Hub struct {
	log      zerolog.Logger
	bus      *bus.Bus
	pool     *AdapterPool
	registry *registry.Registry

	mu                  sync.Mutex
	subscriptionIndex   map[subKey]map[*Client]bool
	clientSubscriptions map[*Client]map[subKey]bool
	adapterSubscribers  map[adapterKey]map[subKey]int // refcount per user's adapter

	throttleMu sync.Mutex
	lastSent   map[subKey]time.Time
}

// NewHub builds a Hub wired to pool and registry, and starts its fan-out
// loop consuming b.
func NewHub(log zerolog.Logger, b *bus.Bus, pool *AdapterPool, reg *registry.Registry) *Hub {
	h := &Hub{
		log:                 log.With().Str("component", "streaming-hub").Logger(),
		bus:                 b,
		pool:                pool,
		registry:            reg,
		subscriptionIndex:   make(map[subKey]map[*Client]bool),
		clientSubscriptions: make(map[*Client]map[subKey]bool),
		adapterSubscribers:  make(map[adapterKey]map[subKey]int),
		lastSent:            make(map[subKey]time.Time),
	}
	go h.run()
	return h
}

// run drains the bus, applies the LTP throttle, and fans each tick out to
// every subscribed client (§4.6 "Fan-out").
func (h *Hub) run() {
	for msg := range h.bus.Subscribe() {
		topic, ok := bus.ParseTopic(msg.Topic)
		if !ok {
			continue
		}
		mode, ok := parseModeString(topic.Mode)
		if !ok {
			continue
		}
		tick, ok := msg.Payload.(domain.Tick)
		if !ok {
			continue
		}

		key := subKey{symbol: topic.Symbol, exchange: topic.Exchange, mode: mode}
		if mode == domain.ModeLTP && !h.allowLTP(key) {
			continue
		}

		h.mu.Lock()
		subscribers := h.subscriptionIndex[key]
		targets := make([]*Client, 0, len(subscribers))
		for c := range subscribers {
			targets = append(targets, c)
		}
		h.mu.Unlock()
		if len(targets) == 0 {
			continue
		}

		payload, err := marketDataFrame(topic, mode, tick)
		if err != nil {
			continue
		}
		var g errgroup.Group
		g.SetLimit(fanoutConcurrency)
		for _, c := range targets {
			c := c
			g.Go(func() error {
				c.trySend(payload)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// allowLTP enforces the 50ms minimum spacing per (symbol,exchange,mode),
// globally across every subscriber rather than per client, matching S4's
// expectation that a dropped tick is dropped for every client at once.
func (h *Hub) allowLTP(key subKey) bool {
	now := time.Now()
	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()
	if last, ok := h.lastSent[key]; ok && now.Sub(last) < ltpThrottleInterval {
		return false
	}
	h.lastSent[key] = now
	return true
}

type marketDataMessage struct {
	Type     string      `json:"type"`
	Symbol   string      `json:"symbol"`
	Exchange string      `json:"exchange"`
	Mode     int         `json:"mode"`
	Data     interface{} `json:"data"`
}

func marketDataFrame(topic bus.Topic, mode domain.StreamMode, tick domain.Tick) ([]byte, error) {
	return json.Marshal(marketDataMessage{
		Type:     "market_data",
		Symbol:   topic.Symbol,
		Exchange: topic.Exchange,
		Mode:     int(mode),
		Data:     tick,
	})
}

// Subscribe resolves (symbol,exchange) against the registry, ensures the
// client's default-broker adapter exists and is subscribed at the broker
// level, and records the client's interest (§4.6 "Subscription management").
func (h *Hub) Subscribe(ctx context.Context, c *Client, symbol, exchange string, mode domain.StreamMode, depthLevel int) error {
	if _, err := h.registry.Lookup(symbol, exchange); err != nil {
		return err
	}

	ak := adapterKey{userID: c.userID, brokerName: c.brokerName}
	var adapter broker.Adapter
	if c.adapterAcquired() {
		existing, ok := h.pool.peek(ak)
		if !ok {
			return apperr.New(apperr.InternalErr, "adapter reference lost")
		}
		adapter = existing
	} else {
		acquired, err := h.pool.Acquire(ctx, c.userID, c.brokerName)
		if err != nil {
			return err
		}
		adapter = acquired
		c.noteAdapterAcquired()
	}

	key := subKey{symbol: symbol, exchange: exchange, mode: mode}

	h.mu.Lock()
	subs, exists := h.adapterSubscribers[ak]
	if !exists {
		subs = make(map[subKey]int)
		h.adapterSubscribers[ak] = subs
	}
	firstForAdapter := subs[key] == 0
	h.mu.Unlock()

	if firstForAdapter {
		if err := adapter.Subscribe(symbol, exchange, mode, depthLevel); err != nil {
			h.pool.NoteAdapterError(ctx, c.userID, err)
			return err
		}
	}

	h.mu.Lock()
	subs[key]++
	if h.subscriptionIndex[key] == nil {
		h.subscriptionIndex[key] = make(map[*Client]bool)
	}
	h.subscriptionIndex[key][c] = true
	if h.clientSubscriptions[c] == nil {
		h.clientSubscriptions[c] = make(map[subKey]bool)
	}
	h.clientSubscriptions[c][key] = true
	h.mu.Unlock()
	return nil
}

// Unsubscribe mirrors Subscribe's bookkeeping removal and, when the last
// client across all of this user's connections drops a topic, instructs the
// adapter to unsubscribe at the broker level.
func (h *Hub) Unsubscribe(c *Client, symbol, exchange string, mode domain.StreamMode) error {
	key := subKey{symbol: symbol, exchange: exchange, mode: mode}
	ak := adapterKey{userID: c.userID, brokerName: c.brokerName}

	h.mu.Lock()
	delete(h.subscriptionIndex[key], c)
	if len(h.subscriptionIndex[key]) == 0 {
		delete(h.subscriptionIndex, key)
	}
	delete(h.clientSubscriptions[c], key)

	last := false
	if subs, ok := h.adapterSubscribers[ak]; ok {
		if subs[key] > 0 {
			subs[key]--
		}
		if subs[key] == 0 {
			delete(subs, key)
			last = true
		}
	}
	h.mu.Unlock()

	if !last {
		return nil
	}
	adapter, ok := h.pool.peek(ak)
	if !ok {
		return nil
	}
	return adapter.Unsubscribe(symbol, exchange, mode)
}

// Cleanup removes every trace of a disconnecting client and releases its
// adapter reference (§4.6 "Cleanup on disconnect").
func (h *Hub) Cleanup(c *Client) {
	h.mu.Lock()
	keys := h.clientSubscriptions[c]
	delete(h.clientSubscriptions, c)
	ak := adapterKey{userID: c.userID, brokerName: c.brokerName}
	var toUnsubscribe []subKey
	for key := range keys {
		delete(h.subscriptionIndex[key], c)
		if len(h.subscriptionIndex[key]) == 0 {
			delete(h.subscriptionIndex, key)
		}
		if subs, ok := h.adapterSubscribers[ak]; ok {
			if subs[key] > 0 {
				subs[key]--
			}
			if subs[key] == 0 {
				delete(subs, key)
				toUnsubscribe = append(toUnsubscribe, key)
			}
		}
	}
	h.mu.Unlock()

	if c.adapterAcquired() {
		for _, key := range toUnsubscribe {
			if adapter, ok := h.pool.peek(ak); ok {
				if err := adapter.Unsubscribe(key.symbol, key.exchange, key.mode); err != nil {
					h.log.Warn().Err(err).Msg("unsubscribe on cleanup failed")
				}
			}
		}
		h.pool.Release(c.userID, c.brokerName)
	}
}
