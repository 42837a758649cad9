// Package bus implements the internal, process-local, topic-routed
// publish/subscribe fabric that decouples broker adapters (publishers) from
// the streaming proxy (the single subscriber). Delivery is at-most-once;
// a slow or absent subscriber never backpressures a publisher.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSendHWM is the default per-publisher buffer depth (SEND_HWM).
const DefaultSendHWM = 1000

// ShutdownLinger is how long Close waits for buffered messages to drain.
const ShutdownLinger = 1 * time.Second

// Message is a single published event, carrying its raw topic string and
// payload. The payload is left as `interface{}` (normally a domain.Tick)
// so the bus stays agnostic of the wire shape it carries.
type Message struct {
	Topic   string
	Payload interface{}
}

// exchangesWithUnderscore are the two exchange tokens that themselves
// contain an underscore and must be consumed atomically by the topic
// parser before the remaining fields are split (§4.5, §6.2).
var exchangesWithUnderscore = []string{"NSE_INDEX", "BSE_INDEX"}

// Topic is the parsed form of BROKER_EXCHANGE_SYMBOL_MODE.
type Topic struct {
	Broker   string
	Exchange string
	Symbol   string
	Mode     string
}

// FormatTopic builds the canonical topic string for a tick.
func FormatTopic(broker, exchange, symbol, mode string) string {
	return strings.Join([]string{broker, exchange, symbol, mode}, "_")
}

// ParseTopic parses a topic string, special-casing the two *_INDEX exchange
// tokens so they are never split on their embedded underscore.
func ParseTopic(topic string) (Topic, bool) {
	for _, ex := range exchangesWithUnderscore {
		marker := "_" + ex + "_"
		if idx := strings.Index(topic, marker); idx >= 0 {
			broker := topic[:idx]
			rest := topic[idx+len(marker):]
			fields := strings.SplitN(rest, "_", 2)
			if broker == "" || len(fields) != 2 {
				return Topic{}, false
			}
			return Topic{Broker: broker, Exchange: ex, Symbol: fields[0], Mode: fields[1]}, true
		}
	}

	parts := strings.Split(topic, "_")
	if len(parts) != 4 {
		return Topic{}, false
	}
	return Topic{Broker: parts[0], Exchange: parts[1], Symbol: parts[2], Mode: parts[3]}, true
}

// publisherQueue is one publisher's bounded, drop-oldest mailbox.
type publisherQueue struct {
	mu    sync.Mutex
	buf   []Message
	hwm   int
}

func newPublisherQueue(hwm int) *publisherQueue {
	return &publisherQueue{hwm: hwm}
}

func (q *publisherQueue) push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.hwm {
		q.buf = q.buf[1:] // drop oldest
	}
	q.buf = append(q.buf, msg)
}

func (q *publisherQueue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Bus is the process-internal pub/sub fabric. Each publisher gets its own
// bounded mailbox so one slow adapter can never starve another's messages;
// the single subscriber drains every mailbox in turn, each one fully, in no
// fixed order across publishers.
type Bus struct {
	log zerolog.Logger
	hwm int

	mu         sync.Mutex
	publishers map[string]*publisherQueue

	out      chan Message
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a Bus with the given per-publisher high-water mark.
func New(log zerolog.Logger, hwm int) *Bus {
	if hwm <= 0 {
		hwm = DefaultSendHWM
	}
	b := &Bus{
		log:        log.With().Str("component", "bus").Logger(),
		hwm:        hwm,
		publishers: make(map[string]*publisherQueue),
		out:        make(chan Message, hwm),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go b.pump()
	return b
}

// Publish enqueues a message from publisherID (normally a broker adapter
// instance key). Non-blocking: on overflow the oldest buffered message for
// that publisher is dropped, never the caller's receive loop.
func (b *Bus) Publish(publisherID, topic string, payload interface{}) {
	b.mu.Lock()
	q, ok := b.publishers[publisherID]
	if !ok {
		q = newPublisherQueue(b.hwm)
		b.publishers[publisherID] = q
	}
	b.mu.Unlock()

	q.push(Message{Topic: topic, Payload: payload})
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe returns the single outbound channel published messages are
// delivered on, preserving per-publisher FIFO order (no global ordering
// across publishers). Delivery is at most once: a message is dropped when
// its publisher's mailbox overflows or this channel is full.
func (b *Bus) Subscribe() <-chan Message {
	return b.out
}

func (b *Bus) pump() {
	defer close(b.stopped)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			b.flushOnce()
			return
		case <-b.wake:
			b.flushOnce()
		case <-ticker.C:
			b.flushOnce()
		}
	}
}

func (b *Bus) flushOnce() {
	b.mu.Lock()
	queues := make([]*publisherQueue, 0, len(b.publishers))
	for _, q := range b.publishers {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		for _, msg := range q.drain() {
			select {
			case b.out <- msg:
			default:
				b.log.Warn().Str("topic", msg.Topic).Msg("subscriber channel full, dropping message")
			}
		}
	}
}

// Close stops the bus, giving buffered messages up to ShutdownLinger to
// drain before returning.
func (b *Bus) Close() {
	close(b.stop)
	select {
	case <-b.stopped:
	case <-time.After(ShutdownLinger):
	}
}
