package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopicStandardExchange(t *testing.T) {
	topic, ok := ParseTopic("sessiontoken-demo_NSE_RELIANCE_LTP")
	require.True(t, ok)
	assert.Equal(t, Topic{Broker: "sessiontoken-demo", Exchange: "NSE", Symbol: "RELIANCE", Mode: "LTP"}, topic)
}

func TestParseTopicUnderscoredExchange(t *testing.T) {
	topic, ok := ParseTopic("oauth2-demo_NSE_INDEX_NIFTY_QUOTE")
	require.True(t, ok)
	assert.Equal(t, Topic{Broker: "oauth2-demo", Exchange: "NSE_INDEX", Symbol: "NIFTY", Mode: "QUOTE"}, topic)
}

func TestParseTopicRoundTripsWithFormatTopic(t *testing.T) {
	raw := FormatTopic("apikeypair-demo", "BSE", "TCS", "DEPTH")
	topic, ok := ParseTopic(raw)
	require.True(t, ok)
	assert.Equal(t, "apikeypair-demo", topic.Broker)
	assert.Equal(t, "BSE", topic.Exchange)
	assert.Equal(t, "TCS", topic.Symbol)
	assert.Equal(t, "DEPTH", topic.Mode)
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	_, ok := ParseTopic("too_few_fields")
	assert.False(t, ok)

	_, ok = ParseTopic("")
	assert.False(t, ok)
}

func TestBusPublishSubscribeDelivers(t *testing.T) {
	b := New(zerolog.Nop(), 10)
	defer b.Close()

	b.Publish("adapter-1", "sessiontoken-demo_NSE_RELIANCE_LTP", 123.45)

	select {
	case msg := <-b.Subscribe():
		assert.Equal(t, "sessiontoken-demo_NSE_RELIANCE_LTP", msg.Topic)
		assert.Equal(t, 123.45, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBusPreservesPerPublisherOrder(t *testing.T) {
	b := New(zerolog.Nop(), 100)
	defer b.Close()

	for i := 0; i < 5; i++ {
		b.Publish("adapter-1", "t", i)
	}

	var got []int
	for i := 0; i < 5; i++ {
		select {
		case msg := <-b.Subscribe():
			got = append(got, msg.Payload.(int))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message", i)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestBusOverflowDropsOldest(t *testing.T) {
	b := New(zerolog.Nop(), 2)
	defer b.Close()

	// Push onto a standalone publisher queue so no pump drains it between pushes.
	q := newPublisherQueue(2)
	q.push(Message{Topic: "a"})
	q.push(Message{Topic: "b"})
	q.push(Message{Topic: "c"})

	drained := q.drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].Topic)
	assert.Equal(t, "c", drained[1].Topic)
}
