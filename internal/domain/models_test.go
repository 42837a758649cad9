package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStreamMode(t *testing.T) {
	cases := map[string]StreamMode{
		"LTP": ModeLTP, "ltp": ModeLTP,
		"Quote": ModeQuote, "QUOTE": ModeQuote, "quote": ModeQuote,
		"Depth": ModeDepth, "DEPTH": ModeDepth, "depth": ModeDepth,
	}
	for in, want := range cases {
		got, ok := ParseStreamMode(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseStreamMode("bogus")
	assert.False(t, ok)
}

func TestBrokerSessionValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	active := BrokerSession{ExpiresAt: now.Add(time.Hour)}
	assert.True(t, active.Valid(now))

	expired := BrokerSession{ExpiresAt: now.Add(-time.Hour)}
	assert.False(t, expired.Valid(now))

	revoked := BrokerSession{ExpiresAt: now.Add(time.Hour), IsRevoked: true}
	assert.False(t, revoked.Valid(now))
}

func TestInstrumentCanonicalID(t *testing.T) {
	inst := Instrument{NormalizedSymbol: "RELIANCE-EQ", Exchange: "NSE"}
	assert.Equal(t, "NSE:RELIANCE-EQ", inst.CanonicalID())
}
