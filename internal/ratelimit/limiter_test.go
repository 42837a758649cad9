package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	cases := []struct {
		spec    string
		want    Rule
		wantErr bool
	}{
		{"10 per second", Rule{Limit: 10, Window: time.Second}, false},
		{"5 per minute", Rule{Limit: 5, Window: time.Minute}, false},
		{"25 per hour", Rule{Limit: 25, Window: time.Hour}, false},
		{"10 per seconds", Rule{Limit: 10, Window: time.Second}, false},
		{"garbage", Rule{}, true},
		{"ten per second", Rule{}, true},
		{"10 per fortnight", Rule{}, true},
	}
	for _, c := range cases {
		got, err := ParseRule(c.spec)
		if c.wantErr {
			assert.Error(t, err, c.spec)
			continue
		}
		require.NoError(t, err, c.spec)
		assert.Equal(t, c.want, got, c.spec)
	}
}

func TestLimiterAllowWithinLimit(t *testing.T) {
	l := New(map[Category]Rule{CategoryOrderPlacement: {Limit: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("key1", CategoryOrderPlacement), "request %d should be allowed", i)
	}
	assert.False(t, l.Allow("key1", CategoryOrderPlacement), "4th request should be rejected")
}

func TestLimiterIsolatedPerKeyAndCategory(t *testing.T) {
	l := New(map[Category]Rule{
		CategoryOrderPlacement: {Limit: 1, Window: time.Minute},
		CategoryGeneralAPI:     {Limit: 1, Window: time.Minute},
	})

	assert.True(t, l.Allow("key1", CategoryOrderPlacement))
	assert.False(t, l.Allow("key1", CategoryOrderPlacement))

	// Different key, same category: independent window.
	assert.True(t, l.Allow("key2", CategoryOrderPlacement))

	// Same key, different category: independent window.
	assert.True(t, l.Allow("key1", CategoryGeneralAPI))
}

func TestLimiterUnknownCategoryAlwaysAllowed(t *testing.T) {
	l := New(map[Category]Rule{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("any", CategoryPasswordReset))
	}
}

func TestLimiterWindowExpires(t *testing.T) {
	l := New(map[Category]Rule{CategoryOrderPlacement: {Limit: 1, Window: 20 * time.Millisecond}})

	assert.True(t, l.Allow("key1", CategoryOrderPlacement))
	assert.False(t, l.Allow("key1", CategoryOrderPlacement))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow("key1", CategoryOrderPlacement), "window should have rolled over")
}
