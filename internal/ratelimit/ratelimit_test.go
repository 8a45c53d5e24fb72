package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(global, perClient float64, burst int) (*RateLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(global, perClient, burst)
	rl.now = clk.now
	return rl, clk
}

func TestPerClientBurstAndRefill(t *testing.T) {
	rl, clk := newTestLimiter(0, 2, 3)
	client := "10.0.0.1"

	for i := 0; i < 3; i++ {
		assert.True(t, rl.AllowConnection(client), "burst connection %d", i)
	}
	assert.False(t, rl.AllowConnection(client), "bucket should be empty")

	clk.advance(1100 * time.Millisecond)
	assert.True(t, rl.AllowConnection(client))
	assert.True(t, rl.AllowConnection(client))
	assert.False(t, rl.AllowConnection(client))

	assert.True(t, rl.AllowConnection("10.0.0.2"), "other clients have their own bucket")
}

func TestGlobalLimit(t *testing.T) {
	rl, _ := newTestLimiter(2, 0, 2)
	assert.True(t, rl.AllowConnection("a"))
	assert.True(t, rl.AllowConnection("b"))
	assert.False(t, rl.AllowConnection("c"), "global bucket is shared")
}

func TestCleanupIdle(t *testing.T) {
	rl, clk := newTestLimiter(0, 1, 1)
	rl.AllowConnection("old")
	clk.advance(time.Minute)
	rl.AllowConnection("fresh")

	assert.Equal(t, 2, rl.Clients())
	assert.Equal(t, 1, rl.CleanupIdle(30*time.Second))
	assert.Equal(t, 1, rl.Clients())
	_, ok := rl.perClient["fresh"]
	assert.True(t, ok)
}

func TestDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		assert.True(t, rl.AllowConnection("client"), "connection %d", i)
	}
	assert.Equal(t, 0, rl.Clients())
}
