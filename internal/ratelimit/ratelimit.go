package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter is one remote host's bucket plus when it was last used.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter admits connection attempts against a global bucket and a
// per-client bucket. A rate of 0 disables that layer.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	perClient map[string]*clientLimiter
	connRate  rate.Limit
	burstSize int
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing globalConnRate and perClientConnRate
// connections per second, each with burstSize.
func NewRateLimiter(globalConnRate, perClientConnRate float64, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perClient: make(map[string]*clientLimiter),
		connRate:  rate.Limit(perClientConnRate),
		burstSize: burstSize,
		now:       time.Now,
	}
	if globalConnRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalConnRate), burstSize)
	}
	return rl
}

// AllowConnection checks if a connection is allowed for the given client and
// consumes a token from each enabled bucket.
func (rl *RateLimiter) AllowConnection(client string) bool {
	now := rl.now()
	if rl.global != nil && !rl.global.AllowN(now, 1) {
		return false
	}
	if rl.connRate <= 0 {
		return true
	}
	rl.mu.Lock()
	cl, ok := rl.perClient[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.connRate, rl.burstSize)}
		rl.perClient[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

// CleanupIdle forgets clients not seen for maxIdle and returns how many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for client, cl := range rl.perClient {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.perClient, client)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perClient)
}
