// Package ratelimit implements a per-client token bucket limiter for the
// edge proxy. Buckets are created lazily on first request and evicted by
// an LRU once the client map reaches capacity, so idle clients do not
// accumulate forever.
package ratelimit

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxClients bounds the bucket map. Evicting an idle bucket only
// ever favors the client: a recreated bucket starts full.
const DefaultMaxClients = 10000

// bucket holds the token state for a single client. Mutated only under
// its own mutex so unrelated clients never serialize on each other.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token-bucket rate limiter keyed by client ID.
type Limiter struct {
	rps     float64
	burst   float64
	buckets *lru.Cache[string, *bucket]

	// now is swappable for tests.
	now func() time.Time
}

// Snapshot reports the limiter state for one client, for response headers.
type Snapshot struct {
	Limit     int
	Remaining int
}

// New creates a limiter refilling rps tokens/sec with the given burst
// capacity, tracking at most maxClients buckets.
func New(rps float64, burst int, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	cache, err := lru.New[string, *bucket](maxClients)
	if err != nil {
		// Only possible with a non-positive size, which is guarded above.
		panic(err)
	}
	return &Limiter{
		rps:     rps,
		burst:   float64(burst),
		buckets: cache,
		now:     time.Now,
	}
}

// Allow reports whether the client may proceed, consuming one token if
// so. Denial is a normal outcome, not an error. Safe for concurrent use
// across clients and for concurrent calls on the same client.
func (l *Limiter) Allow(clientID string) bool {
	b := l.getBucket(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Peek returns the limiter state for a client without consuming a token.
func (l *Limiter) Peek(clientID string) Snapshot {
	b := l.getBucket(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refillLocked(b)
	return Snapshot{
		Limit:     int(l.burst),
		Remaining: int(b.tokens),
	}
}

// Len returns the number of tracked client buckets.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}

func (l *Limiter) getBucket(clientID string) *bucket {
	if b, ok := l.buckets.Get(clientID); ok {
		return b
	}
	// First request from this client: start with a full bucket. PeekOrAdd
	// resolves the race when two requests create the same bucket at once.
	fresh := &bucket{tokens: l.burst, lastRefill: l.now()}
	if prev, ok, _ := l.buckets.PeekOrAdd(clientID, fresh); ok {
		return prev
	}
	return fresh
}

// refillLocked adds tokens for the time elapsed since the last refill,
// capped at burst capacity. Caller holds b.mu.
func (l *Limiter) refillLocked(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rps)
		b.lastRefill = now
	}
}
