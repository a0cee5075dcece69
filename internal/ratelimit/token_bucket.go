// Package ratelimit bounds per-connection message rates on the store server.
package ratelimit

import (
	"sync"
	"time"
)

// Clock lets tests drive refills deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is 1e9 nano-tokens, so a fill rate of N tokens/sec adds N
// nano-tokens per elapsed nanosecond and no float rounding is involved.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket admits up to burst messages at once and refills at rate
// messages per second.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64
	rate  int64

	nano int64
	last time.Time
}

// NewTokenBucket returns a full bucket. A nil clock means RealClock.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  rate,
		nano:  toNano(burst),
		last:  clock.Now(),
	}
}

// Allow takes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.nano < cost {
		return false
	}
	b.nano -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock stepping backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.burst <= 0 {
		return
	}

	full := toNano(b.burst)
	need := full - b.nano
	if need <= 0 {
		b.nano = full
		return
	}
	// elapsed*rate can overflow; anything past the time to fill just fills.
	if elapsed >= need/b.rate {
		b.nano = full
		return
	}
	b.nano = min(b.nano+elapsed*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
