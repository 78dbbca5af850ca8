package credpool

import (
	"sync"
	"time"
)

// tokenBucket is a simple continuous-refill token bucket guarding a
// credential's self-declared per-minute rate limit, grounded on
// internal/resilience/manager.go's rate.Limiter usage but hand-rolled here
// since the pool needs to inspect remaining tokens for Snapshot (spec
// §4.6) without consuming one.
type tokenBucket struct {
	mu         sync.Mutex
	ratePerSec float64
	burst      float64
	tokens     float64
	updatedAt  time.Time
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	return &tokenBucket{
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		tokens:     float64(burst),
		updatedAt:  time.Now(),
	}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.updatedAt = now
}

// Tokens returns the current token count without consuming any.
func (b *tokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}

// Take attempts to consume one token, returning false if none are
// available.
func (b *tokenBucket) Take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
