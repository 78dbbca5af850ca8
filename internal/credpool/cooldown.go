package credpool

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// CooldownConfig configures pool-level and per-model cooldown math
// (spec §4.3, §4.6): exponential backoff bounded by a cap, with jitter,
// used whenever upstream does not supply a Retry-After hint.
type CooldownConfig struct {
	BaseMs           int64
	CapMs            int64
	SleepThresholdMs int64
	RetryJitterMs    int64
	MaxCooldownMs    int64
}

// DefaultCooldownConfig mirrors the teacher's resilience defaults scaled
// to this pool's semantics.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		BaseMs:           1000,
		CapMs:            60_000,
		SleepThresholdMs: 2000,
		RetryJitterMs:    250,
		MaxCooldownMs:    30_000,
	}
}

// RateLimitHit is the result of recording a 429, returned up to the
// Request Handler so it can build response headers (spec §6).
type RateLimitHit struct {
	CooldownUntil   time.Time
	Pool429Count    int
	WasAlreadyBlocked bool
	CooldownMs      int64
}

// cooldownTracker holds one cooldown scope's (global, or a single model's)
// sliding 429 hit count and current cooldown-until timestamp.
type cooldownTracker struct {
	mu            sync.Mutex
	cooldownUntil time.Time
	hitCount      int
	lastHitAt     time.Time
	windowReset   time.Duration
}

func newCooldownTracker(windowReset time.Duration) *cooldownTracker {
	return &cooldownTracker{windowReset: windowReset}
}

// remaining returns the cooldown remaining as of now, zero if elapsed.
func (c *cooldownTracker) remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.cooldownUntil) {
		return 0
	}
	return c.cooldownUntil.Sub(now)
}

// hit records a 429, computing cooldownMs from retryAfterMs when present,
// else exponential backoff bounded by capMs, and returns the resulting
// state. If the sliding window since lastHitAt exceeds windowReset, the
// hit count resets first (a fresh burst).
func (c *cooldownTracker) hit(now time.Time, retryAfterMs *int64, baseMs, capMs int64, jitterMs int64, rng *rand.Rand, rngMu *sync.Mutex) RateLimitHit {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasBlocked := now.Before(c.cooldownUntil)

	if c.windowReset > 0 && now.Sub(c.lastHitAt) > c.windowReset {
		c.hitCount = 0
	}
	c.hitCount++
	c.lastHitAt = now

	var cooldownMs int64
	if retryAfterMs != nil && *retryAfterMs > 0 {
		cooldownMs = *retryAfterMs
	} else {
		exp := float64(baseMs) * math.Pow(2, float64(c.hitCount-1))
		cooldownMs = int64(math.Min(exp, float64(capMs)))
	}
	if jitterMs > 0 {
		rngMu.Lock()
		cooldownMs += rng.Int63n(jitterMs + 1)
		rngMu.Unlock()
	}

	until := now.Add(time.Duration(cooldownMs) * time.Millisecond)
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}

	return RateLimitHit{
		CooldownUntil:     c.cooldownUntil,
		Pool429Count:      c.hitCount,
		WasAlreadyBlocked: wasBlocked,
		CooldownMs:        cooldownMs,
	}
}

func (c *cooldownTracker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitCount
}

// accountDetector flags an "account" scope 429 when multiple distinct
// credentials hit a 429 within a short shared window (spec §4.3.2).
type accountDetector struct {
	mu       sync.Mutex
	window   time.Duration
	hits     map[string]time.Time
}

func newAccountDetector(window time.Duration) *accountDetector {
	return &accountDetector{window: window, hits: make(map[string]time.Time)}
}

// record marks credentialID as having hit a 429 at now, and reports
// whether this constitutes an account-scope burst (>1 distinct credential
// within the window).
func (a *accountDetector) record(credentialID string, now time.Time) (accountScope bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, at := range a.hits {
		if now.Sub(at) > a.window {
			delete(a.hits, id)
		}
	}
	a.hits[credentialID] = now
	return len(a.hits) > 1
}
