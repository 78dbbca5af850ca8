// Package credpool implements the Credential Pool (spec §3, §4.6): a set
// of credentials with per-key concurrency caps, optional rate-limit token
// buckets, circuit breakers, latency windows, weighted/round-robin
// selection, per-key and pool-level 429 cooldowns, per-model cooldowns, and
// account-level 429 detection.
//
// Grounded on internal/resilience/manager.go's per-key breaker/limiter/
// semaphore registry pattern and internal/router/base.go's cooldown-map +
// round-robin/weighted selection.
package credpool

import (
	"sync"
	"time"

	"github.com/relayforge/keyrelay/internal/breaker"
	"github.com/relayforge/keyrelay/internal/latencywindow"
	"github.com/relayforge/keyrelay/internal/metrics"
)

// Credential identifies one upstream API key.
type Credential struct {
	// ID is a stable identifier (e.g. a hash or name), never the raw token.
	ID string
	// Token is the opaque identity token sent upstream (e.g. the API key).
	Token string
	// Provider is the provider this credential is affiliated with; empty
	// means the credential serves requests for any provider.
	Provider string
	// MaxConcurrency bounds in-flight requests for this credential. Zero
	// means unlimited.
	MaxConcurrency int
	// RateLimitPerMinute and RateLimitBurst configure an optional token
	// bucket; RateLimitPerMinute <= 0 disables the bucket.
	RateLimitPerMinute int
	RateLimitBurst     int
}

// keyState is the pool's live bookkeeping for one credential.
type keyState struct {
	cred Credential

	mu               sync.Mutex
	inFlight         int
	cooldownUntil    time.Time
	rateLimitHits    int
	lastRateLimitAt  time.Time

	breaker *breaker.Breaker
	latency *latencywindow.Window
	bucket  *tokenBucket
}

func newKeyState(cred Credential, cfg Config) *keyState {
	ks := &keyState{
		cred:    cred,
		breaker: breaker.New(cred.ID, cfg.CircuitBreaker),
		latency: latencywindow.New(cfg.LatencyWindowSize),
	}
	ks.breaker.OnStateChange(func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
	})
	if cred.RateLimitPerMinute > 0 {
		burst := cred.RateLimitBurst
		if burst <= 0 {
			burst = cred.RateLimitPerMinute
		}
		ks.bucket = newTokenBucket(float64(cred.RateLimitPerMinute)/60.0, burst)
	}
	return ks
}

// breakerStateValue maps a breaker state to the credential_breaker_state
// gauge value, in severity order (closed < half-open < open) rather than
// the package's internal iota order.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return -1
	}
}

// Snapshot is a consistent read view of one credential's state, consumed
// by the model router's drift detector (spec §4.5) and by external
// dashboards (out of scope here, but the shape is part of the contract).
type Snapshot struct {
	ID              string
	InFlight        int
	MaxConcurrency  int
	CircuitState    breaker.State
	CooldownUntil   time.Time
	RateLimitHits   int
	RateLimitTokens float64
	LatencyP50Ms    float64
	LatencyP95Ms    float64
	LatencySamples  int
	Available       bool
}

func (ks *keyState) snapshot(now time.Time) Snapshot {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	stats := ks.latency.Stats()
	tokens := -1.0
	if ks.bucket != nil {
		tokens = ks.bucket.Tokens(now)
	}

	return Snapshot{
		ID:              ks.cred.ID,
		InFlight:        ks.inFlight,
		MaxConcurrency:  ks.cred.MaxConcurrency,
		CircuitState:    ks.breaker.State(),
		CooldownUntil:   ks.cooldownUntil,
		RateLimitHits:   ks.rateLimitHits,
		RateLimitTokens: tokens,
		LatencyP50Ms:    stats.P50Ms,
		LatencyP95Ms:    stats.P95Ms,
		LatencySamples:  stats.Count,
		Available:       ks.isAvailableLocked(now),
	}
}

// isAvailableLocked reports whether this key currently satisfies every
// guard in spec §3: circuit closed (or willing to admit a half-open
// trial), bucket non-empty, below max concurrency, no active cooldown.
// Caller must hold ks.mu. Calls ks.breaker.Allow, not just State, so an
// open breaker whose Timeout has elapsed actually transitions to
// half-open and admits its one trial call instead of staying open forever.
func (ks *keyState) isAvailableLocked(now time.Time) bool {
	if !ks.breaker.Allow(now) {
		return false
	}
	if now.Before(ks.cooldownUntil) {
		return false
	}
	if ks.cred.MaxConcurrency > 0 && ks.inFlight >= ks.cred.MaxConcurrency {
		return false
	}
	if ks.bucket != nil && ks.bucket.Tokens(now) < 1 {
		return false
	}
	return true
}
