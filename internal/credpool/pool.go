package credpool

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/keyrelay/internal/breaker"
	"github.com/relayforge/keyrelay/internal/credpool/distkv"
	"github.com/relayforge/keyrelay/internal/metrics"
)

// ErrNoCredentialAvailable is returned by Acquire when every credential for
// the requested provider fails at least one guard in spec §3.
var ErrNoCredentialAvailable = errors.New("credpool: no credential available")

// Strategy selects among equally-eligible credentials.
type Strategy int

const (
	// RoundRobin cycles candidates in a stable rotation.
	RoundRobin Strategy = iota
	// Weighted picks by a health score built from p95 latency and the
	// credential's rate-limit hit count; higher score wins. How recently a
	// credential failed does not enter the score.
	Weighted
)

// Config configures a Pool.
type Config struct {
	Strategy          Strategy
	CircuitBreaker    breaker.Config
	LatencyWindowSize int
	Cooldown          CooldownConfig
	// AccountDetectWindow is the window within which 429s from distinct
	// credentials are treated as one account-level event.
	AccountDetectWindow time.Duration
	// BurstDampeningFactor scales the retry delay into the per-model
	// cooldown set on a transient pool-level 429; the result never drops
	// below the retry delay itself.
	BurstDampeningFactor float64
	// SlowKeyThreshold and its recovery ratio gate optional quarantine.
	SlowKeyThreshold float64
	// ModelMaxConcurrency bounds the credential pool's own per-model
	// in-flight count (spec §4.2 step 3/4's model-at-capacity gate), a
	// second, independent authority from the model router's own per-model
	// tracking in internal/modelrouter. Zero/missing means unbounded.
	ModelMaxConcurrency map[string]int
}

// DefaultConfig returns sane defaults grounded on the teacher's
// resilience.DefaultConfig plus spec §6's poolCooldown defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:             RoundRobin,
		CircuitBreaker:       breaker.DefaultConfig(),
		LatencyWindowSize:    128,
		Cooldown:             DefaultCooldownConfig(),
		AccountDetectWindow:  5 * time.Second,
		BurstDampeningFactor: 0.5,
		SlowKeyThreshold:     2.0,
	}
}

// Pool multiplexes a set of credentials per spec §3/§4.6.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	keys     []*keyState
	byID     map[string]*keyState
	rrCursor int

	poolCooldown   *cooldownTracker
	modelCooldowns map[string]*cooldownTracker
	modelMu        sync.Mutex

	// modelInFlight backs AcquireModelSlot/ReleaseModelSlot, the pool's own
	// per-model concurrency authority (spec §4.2 step 3/4), guarded by
	// modelMu alongside modelCooldowns.
	modelInFlight map[string]int

	accountDet *accountDetector

	quarantined map[string]bool

	rngMu sync.Mutex
	rng   *rand.Rand

	// dist, when non-nil, shares the pool-level cooldown clock across
	// proxy instances via Redis (optional multi-instance deployment,
	// spec's distributed-pool-cooldown supplement).
	dist *distkv.Store

	// onRelease, when set, is invoked every time a Lease is released, used
	// to wake the request queue's head waiter (spec §4.7) on a credential
	// becoming available rather than on the whole request completing.
	onRelease func()
}

// New builds a Pool over the given credentials.
func New(cfg Config, creds []Credential) *Pool {
	p := &Pool{
		cfg:            cfg,
		byID:           make(map[string]*keyState, len(creds)),
		modelCooldowns: make(map[string]*cooldownTracker),
		modelInFlight:  make(map[string]int),
		poolCooldown:   newCooldownTracker(0),
		accountDet:     newAccountDetector(cfg.AccountDetectWindow),
		quarantined:    make(map[string]bool),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, c := range creds {
		ks := newKeyState(c, cfg)
		p.keys = append(p.keys, ks)
		p.byID[c.ID] = ks
	}
	return p
}

// WithDistributedCooldown attaches a Redis-backed shared pool-cooldown
// clock. Call once after New; nil disables it (the default).
func (p *Pool) WithDistributedCooldown(store *distkv.Store) *Pool {
	p.dist = store
	return p
}

// OnRelease registers fn to be called every time a Lease is released back
// to the pool (spec §4.7's credential-wait queue wake signal). Call once
// after New; nil is a no-op.
func (p *Pool) OnRelease(fn func()) {
	p.mu.Lock()
	p.onRelease = fn
	p.mu.Unlock()
}

// Lease is a held credential; the caller must call Release exactly once.
type Lease struct {
	Credential Credential
	acquiredAt time.Time
	ks         *keyState
	pool       *Pool
}

// Acquire atomically selects an eligible credential for provider,
// increments its in-flight counter, and returns a Lease. excludeIDs lets
// the retry loop exclude credentials already attempted this request.
func (p *Pool) Acquire(ctx context.Context, provider string, excludeIDs map[string]bool) (*Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*keyState, 0, len(p.keys))
	for _, ks := range p.keys {
		if provider != "" && ks.cred.Provider != "" && ks.cred.Provider != provider {
			continue
		}
		if excludeIDs[ks.cred.ID] {
			continue
		}
		if p.quarantined[ks.cred.ID] {
			continue
		}
		ks.mu.Lock()
		ok := ks.isAvailableLocked(now)
		ks.mu.Unlock()
		if ok {
			candidates = append(candidates, ks)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCredentialAvailable
	}

	var chosen *keyState
	switch p.cfg.Strategy {
	case Weighted:
		chosen = p.pickWeighted(candidates, now)
	default:
		chosen = p.pickRoundRobin(candidates)
	}

	chosen.mu.Lock()
	chosen.inFlight++
	if chosen.bucket != nil {
		chosen.bucket.Take(now)
	}
	chosen.mu.Unlock()

	return &Lease{Credential: chosen.cred, acquiredAt: now, ks: chosen, pool: p}, nil
}

func (p *Pool) pickRoundRobin(candidates []*keyState) *keyState {
	p.rrCursor = (p.rrCursor + 1) % len(candidates)
	return candidates[p.rrCursor%len(candidates)]
}

// pickWeighted scores each candidate by low p95 latency and few rate-limit
// hits and returns the highest scorer; failure recency is not scored.
func (p *Pool) pickWeighted(candidates []*keyState, now time.Time) *keyState {
	type scored struct {
		ks    *keyState
		score float64
	}
	scores := make([]scored, 0, len(candidates))
	for _, ks := range candidates {
		ks.mu.Lock()
		stats := ks.latency.Stats()
		hits := ks.rateLimitHits
		ks.mu.Unlock()

		score := 1000.0
		if stats.Count > 0 {
			score -= stats.P95Ms
		}
		score -= float64(hits) * 50
		scores = append(scores, scored{ks, score})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	return scores[0].ks
}

// Release decrements the credential's in-flight counter and wakes the
// request queue's head waiter, if any. Call exactly once per successful
// Acquire, regardless of outcome.
func (l *Lease) Release() {
	l.ks.mu.Lock()
	if l.ks.inFlight > 0 {
		l.ks.inFlight--
	}
	l.ks.mu.Unlock()

	if l.pool != nil {
		l.pool.mu.Lock()
		onRelease := l.pool.onRelease
		l.pool.mu.Unlock()
		if onRelease != nil {
			onRelease()
		}
	}
}

// AcquireModelSlot enforces the pool's own per-model concurrency cap
// (spec §4.2 step 3/4's model-at-capacity gate), distinct from the model
// router's own per-model in-flight tracking. Returns false when model is
// already at its configured limit.
func (p *Pool) AcquireModelSlot(model string) bool {
	limit, ok := p.cfg.ModelMaxConcurrency[model]
	if !ok || limit <= 0 {
		return true
	}
	p.modelMu.Lock()
	defer p.modelMu.Unlock()
	if p.modelInFlight[model] >= limit {
		return false
	}
	p.modelInFlight[model]++
	return true
}

// ReleaseModelSlot releases a slot acquired by AcquireModelSlot. Safe to
// call even when the model has no configured limit.
func (p *Pool) ReleaseModelSlot(model string) {
	p.modelMu.Lock()
	defer p.modelMu.Unlock()
	if p.modelInFlight[model] > 0 {
		p.modelInFlight[model]--
	}
}

// RecordSuccess pushes a latency sample, resets the breaker's failure
// window, and should be called once per successful attempt (Release is
// still required separately).
func (p *Pool) RecordSuccess(id string, latency time.Duration) {
	ks := p.lookup(id)
	if ks == nil {
		return
	}
	ks.latency.Add(latency)
	ks.breaker.RecordSuccess()
}

// RecordFailure feeds the breaker's sliding failure window.
func (p *Pool) RecordFailure(id string) {
	ks := p.lookup(id)
	if ks == nil {
		return
	}
	ks.breaker.RecordFailure(time.Now())
}

// RecordRateLimit applies a per-key cooldown, dampened during a pool
// burst per spec §4.3.3: the lesser of 1s and the pool cooldown remaining
// takes precedence over the raw retryAfterMs when the pool is bursting. The
// second return value reports whether this 429 correlates with other
// credentials closely enough in time to be an account-level rate limit
// rather than a single credential's own limit (spec §4.3.2), for the
// caller to surface as an `x-rate-limit-scope: account` response header.
func (p *Pool) RecordRateLimit(id string, retryAfterMs *int64) (time.Duration, bool) {
	ks := p.lookup(id)
	if ks == nil {
		return 0, false
	}
	now := time.Now()

	accountScope := p.accountDet.record(id, now)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.rateLimitHits++
	ks.lastRateLimitAt = now

	poolBursting := p.poolCooldown.count() > 1
	var cooldown time.Duration
	if poolBursting {
		poolRemaining := p.poolCooldown.remaining(now)
		dampened := time.Second
		if poolRemaining < dampened {
			dampened = poolRemaining
		}
		cooldown = dampened
	} else if retryAfterMs != nil && *retryAfterMs > 0 {
		cooldown = time.Duration(*retryAfterMs) * time.Millisecond
	} else {
		base := float64(p.cfg.Cooldown.BaseMs)
		cap := float64(p.cfg.Cooldown.CapMs)
		exp := base
		for i := 1; i < ks.rateLimitHits; i++ {
			exp *= 2
			if exp > cap {
				exp = cap
				break
			}
		}
		cooldown = time.Duration(exp) * time.Millisecond
	}

	until := now.Add(cooldown)
	if until.After(ks.cooldownUntil) {
		ks.cooldownUntil = until
	}
	metrics.Upstream429Total.WithLabelValues("credential").Inc()
	metrics.CooldownActive.WithLabelValues("credential", id).Set(1)
	return cooldown, accountScope
}

// RecordPoolRateLimitHit records a 429 against the global pool cooldown
// and, when model is non-empty, the per-model cooldown, per spec §4.3.1
// and §4.3.4.
func (p *Pool) RecordPoolRateLimitHit(model string, retryAfterMs *int64) RateLimitHit {
	now := time.Now()
	hit := p.poolCooldown.hit(now, retryAfterMs, p.cfg.Cooldown.BaseMs, p.cfg.Cooldown.CapMs, p.cfg.Cooldown.RetryJitterMs, p.rng, &p.rngMu)
	metrics.Upstream429Total.WithLabelValues("pool").Inc()
	metrics.CooldownActive.WithLabelValues("pool", "").Set(1)

	if p.dist != nil {
		if shared, err := p.dist.RaiseCooldown(context.Background(), "pool", hit.CooldownUntil, time.Duration(p.cfg.Cooldown.CapMs)*time.Millisecond); err == nil && shared.After(hit.CooldownUntil) {
			hit.CooldownUntil = shared
			p.poolCooldown.mu.Lock()
			p.poolCooldown.cooldownUntil = shared
			p.poolCooldown.mu.Unlock()
		}
	}

	if model != "" {
		p.modelMu.Lock()
		tracker, ok := p.modelCooldowns[model]
		if !ok {
			tracker = newCooldownTracker(0)
			p.modelCooldowns[model] = tracker
		}
		p.modelMu.Unlock()

		persistent := hit.Pool429Count >= 3
		var modelCooldownMs int64
		if persistent {
			modelCooldownMs = hit.CooldownMs
		} else {
			dampened := hit.CooldownMs * int64(p.cfg.BurstDampeningFactor*100) / 100
			if dampened < 100 {
				dampened = 100
			}
			// floor guarantees the model's cooldown outlasts the retry sleep
			modelCooldownMs = hit.CooldownMs
			if dampened > modelCooldownMs {
				modelCooldownMs = dampened
			}
		}
		tracker.mu.Lock()
		until := now.Add(time.Duration(modelCooldownMs) * time.Millisecond)
		if until.After(tracker.cooldownUntil) {
			tracker.cooldownUntil = until
		}
		tracker.mu.Unlock()
		metrics.CooldownActive.WithLabelValues("model", model).Set(1)
	}

	return hit
}

// ModelCooldownRemaining returns the remaining cooldown for a model, zero
// if none is active.
func (p *Pool) ModelCooldownRemaining(model string) time.Duration {
	p.modelMu.Lock()
	tracker, ok := p.modelCooldowns[model]
	p.modelMu.Unlock()
	if !ok {
		return 0
	}
	return tracker.remaining(time.Now())
}

// PoolCooldownRemaining returns the remaining global pool cooldown,
// consulting the distributed store (if attached) so an instance that
// hasn't itself been rate-limited still honors a cooldown another
// instance raised.
func (p *Pool) PoolCooldownRemaining() time.Duration {
	now := time.Now()
	local := p.poolCooldown.remaining(now)
	if p.dist == nil {
		return local
	}
	shared, err := p.dist.CooldownUntil(context.Background(), "pool")
	if err != nil || !shared.After(now) {
		return local
	}
	if d := shared.Sub(now); d > local {
		return d
	}
	return local
}

func (p *Pool) lookup(id string) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

// Snapshot returns a point-in-time view of one credential's state.
func (p *Pool) Snapshot(id string) (Snapshot, bool) {
	ks := p.lookup(id)
	if ks == nil {
		return Snapshot{}, false
	}
	return ks.snapshot(time.Now()), true
}

// Snapshots returns a view of every credential in the pool, consumed by
// the model router's drift detector.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	keys := append([]*keyState(nil), p.keys...)
	p.mu.Unlock()

	now := time.Now()
	out := make([]Snapshot, 0, len(keys))
	for _, ks := range keys {
		out = append(out, ks.snapshot(now))
	}
	return out
}

// QuarantineSlowKeys compares each key's p50 latency against the pool
// average and quarantines keys above cfg.SlowKeyThreshold ratio, and
// recovers quarantined keys whose ratio has fallen below threshold*0.8
// (spec §4.6). Intended to be invoked periodically by the caller.
func (p *Pool) QuarantineSlowKeys() {
	if p.cfg.SlowKeyThreshold <= 0 {
		return
	}
	p.mu.Lock()
	keys := append([]*keyState(nil), p.keys...)
	p.mu.Unlock()

	var total float64
	var n int
	p50s := make(map[string]float64, len(keys))
	for _, ks := range keys {
		stats := ks.latency.Stats()
		if stats.Count == 0 {
			continue
		}
		p50s[ks.cred.ID] = stats.P50Ms
		total += stats.P50Ms
		n++
	}
	if n == 0 {
		return
	}
	avg := total / float64(n)
	if avg <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, p50 := range p50s {
		ratio := p50 / avg
		if ratio >= p.cfg.SlowKeyThreshold {
			p.quarantined[id] = true
		} else if ratio < p.cfg.SlowKeyThreshold*0.8 {
			delete(p.quarantined, id)
		}
	}
}

// IsQuarantined reports whether id is currently slow-key quarantined.
func (p *Pool) IsQuarantined(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined[id]
}
