// Package breaker implements a per-credential failure-window circuit
// breaker: closed -> open -> half-open -> closed.
package breaker

import (
	"sync"
	"time"
)

// State is the current state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls the breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int
	// Window bounds how far back failures are counted towards
	// FailureThreshold; failures older than Window are forgotten.
	Window time.Duration
	// Timeout is how long the circuit stays open before allowing a trial
	// call (transition to half-open).
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// Breaker is a single credential's circuit breaker.
//
// Transitions: closed -> open when failures in Window >= FailureThreshold;
// open -> half-open after Timeout elapses; half-open -> closed on a single
// success; half-open -> open on a single failure.
type Breaker struct {
	mu              sync.Mutex
	name            string
	state           State
	cfg             Config
	failureTimes    []time.Time
	lastFailureTime time.Time
	onStateChange   func(name string, from, to State)
}

// New creates a breaker for the named credential.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, state: Closed, cfg: cfg}
}

// OnStateChange registers a callback invoked (asynchronously) on every
// state transition.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow reports whether the breaker currently admits a trial/real call.
// Calling Allow when the breaker is open and the cooldown has elapsed
// transitions it to half-open and admits exactly one trial call.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Sub(b.lastFailureTime) >= b.cfg.Timeout {
			b.transitionLocked(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// Only a single trial call is allowed; the caller that transitioned
		// us into half-open already consumed the trial via Allow returning
		// true above, so a *second* concurrent Allow before the result is
		// recorded must be refused to keep "one trial" meaningful.
		return false
	default:
		return false
	}
}

// RecordSuccess clears the failure window of a closed circuit and closes a
// half-open one; an open circuit is left unchanged.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureTimes = b.failureTimes[:0]
	case HalfOpen:
		b.transitionLocked(Closed)
		b.failureTimes = b.failureTimes[:0]
	}
}

// RecordFailure records a failure, possibly opening (or re-opening) the
// circuit.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = now

	switch b.state {
	case Closed:
		b.failureTimes = append(b.failureTimes, now)
		b.failureTimes = pruneBefore(b.failureTimes, now.Add(-b.cfg.Window))
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.transitionLocked(Open)
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		cb := b.onStateChange
		go cb(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(Closed)
	b.failureTimes = b.failureTimes[:0]
}

// Name returns the credential name this breaker guards.
func (b *Breaker) Name() string { return b.name }
