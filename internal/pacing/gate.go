// Package pacing implements the upstream pacing gate: a counting semaphore
// capping concurrent outbound upstream requests, grounded on
// internal/resilience/semaphore.go, with jittered admission added per
// spec §4.7.
package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Gate is a counting semaphore with jittered admission, used to
// desynchronize connection bursts to the upstream.
type Gate struct {
	mu       sync.Mutex
	capacity int
	current  int
	waiters  []chan struct{}

	jitterMax time.Duration
	rngMu     sync.Mutex
	rng       *rand.Rand
}

// New creates a pacing gate with maxConcurrentUpstream permits and a
// maximum per-acquire admission jitter.
func New(maxConcurrentUpstream int, jitterMax time.Duration) *Gate {
	if maxConcurrentUpstream <= 0 {
		maxConcurrentUpstream = 1
	}
	return &Gate{
		capacity:  maxConcurrentUpstream,
		jitterMax: jitterMax,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until a permit is available (or ctx is cancelled), then
// sleeps a small random jitter before returning, to avoid many requests
// dialing upstream in lockstep.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.acquirePermit(ctx); err != nil {
		return err
	}
	if g.jitterMax > 0 {
		d := time.Duration(g.jitter())
		select {
		case <-time.After(d):
		case <-ctx.Done():
			// Jitter is cut short; the permit stays held until the
			// caller's Release.
		}
	}
	return nil
}

func (g *Gate) jitter() int64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Int63n(int64(g.jitterMax) + 1)
}

func (g *Gate) acquirePermit(ctx context.Context) error {
	g.mu.Lock()
	if g.current < g.capacity {
		g.current++
		g.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	g.waiters = append(g.waiters, waiter)
	g.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == waiter {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit to the gate, waking a waiter if any.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current <= 0 {
		return
	}
	if len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(w)
		return
	}
	g.current--
}

// Current returns the number of permits currently held.
func (g *Gate) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Capacity returns the gate's capacity.
func (g *Gate) Capacity() int { return g.capacity }
