package modelrouter

import (
	"sync"
	"time"
)

// modelState is the router's live bookkeeping for one model id (spec
// §3 Model Pool State).
type modelState struct {
	mu             sync.Mutex
	id             string
	maxConcurrency int
	inFlight       int
	cooldownUntil  time.Time
	hit429Count    int
	lastHit429At   time.Time
	pricing        float64
}

func (m *modelState) cooledLocked(now time.Time) bool {
	return now.Before(m.cooldownUntil)
}

func (m *modelState) atCapacityLocked() bool {
	return m.maxConcurrency > 0 && m.inFlight >= m.maxConcurrency
}

func (m *modelState) availableCapacityLocked() int {
	if m.maxConcurrency <= 0 {
		return 1 << 30
	}
	avail := m.maxConcurrency - m.inFlight
	if avail < 0 {
		return 0
	}
	return avail
}

// snapshot is a lock-free read of the fields computeDecision needs.
type modelSnapshot struct {
	id             string
	inFlight       int
	maxConcurrency int
	cooled         bool
	pricing        float64
}

func (m *modelState) snapshot(now time.Time) modelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return modelSnapshot{
		id:             m.id,
		inFlight:       m.inFlight,
		maxConcurrency: m.maxConcurrency,
		cooled:         m.cooledLocked(now),
		pricing:        m.pricing,
	}
}
