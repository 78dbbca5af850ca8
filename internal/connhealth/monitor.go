// Package connhealth tracks consecutive socket hangups and triggers a
// connection-pool rebuild when they exceed a threshold, grounded on the
// teacher's single shared *http.Transport (internal/client.go's New()),
// generalized with the rebuild-guard spec §4.7/§5 calls for.
package connhealth

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relayforge/keyrelay/internal/metrics"
)

// Config controls when a rebuild is triggered.
type Config struct {
	MaxConsecutiveHangups  int
	AgentRecreationCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxConsecutiveHangups: 5, AgentRecreationCooldown: 10 * time.Second}
}

// TransportFactory builds a fresh *http.Transport, used when the monitor
// decides the pool needs recreating.
type TransportFactory func() *http.Transport

// Monitor owns the shared transport and rebuilds it when too many
// consecutive socket hangups are observed. A single in-flight rebuild is
// shared across concurrent triggers via singleflight, so bursts of
// hangups cause exactly one rebuild instead of a thundering herd.
type Monitor struct {
	mu                sync.RWMutex
	cfg               Config
	factory           TransportFactory
	transport         *http.Transport
	consecutive       int
	lastRecreatedAt   time.Time
	sf                singleflight.Group
	onRebuild         func()
}

// New creates a monitor that owns transports built by factory.
func New(cfg Config, factory TransportFactory) *Monitor {
	m := &Monitor{cfg: cfg, factory: factory}
	m.transport = factory()
	return m
}

// OnRebuild registers a callback invoked after every rebuild (e.g. to swap
// the transport into a live *http.Client).
func (m *Monitor) OnRebuild(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRebuild = fn
}

// Transport returns the currently active transport.
func (m *Monitor) Transport() *http.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

// RecordSuccess zeroes the consecutive-hangup counter.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive = 0
}

// RecordHangup records a socket hangup and triggers a rebuild if the
// consecutive count reaches the configured threshold and the cooldown
// since the last rebuild has elapsed.
func (m *Monitor) RecordHangup() {
	m.mu.Lock()
	m.consecutive++
	shouldRebuild := m.consecutive >= m.cfg.MaxConsecutiveHangups &&
		time.Since(m.lastRecreatedAt) >= m.cfg.AgentRecreationCooldown
	m.mu.Unlock()

	if shouldRebuild {
		m.rebuild()
	}
}

func (m *Monitor) rebuild() {
	_, _, _ = m.sf.Do("rebuild", func() (interface{}, error) {
		m.mu.Lock()
		// Re-check under the lock in case another goroutine already rebuilt
		// while we waited for the singleflight call.
		if time.Since(m.lastRecreatedAt) < m.cfg.AgentRecreationCooldown || m.consecutive < m.cfg.MaxConsecutiveHangups {
			m.mu.Unlock()
			return nil, nil
		}
		old := m.transport
		m.transport = m.factory()
		m.consecutive = 0
		m.lastRecreatedAt = time.Now()
		cb := m.onRebuild
		m.mu.Unlock()

		if old != nil {
			old.CloseIdleConnections()
		}
		metrics.ConnectionRebuildsTotal.Inc()
		if cb != nil {
			cb()
		}
		return nil, nil
	})
}

// ConsecutiveHangups returns the current streak, for tests/metrics.
func (m *Monitor) ConsecutiveHangups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutive
}
