package connhealth

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTransportFactory(counter *int64) TransportFactory {
	return func() *http.Transport {
		atomic.AddInt64(counter, 1)
		return &http.Transport{}
	}
}

func TestMonitor_RebuildsAfterThreshold(t *testing.T) {
	var builds int64
	cfg := Config{MaxConsecutiveHangups: 3, AgentRecreationCooldown: time.Millisecond}
	m := New(cfg, newTransportFactory(&builds))
	assert.EqualValues(t, 1, atomic.LoadInt64(&builds))

	m.RecordHangup()
	m.RecordHangup()
	assert.EqualValues(t, 1, atomic.LoadInt64(&builds))
	m.RecordHangup()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&builds) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, m.ConsecutiveHangups())
}

func TestMonitor_SuccessResetsCounter(t *testing.T) {
	var builds int64
	cfg := Config{MaxConsecutiveHangups: 3, AgentRecreationCooldown: time.Second}
	m := New(cfg, newTransportFactory(&builds))

	m.RecordHangup()
	m.RecordHangup()
	m.RecordSuccess()
	assert.Equal(t, 0, m.ConsecutiveHangups())
}

func TestMonitor_ConcurrentHangupsRebuildOnce(t *testing.T) {
	var builds int64
	cfg := Config{MaxConsecutiveHangups: 2, AgentRecreationCooldown: time.Hour}
	m := New(cfg, newTransportFactory(&builds)) // builds == 1 already

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordHangup()
		}()
	}
	wg.Wait()

	// Exactly one rebuild should occur despite the burst, since the
	// cooldown blocks any further rebuild after the first.
	assert.EqualValues(t, 2, atomic.LoadInt64(&builds))
}
