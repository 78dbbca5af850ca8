package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 3, Window: time.Minute, Timeout: time.Second}
	b := New("key-1", cfg)

	now := time.Now()
	require.Equal(t, Closed, b.State())

	b.RecordFailure(now)
	b.RecordFailure(now)
	assert.Equal(t, Closed, b.State())

	b.RecordFailure(now)
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow(now))
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	cfg := Config{FailureThreshold: 3, Window: 10 * time.Millisecond, Timeout: time.Second}
	b := New("key-1", cfg)

	base := time.Now()
	b.RecordFailure(base)
	b.RecordFailure(base.Add(5 * time.Millisecond))
	// Past the window: the first two failures should have aged out.
	b.RecordFailure(base.Add(50 * time.Millisecond))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := Config{FailureThreshold: 1, Window: time.Minute, Timeout: 10 * time.Millisecond}
	b := New("key-1", cfg)

	now := time.Now()
	b.RecordFailure(now)
	require.Equal(t, Open, b.State())

	later := now.Add(20 * time.Millisecond)
	assert.True(t, b.Allow(later))
	assert.Equal(t, HalfOpen, b.State())

	// A second concurrent Allow must not get another trial.
	assert.False(t, b.Allow(later))

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, Window: time.Minute, Timeout: 10 * time.Millisecond}
	b := New("key-1", cfg)

	now := time.Now()
	b.RecordFailure(now)
	later := now.Add(20 * time.Millisecond)
	require.True(t, b.Allow(later))
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure(later)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	cfg := Config{FailureThreshold: 1, Window: time.Minute, Timeout: time.Millisecond}
	b := New("key-1", cfg)

	changed := make(chan State, 4)
	b.OnStateChange(func(name string, from, to State) {
		changed <- to
	})

	b.RecordFailure(time.Now())
	select {
	case s := <-changed:
		assert.Equal(t, Open, s)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change callback")
	}
}

func TestBreaker_Reset(t *testing.T) {
	cfg := DefaultConfig()
	b := New("key-1", cfg)
	b.RecordFailure(time.Now())
	b.RecordFailure(time.Now())
	b.Reset()
	assert.Equal(t, Closed, b.State())
}
