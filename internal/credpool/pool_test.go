package credpool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/keyrelay/internal/credpool/distkv"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LatencyWindowSize = 16
	return cfg
}

func TestPool_AcquireRoundRobin(t *testing.T) {
	p := New(testConfig(), []Credential{
		{ID: "a", Provider: "anthropic"},
		{ID: "b", Provider: "anthropic"},
	})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire(context.Background(), "anthropic", nil)
		require.NoError(t, err)
		seen[lease.Credential.ID] = true
		lease.Release()
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestPool_AcquireRespectsMaxConcurrency(t *testing.T) {
	p := New(testConfig(), []Credential{{ID: "a", Provider: "x", MaxConcurrency: 1}})

	lease, err := p.Acquire(context.Background(), "x", nil)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)

	lease.Release()
	_, err = p.Acquire(context.Background(), "x", nil)
	assert.NoError(t, err)
}

func TestPool_AcquireExcludesOpenCircuit(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	p := New(cfg, []Credential{{ID: "a", Provider: "x"}})

	p.RecordFailure("a")
	_, err := p.Acquire(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_ExcludeIDsFilter(t *testing.T) {
	p := New(testConfig(), []Credential{{ID: "a", Provider: "x"}})
	_, err := p.Acquire(context.Background(), "x", map[string]bool{"a": true})
	assert.ErrorIs(t, err, ErrNoCredentialAvailable)
}

func TestPool_RecordRateLimitSetsCooldown(t *testing.T) {
	p := New(testConfig(), []Credential{{ID: "a", Provider: "x"}})
	retryAfter := int64(500)
	d, accountScope := p.RecordRateLimit("a", &retryAfter)
	assert.Equal(t, 500*time.Millisecond, d)
	assert.False(t, accountScope)

	snap, ok := p.Snapshot("a")
	require.True(t, ok)
	assert.False(t, snap.Available)
}

func TestPool_RecordPoolRateLimitHitTracksModel(t *testing.T) {
	p := New(testConfig(), nil)
	hit := p.RecordPoolRateLimitHit("claude-haiku", nil)
	assert.Equal(t, 1, hit.Pool429Count)
	assert.True(t, p.ModelCooldownRemaining("claude-haiku") > 0)
}

func TestPool_PersistentBurstUsesFullCooldown(t *testing.T) {
	p := New(testConfig(), nil)
	p.RecordPoolRateLimitHit("m", nil)
	p.RecordPoolRateLimitHit("m", nil)
	hit := p.RecordPoolRateLimitHit("m", nil)
	assert.GreaterOrEqual(t, hit.Pool429Count, 3)
	assert.True(t, p.ModelCooldownRemaining("m") > 0)
}

func TestPool_QuarantineSlowKeys(t *testing.T) {
	cfg := testConfig()
	cfg.SlowKeyThreshold = 1.5
	p := New(cfg, []Credential{{ID: "fast", Provider: "x"}, {ID: "slow", Provider: "x"}})

	for i := 0; i < 10; i++ {
		p.RecordSuccess("fast", 10*time.Millisecond)
		p.RecordSuccess("slow", 200*time.Millisecond)
	}

	p.QuarantineSlowKeys()
	assert.True(t, p.IsQuarantined("slow"))
	assert.False(t, p.IsQuarantined("fast"))
}

func TestPool_DistributedCooldownSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	store := distkv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "keyrelay:test:")

	a := New(testConfig(), nil).WithDistributedCooldown(store)
	b := New(testConfig(), nil).WithDistributedCooldown(store)

	a.RecordPoolRateLimitHit("", nil)
	a.RecordPoolRateLimitHit("", nil)
	a.RecordPoolRateLimitHit("", nil)

	assert.True(t, b.PoolCooldownRemaining() > 0, "instance b should observe instance a's pool cooldown via the shared store")
}
