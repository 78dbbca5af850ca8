package distkv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "keyrelay:cooldown:test:")
}

func TestRaiseCooldown_FirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	until := time.Now().Add(5 * time.Second)

	got, err := s.RaiseCooldown(ctx, "pool", until, time.Minute)
	require.NoError(t, err)
	require.WithinDuration(t, until, got, time.Millisecond)
}

func TestRaiseCooldown_DoesNotLowerAnExistingLaterCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	later := time.Now().Add(30 * time.Second)
	_, err := s.RaiseCooldown(ctx, "pool", later, time.Minute)
	require.NoError(t, err)

	earlier := time.Now().Add(5 * time.Second)
	got, err := s.RaiseCooldown(ctx, "pool", earlier, time.Minute)
	require.NoError(t, err)
	require.WithinDuration(t, later, got, time.Millisecond)
}

func TestCooldownUntil_ZeroWhenUnset(t *testing.T) {
	s := newTestStore(t)
	got, err := s.CooldownUntil(context.Background(), "never-set")
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestStore_NilIsANoOp(t *testing.T) {
	var s *Store
	until := time.Now().Add(time.Second)
	got, err := s.RaiseCooldown(context.Background(), "pool", until, time.Minute)
	require.NoError(t, err)
	require.WithinDuration(t, until, got, time.Millisecond)

	zero, err := s.CooldownUntil(context.Background(), "pool")
	require.NoError(t, err)
	require.True(t, zero.IsZero())
}
