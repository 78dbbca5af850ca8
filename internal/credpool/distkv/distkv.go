// Package distkv is the optional distributed backend for the pool-level
// 429 cooldown clock (spec §4.3.1), letting several proxy instances behind
// the same credential set share one cooldown-until timestamp instead of
// each tracking it independently in memory.
//
// Grounded on the teacher's routers/redis_scripts.go (atomic Lua scripts
// for distributed router state) and routers/redis_stats_store.go (a
// *redis.Client-backed store implementing the in-memory store's
// interface), generalized from per-deployment latency/counter tracking
// down to the single cooldown-until value this pool needs shared.
package distkv

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// setIfLaterScript atomically raises the stored cooldown-until timestamp
// (unix millis) only if the new value is later than what's stored,
// mirroring the compare-and-set shape of the teacher's setCooldownScript
// but without unconditionally overwriting a longer cooldown already set
// by another instance.
const setIfLaterScript = `
local key = KEYS[1]
local candidate = tonumber(ARGV[1])
local ttlSeconds = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key))
if not current or candidate > current then
    redis.call('SET', key, candidate, 'EX', ttlSeconds)
    return candidate
end
return current
`

// Store shares pool/model cooldown-until timestamps across proxy
// instances via Redis. A nil *Store is valid and every method becomes a
// no-op/zero-value, so callers can wire it in only when a Redis address
// is configured (spec's distributed deployment is optional).
type Store struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// New wraps an existing Redis client. prefix namespaces keys (e.g.
// "keyrelay:cooldown:").
func New(client *redis.Client, prefix string) *Store {
	return &Store{client: client, script: redis.NewScript(setIfLaterScript), prefix: prefix}
}

// RaiseCooldown atomically sets scope's cooldown-until to until, unless a
// later cooldown is already stored by another instance. Returns the
// winning (possibly pre-existing, later) cooldown-until time.
func (s *Store) RaiseCooldown(ctx context.Context, scope string, until time.Time, ttl time.Duration) (time.Time, error) {
	if s == nil || s.client == nil {
		return until, nil
	}
	candidateMs := until.UnixMilli()
	res, err := s.script.Run(ctx, s.client, []string{s.key(scope)}, candidateMs, int64(ttl.Seconds())).Result()
	if err != nil {
		return until, err
	}
	winMs, err := toInt64(res)
	if err != nil {
		return until, err
	}
	return time.UnixMilli(winMs), nil
}

// CooldownUntil reads scope's currently shared cooldown-until time, or
// the zero time if none is set.
func (s *Store) CooldownUntil(ctx context.Context, scope string) (time.Time, error) {
	if s == nil || s.client == nil {
		return time.Time{}, nil
	}
	val, err := s.client.Get(ctx, s.key(scope)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) key(scope string) string {
	return s.prefix + scope
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, redis.Nil
	}
}
