package httpapi

import (
	"math"
	"math/rand"
	"time"

	"github.com/relayforge/keyrelay/internal/config"
)

// computeBackoff implements spec §4.1 step 1: exponential backoff scaled
// by the failing error's strategy multiplier, jittered by ±jitterPct,
// capped at maxDelayMs. attempt is 1-based (attempt 1 is the first
// retry).
func computeBackoff(cfg config.RetryConfig, attempt int, errorBackoffMultiplier float64, rng *rand.Rand) time.Duration {
	base := float64(cfg.BaseDelayMs) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)) * errorBackoffMultiplier
	if base > float64(cfg.MaxDelayMs) {
		base = float64(cfg.MaxDelayMs)
	}

	if cfg.JitterPercent > 0 {
		jitterRange := base * cfg.JitterPercent
		delta := (rng.Float64()*2 - 1) * jitterRange
		base += delta
	}
	if base < 0 {
		base = 0
	}

	return time.Duration(math.Round(base)) * time.Millisecond
}
