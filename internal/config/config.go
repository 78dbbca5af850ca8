// Package config defines the proxy's config surface (spec §6): a set of
// YAML-tagged structs covering every knob the Request Handler, Credential
// Pool, and Model Router consume. Loading, hot-reload, and persistence of
// overrides are out of scope (spec §1) — this package only defines the
// shape and its load-time clamps; the caller of keyrelay.New is
// responsible for unmarshalling a file into Config.
//
// Grounded on the teacher's internal/config/config.go struct layout
// (one yaml-tagged struct per concern, nested under a root Config), with
// the teacher's deployment/governance/vault/mcp sections replaced by the
// proxy's own resilience/routing surface.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	MaxRetries            int                   `yaml:"max_retries"`
	RequestTimeout        time.Duration         `yaml:"request_timeout"`
	MaxTotalConcurrency   int                   `yaml:"max_total_concurrency"`
	MaxConcurrentUpstream int                   `yaml:"max_concurrent_upstream"`
	QueueSize             int                   `yaml:"queue_size"`
	QueueTimeout          time.Duration         `yaml:"queue_timeout"`
	Retry                 RetryConfig           `yaml:"retry"`
	AdaptiveTimeout       AdaptiveTimeoutConfig `yaml:"adaptive_timeout"`
	ConnectionHealth      ConnectionHealthConfig `yaml:"connection_health"`
	PoolCooldown          PoolCooldownConfig    `yaml:"pool_cooldown"`
	AdmissionHold         AdmissionHoldConfig   `yaml:"admission_hold"`
	ModelRouting          ModelRoutingConfig    `yaml:"model_routing"`
	// Max429AttemptsPerRequest caps how many rate_limited retries a single
	// request may spend on the LLM route (spec §4.1's retryLoopStartAt/
	// max429AttemptsPerRequest bookkeeping), independent of MaxRetries.
	Max429AttemptsPerRequest int `yaml:"max_429_attempts_per_request"`
	// Max429RetryWindowMs bounds how long, wall-clock, a request may keep
	// retrying rate_limited responses before giving up, regardless of
	// remaining attempt budget. Zero disables the window check.
	Max429RetryWindowMs int64 `yaml:"max_429_retry_window_ms"`
}

// RetryConfig is spec §6's retryConfig.
type RetryConfig struct {
	BaseDelayMs       int64   `yaml:"base_delay_ms"`
	MaxDelayMs        int64   `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterPercent     float64 `yaml:"jitter_percent"`
}

// AdaptiveTimeoutConfig is spec §6's adaptiveTimeout.
type AdaptiveTimeoutConfig struct {
	Enabled           bool    `yaml:"enabled"`
	InitialMs         int64   `yaml:"initial_ms"`
	MinMs             int64   `yaml:"min_ms"`
	MaxMs             int64   `yaml:"max_ms"`
	MinSamples        int     `yaml:"min_samples"`
	LatencyMultiplier float64 `yaml:"latency_multiplier"`
	RetryMultiplier   float64 `yaml:"retry_multiplier"`
}

// ConnectionHealthConfig is spec §6's connectionHealth.
type ConnectionHealthConfig struct {
	MaxConsecutiveHangups   int           `yaml:"max_consecutive_hangups"`
	AgentRecreationCooldownMs int64       `yaml:"agent_recreation_cooldown_ms"`
}

// PoolCooldownConfig is spec §6's poolCooldown.
type PoolCooldownConfig struct {
	BaseMs           int64 `yaml:"base_ms"`
	CapMs            int64 `yaml:"cap_ms"`
	SleepThresholdMs int64 `yaml:"sleep_threshold_ms"`
	RetryJitterMs    int64 `yaml:"retry_jitter_ms"`
	MaxCooldownMs    int64 `yaml:"max_cooldown_ms"`
}

// AdmissionHoldConfig is spec §6's admissionHold.
type AdmissionHoldConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Tiers              []string `yaml:"tiers"`
	MinCooldownToHoldMs int64   `yaml:"min_cooldown_to_hold_ms"`
	MaxHoldMs          int64    `yaml:"max_hold_ms"`
	JitterMs           int64    `yaml:"jitter_ms"`
	MaxConcurrentHolds int      `yaml:"max_concurrent_holds"`
}

// TraceConfig is spec §6's modelRouting.trace.
type TraceConfig struct {
	SamplingRate   float64 `yaml:"sampling_rate"`
	MaxPayloadSize int     `yaml:"max_payload_size"`
}

// TransientOverflowRetryConfig is spec §6's modelRouting.transientOverflowRetry.
type TransientOverflowRetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ModelRoutingConfig is spec §6's modelRouting surface; the tier/rule/
// strategy definitions themselves live in internal/modelrouter.Config,
// which is configured separately and not embedded here.
type ModelRoutingConfig struct {
	TransientOverflowRetry TransientOverflowRetryConfig `yaml:"transient_overflow_retry"`
	Trace                  TraceConfig                  `yaml:"trace"`
	AllowTierDowngrade     bool                          `yaml:"allow_tier_downgrade"`
	MaxModelSwitchesPerRequest int                        `yaml:"max_model_switches_per_request"`
	ShadowMode             bool                          `yaml:"shadow_mode"`
}

// Default returns a Config with spec §6's stated defaults, clamped.
func Default() Config {
	c := Config{
		MaxRetries:            3,
		RequestTimeout:        60 * time.Second,
		MaxTotalConcurrency:   256,
		MaxConcurrentUpstream: 64,
		QueueSize:             128,
		QueueTimeout:          5 * time.Second,
		Retry: RetryConfig{
			BaseDelayMs:       250,
			MaxDelayMs:        10_000,
			BackoffMultiplier: 2.0,
			JitterPercent:     0.2,
		},
		AdaptiveTimeout: AdaptiveTimeoutConfig{
			Enabled:           true,
			InitialMs:         10_000,
			MinMs:             2_000,
			MaxMs:             60_000,
			MinSamples:        5,
			LatencyMultiplier: 2.0,
			RetryMultiplier:   1.5,
		},
		ConnectionHealth: ConnectionHealthConfig{
			MaxConsecutiveHangups:     5,
			AgentRecreationCooldownMs: 10_000,
		},
		PoolCooldown: PoolCooldownConfig{
			BaseMs:           1000,
			CapMs:            60_000,
			SleepThresholdMs: 2000,
			RetryJitterMs:    250,
			MaxCooldownMs:    30_000,
		},
		AdmissionHold: AdmissionHoldConfig{
			Enabled:             false,
			MinCooldownToHoldMs: 500,
			MaxHoldMs:           2000,
			JitterMs:            100,
			MaxConcurrentHolds:  4,
		},
		ModelRouting: ModelRoutingConfig{
			Trace: TraceConfig{SamplingRate: 0.1, MaxPayloadSize: 100 * 1024},
		},
		Max429AttemptsPerRequest: 5,
		Max429RetryWindowMs:      30_000,
	}
	return Clamp(c)
}

// Clamp applies spec §8's boundary clamps: maxRetries to [0,10] and
// trace.maxPayloadSize to [10 KB, 1 MB].
func Clamp(c Config) Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	const minPayload = 10 * 1024
	const maxPayload = 1024 * 1024
	switch {
	case c.ModelRouting.Trace.MaxPayloadSize <= 0:
		c.ModelRouting.Trace.MaxPayloadSize = 100 * 1024
	case c.ModelRouting.Trace.MaxPayloadSize < minPayload:
		c.ModelRouting.Trace.MaxPayloadSize = minPayload
	case c.ModelRouting.Trace.MaxPayloadSize > maxPayload:
		c.ModelRouting.Trace.MaxPayloadSize = maxPayload
	}
	return c
}
