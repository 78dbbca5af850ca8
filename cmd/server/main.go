// Command server is the entry point for the keyrelay reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	keyrelay "github.com/relayforge/keyrelay"
	"github.com/relayforge/keyrelay/internal/config"
	"github.com/relayforge/keyrelay/internal/connhealth"
	"github.com/relayforge/keyrelay/internal/credpool"
	"github.com/relayforge/keyrelay/internal/modelrouter"
	"github.com/relayforge/keyrelay/internal/observability"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/keyrelay.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting keyrelay proxy")

	fileCfg, err := loadFileConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     fileCfg.Tracing.Enabled,
		ServiceName: fileCfg.Tracing.ServiceName,
		SampleRate:  fileCfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else if fileCfg.Tracing.Enabled {
		logger.Info("tracing enabled", "service", fileCfg.Tracing.ServiceName, "sample_rate", fileCfg.Tracing.SampleRate)
	}

	opts, err := buildProxyOptions(fileCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build proxy options: %w", err)
	}
	if tracerProvider != nil {
		opts = append(opts, keyrelay.WithTracerProvider(tracerProvider.Provider()))
	}

	proxy, err := keyrelay.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create keyrelay proxy: %w", err)
	}
	defer func() { _ = proxy.Close() }()

	quarantineTicker := time.NewTicker(30 * time.Second)
	defer quarantineTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-quarantineTicker.C:
				proxy.QuarantineSlowKeys()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/v1/", proxy)

	addr := fmt.Sprintf(":%d", fileCfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  fileCfg.Server.ReadTimeout,
		WriteTimeout: fileCfg.Server.WriteTimeout,
		IdleTimeout:  fileCfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down server")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// fileConfig is the on-disk YAML document. The proxy section decodes
// directly into the YAML-tagged config.Config; the model_router, pool and
// connection_health sections are translated into the internal/modelrouter,
// internal/credpool and internal/connhealth option structs at startup,
// since those packages carry no YAML tags.
type fileConfig struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Provider     string             `yaml:"provider"`
	UpstreamBase string             `yaml:"upstream_base_url"`
	AuthHeader   string             `yaml:"auth_header"`
	Credentials  []credentialConfig `yaml:"credentials"`

	Proxy       config.Config      `yaml:"proxy"`
	ModelRouter modelRouterConfig  `yaml:"model_router"`
	Pool        poolConfig         `yaml:"pool"`
	Connection  connectionConfig   `yaml:"connection_health"`

	Tracing tracingConfig `yaml:"tracing"`
	Redis   redisConfig   `yaml:"redis"`
}

type credentialConfig struct {
	ID                 string `yaml:"id"`
	Token              string `yaml:"token"`
	TokenEnv           string `yaml:"token_env"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
}

type ruleConfig struct {
	Tier            string `yaml:"tier"`
	ModelGlob       string `yaml:"model_glob"`
	MaxTokensGte    int    `yaml:"max_tokens_gte"`
	MessageCountGte int    `yaml:"message_count_gte"`
	HasTools        bool   `yaml:"has_tools"`
	HasVision       bool   `yaml:"has_vision"`
}

type tierConfig struct {
	Models         []string           `yaml:"models"`
	Strategy       string             `yaml:"strategy"`
	MaxConcurrency map[string]int     `yaml:"max_concurrency"`
	Pricing        map[string]float64 `yaml:"pricing"`
}

type modelRouterConfig struct {
	Version                    string                `yaml:"version"`
	Tiers                      map[string]tierConfig `yaml:"tiers"`
	Rules                      []ruleConfig          `yaml:"rules"`
	HeavyMaxTokensGte          int                   `yaml:"heavy_max_tokens_gte"`
	HeavyMessageCountGte       int                   `yaml:"heavy_message_count_gte"`
	HeavySystemLenGte          int                   `yaml:"heavy_system_len_gte"`
	LightMaxTokensLt           int                   `yaml:"light_max_tokens_lt"`
	LightMessageCountLt        int                   `yaml:"light_message_count_lt"`
	DefaultModel               string                `yaml:"default_model"`
	AccountDetectWindowMs      int                   `yaml:"account_detect_window_ms"`
	BurstDampeningFactor       float64               `yaml:"burst_dampening_factor"`
}

type poolConfig struct {
	Strategy             string        `yaml:"strategy"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	FailureWindow        time.Duration `yaml:"failure_window"`
	BreakerTimeout       time.Duration `yaml:"breaker_timeout"`
	LatencyWindowSize    int           `yaml:"latency_window_size"`
	AccountDetectWindow  time.Duration `yaml:"account_detect_window"`
	BurstDampeningFactor float64       `yaml:"burst_dampening_factor"`
	SlowKeyThreshold     float64       `yaml:"slow_key_threshold"`
}

type connectionConfig struct {
	MaxConsecutiveHangups   int           `yaml:"max_consecutive_hangups"`
	AgentRecreationCooldown time.Duration `yaml:"agent_recreation_cooldown"`
}

type tracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type redisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	KeyPrefix  string `yaml:"key_prefix"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc := &fileConfig{Proxy: config.Default()}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	fc.Proxy = config.Clamp(fc.Proxy)
	if fc.Server.Port == 0 {
		fc.Server.Port = 8080
	}
	if fc.Server.ReadTimeout == 0 {
		fc.Server.ReadTimeout = 30 * time.Second
	}
	if fc.Server.WriteTimeout == 0 {
		fc.Server.WriteTimeout = 120 * time.Second
	}
	if fc.Server.IdleTimeout == 0 {
		fc.Server.IdleTimeout = 90 * time.Second
	}
	if fc.AuthHeader == "" {
		fc.AuthHeader = "x-api-key"
	}
	return fc, nil
}

func buildProxyOptions(fc *fileConfig, logger *slog.Logger) ([]keyrelay.Option, error) {
	opts := []keyrelay.Option{
		keyrelay.WithLogger(logger),
		keyrelay.WithProvider(fc.Provider),
		keyrelay.WithConfig(fc.Proxy),
	}

	creds, err := resolveCredentials(fc.Credentials)
	if err != nil {
		return nil, err
	}
	opts = append(opts, keyrelay.WithCredentials(creds...))

	header := fc.AuthHeader
	opts = append(opts, keyrelay.WithAuthInjector(func(token string) (string, string) {
		return header, token
	}))

	base := fc.UpstreamBase
	opts = append(opts, keyrelay.WithTargetResolver(func(model string) (string, map[string]string) {
		return base, nil
	}))

	routerCfg, maxConc, err := buildModelRouterConfig(fc.ModelRouter)
	if err != nil {
		return nil, err
	}
	opts = append(opts, keyrelay.WithModelRouterConfig(routerCfg, maxConc))
	opts = append(opts, keyrelay.WithPoolConfig(buildPoolConfig(fc.Pool)))
	opts = append(opts, keyrelay.WithConnectionHealth(connhealth.Config{
		MaxConsecutiveHangups:   orInt(fc.Connection.MaxConsecutiveHangups, 5),
		AgentRecreationCooldown: orDuration(fc.Connection.AgentRecreationCooldown, 10*time.Second),
	}))

	if fc.Redis.Enabled && fc.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("distributed cooldown unavailable, falling back to local cooldown clock", "error", err)
		} else {
			prefix := fc.Redis.KeyPrefix
			if prefix == "" {
				prefix = "keyrelay:cooldown:"
			}
			opts = append(opts, keyrelay.WithDistributedCooldown(client, prefix))
			logger.Info("distributed cooldown enabled", "addr", fc.Redis.Addr)
		}
	}

	return opts, nil
}

// resolveCredentials reads each credential's token either inline or from
// the environment variable named by token_env, never logging the value.
func resolveCredentials(cfgs []credentialConfig) ([]credpool.Credential, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no credentials configured")
	}
	creds := make([]credpool.Credential, 0, len(cfgs))
	for _, c := range cfgs {
		token := c.Token
		if c.TokenEnv != "" {
			token = os.Getenv(c.TokenEnv)
		}
		if token == "" {
			return nil, fmt.Errorf("credential %q has no resolvable token", c.ID)
		}
		creds = append(creds, credpool.Credential{
			ID:                 c.ID,
			Token:              token,
			MaxConcurrency:     c.MaxConcurrency,
			RateLimitPerMinute: c.RateLimitPerMinute,
			RateLimitBurst:     c.RateLimitBurst,
		})
	}
	return creds, nil
}

func buildModelRouterConfig(mc modelRouterConfig) (modelrouter.Config, map[string]int, error) {
	tiers := make(map[modelrouter.Tier]modelrouter.TierConfig, len(mc.Tiers))
	maxConc := map[string]int{}
	for tierName, tc := range mc.Tiers {
		tiers[modelrouter.Tier(tierName)] = modelrouter.TierConfig{
			Models:         tc.Models,
			Strategy:       modelrouter.Strategy(tc.Strategy),
			MaxConcurrency: tc.MaxConcurrency,
			Pricing:        tc.Pricing,
		}
		for model, n := range tc.MaxConcurrency {
			maxConc[model] = n
		}
	}
	rules := make([]modelrouter.Rule, 0, len(mc.Rules))
	for _, r := range mc.Rules {
		rules = append(rules, modelrouter.Rule{
			Tier:            modelrouter.Tier(r.Tier),
			ModelGlob:       r.ModelGlob,
			MaxTokensGte:    r.MaxTokensGte,
			MessageCountGte: r.MessageCountGte,
			HasTools:        r.HasTools,
			HasVision:       r.HasVision,
		})
	}
	cfg := modelrouter.Config{
		Version: mc.Version,
		Tiers:   tiers,
		Rules:   rules,
		Classifier: modelrouter.ClassifierThresholds{
			HeavyMaxTokensGte:    mc.HeavyMaxTokensGte,
			HeavyMessageCountGte: mc.HeavyMessageCountGte,
			HeavySystemLenGte:    mc.HeavySystemLenGte,
			LightMaxTokensLt:     mc.LightMaxTokensLt,
			LightMessageCountLt:  mc.LightMessageCountLt,
		},
		DefaultModel:          mc.DefaultModel,
		AccountDetectWindowMs: mc.AccountDetectWindowMs,
		BurstDampeningFactor:  mc.BurstDampeningFactor,
	}
	if _, err := modelrouter.Validate(cfg); err != nil {
		return modelrouter.Config{}, nil, err
	}
	return cfg, maxConc, nil
}

func buildPoolConfig(pc poolConfig) credpool.Config {
	cfg := credpool.DefaultConfig()
	switch pc.Strategy {
	case "weighted":
		cfg.Strategy = credpool.Weighted
	case "round_robin", "":
	}
	if pc.FailureThreshold > 0 {
		cfg.CircuitBreaker.FailureThreshold = pc.FailureThreshold
	}
	if pc.FailureWindow > 0 {
		cfg.CircuitBreaker.Window = pc.FailureWindow
	}
	if pc.BreakerTimeout > 0 {
		cfg.CircuitBreaker.Timeout = pc.BreakerTimeout
	}
	if pc.LatencyWindowSize > 0 {
		cfg.LatencyWindowSize = pc.LatencyWindowSize
	}
	if pc.AccountDetectWindow > 0 {
		cfg.AccountDetectWindow = pc.AccountDetectWindow
	}
	if pc.BurstDampeningFactor > 0 {
		cfg.BurstDampeningFactor = pc.BurstDampeningFactor
	}
	if pc.SlowKeyThreshold > 0 {
		cfg.SlowKeyThreshold = pc.SlowKeyThreshold
	}
	return cfg
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
