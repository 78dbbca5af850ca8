package modelrouter

import (
	"fmt"
)

// Rule is one entry of the ordered classification rule list (spec §4.5).
type Rule struct {
	Tier            Tier
	ModelGlob       string
	MaxTokensGte    int
	MessageCountGte int
	HasTools        bool
	HasVision       bool
}

// ClassifierThresholds configures the fallback threshold classifier used
// when no rule matches.
type ClassifierThresholds struct {
	HeavyMaxTokensGte    int
	HeavyMessageCountGte int
	HeavySystemLenGte    int
	LightMaxTokensLt     int
	LightMessageCountLt  int
}

// TierConfig is one tier's ordered model list and selection strategy.
type TierConfig struct {
	Models   []string
	Strategy Strategy
	// MaxConcurrency per model id; zero means unbounded.
	MaxConcurrency map[string]int
	// Pricing per model id, used by the throughput strategy's cost
	// tie-break; optional.
	Pricing map[string]float64
}

// Config is the router's full configuration surface, validated at load
// time per spec §4.5.
type Config struct {
	Version             string
	Tiers               map[Tier]TierConfig
	Rules               []Rule
	Classifier          ClassifierThresholds
	DefaultModel        string
	AllowTierDowngrade  bool
	MaxModelSwitchesPerRequest int
	ShadowMode          bool
	AccountDetectWindowMs int
	BurstDampeningFactor  float64
	// ModelContextLengths gives each model's context window in tokens,
	// consulted by the context-overflow check (spec §3, §4.1 step 6).
	// A model missing here falls back to DefaultContextLength.
	ModelContextLengths map[string]int
	// DefaultContextLength is used for any model not listed in
	// ModelContextLengths. Zero disables the overflow check entirely.
	DefaultContextLength int
}

// ValidationWarning is a non-fatal config issue surfaced to the caller's
// logger rather than rejecting the load.
type ValidationWarning struct {
	Message string
}

// Validate applies spec §4.5's load-time validation, returning an error
// for anything that must reject the config and warnings for anything that
// merely deserves attention.
func Validate(cfg Config) ([]ValidationWarning, error) {
	var warnings []ValidationWarning

	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("modelrouter: config has no tiers")
	}

	seenModels := make(map[string]Tier)
	for tier, tc := range cfg.Tiers {
		if len(tc.Models) == 0 {
			return nil, fmt.Errorf("modelrouter: tier %q has empty models[]", tier)
		}
		switch tc.Strategy {
		case StrategyQuality, StrategyThroughput, StrategyBalanced, StrategyPool:
		case legacyFailover:
			tc.Strategy = StrategyBalanced
			cfg.Tiers[tier] = tc
		case "":
			return nil, fmt.Errorf("modelrouter: tier %q has no strategy", tier)
		default:
			return nil, fmt.Errorf("modelrouter: tier %q has invalid strategy %q", tier, tc.Strategy)
		}

		for _, m := range tc.Models {
			if prior, ok := seenModels[m]; ok && prior != tier {
				warnings = append(warnings, ValidationWarning{
					Message: fmt.Sprintf("model %q is shared across tiers %q and %q", m, prior, tier),
				})
			}
			seenModels[m] = tier
		}

		if cfg.MaxModelSwitchesPerRequest > len(tc.Models) {
			warnings = append(warnings, ValidationWarning{
				Message: fmt.Sprintf("maxModelSwitchesPerRequest (%d) exceeds tier %q's model count (%d)", cfg.MaxModelSwitchesPerRequest, tier, len(tc.Models)),
			})
		}
	}

	if len(cfg.Rules) > 0 {
		hasCatchAll := false
		for _, r := range cfg.Rules {
			if r.ModelGlob == "" && r.MaxTokensGte == 0 && r.MessageCountGte == 0 && !r.HasTools && !r.HasVision {
				hasCatchAll = true
			}
		}
		if !hasCatchAll && cfg.DefaultModel == "" {
			return nil, fmt.Errorf("modelrouter: rules present but no catch-all rule or defaultModel configured")
		}
	}

	return warnings, nil
}

// V1Config is the legacy single-target-plus-fallbacks shape.
type V1Config struct {
	TargetModel    string
	FallbackModels []string
}

// MigrateV1 converts a v1 config into a v2 single-tier Config per spec
// §4.5's migration rule: models = [targetModel, ...fallbackModels],
// default strategy balanced, version "2.0". The caller must still place
// the resulting TierConfig under whichever tier its classifier assigns.
func MigrateV1(v1 V1Config) TierConfig {
	models := append([]string{v1.TargetModel}, v1.FallbackModels...)
	return TierConfig{
		Models:   models,
		Strategy: StrategyBalanced,
	}
}
