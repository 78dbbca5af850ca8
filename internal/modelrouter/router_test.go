package modelrouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		Tiers: map[Tier]TierConfig{
			TierLight: {Models: []string{"haiku"}, Strategy: StrategyQuality},
			TierHeavy: {Models: []string{"opus", "sonnet"}, Strategy: StrategyQuality},
		},
		Classifier: ClassifierThresholds{HeavyMaxTokensGte: 4000},
	}
}

func TestClassify_RuleWins(t *testing.T) {
	cfg := baseConfig()
	cfg.Rules = []Rule{{Tier: TierHeavy, HasVision: true}}
	tier, source := Classify(cfg, RequestShape{HasVision: true})
	assert.Equal(t, TierHeavy, tier)
	assert.Equal(t, SourceRule, source)
}

func TestClassify_ThresholdFallback(t *testing.T) {
	cfg := baseConfig()
	tier, source := Classify(cfg, RequestShape{MaxTokens: 5000})
	assert.Equal(t, TierHeavy, tier)
	assert.Equal(t, SourceClassifier, source)
}

func TestRouter_ComputeDecisionQuality(t *testing.T) {
	r := New(baseConfig(), nil)
	d, err := r.ComputeDecision(Context{Shape: RequestShape{MaxTokens: 5000}})
	require.NoError(t, err)
	assert.Equal(t, "opus", d.Model)
	assert.False(t, d.committed)
}

func TestRouter_ComputePureDoesNotMutate(t *testing.T) {
	r := New(baseConfig(), map[string]int{"opus": 1})
	ctx := Context{Shape: RequestShape{MaxTokens: 5000}}

	_, err := r.ComputeDecision(ctx)
	require.NoError(t, err)
	_, err = r.ComputeDecision(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, r.models["opus"].inFlight)
}

func TestRouter_CommitIsIdempotent(t *testing.T) {
	r := New(baseConfig(), map[string]int{"opus": 5})
	d, err := r.ComputeDecision(Context{Shape: RequestShape{MaxTokens: 5000}})
	require.NoError(t, err)

	require.NoError(t, r.CommitDecision(&d))
	require.NoError(t, r.CommitDecision(&d))

	assert.Equal(t, 1, r.models["opus"].inFlight)
}

func TestRouter_AttemptedModelsExcluded(t *testing.T) {
	r := New(baseConfig(), nil)
	ctx := Context{Shape: RequestShape{MaxTokens: 5000}, AttemptedModels: map[string]bool{"opus": true}}
	d, err := r.ComputeDecision(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", d.Model)
}

func TestRouter_ThroughputPicksMostCapacity(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{
		TierHeavy: {Models: []string{"a", "b"}, Strategy: StrategyThroughput},
	}}
	r := New(cfg, map[string]int{"a": 2, "b": 10})
	d, err := r.ComputeDecision(Context{Shape: RequestShape{HasTools: true}})
	require.NoError(t, err)
	assert.Equal(t, "b", d.Model)
}

func TestRouter_BalancedPrefersEarlierPositionWhenCapacityEqual(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{
		TierHeavy: {Models: []string{"a", "b"}, Strategy: StrategyBalanced},
	}}
	r := New(cfg, map[string]int{"a": 10, "b": 10})
	d, err := r.ComputeDecision(Context{Shape: RequestShape{HasTools: true}})
	require.NoError(t, err)
	assert.Equal(t, "a", d.Model)
}

func TestRouter_PoolStrategyRotates(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{
		TierLight: {Models: []string{"x", "y"}, Strategy: StrategyPool},
	}}
	r := New(cfg, nil)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		d, err := r.ComputeDecision(Context{Shape: RequestShape{}})
		require.NoError(t, err)
		seen[d.Model] = true
	}
	assert.True(t, seen["x"])
	assert.True(t, seen["y"])
}

func TestRouter_NoModelAvailableWhenAllCooled(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{
		TierLight: {Models: []string{"x"}, Strategy: StrategyQuality},
	}}
	r := New(cfg, nil)
	r.RecordModelRateLimit("x", 1000*1000*1000*60)
	_, err := r.ComputeDecision(Context{Shape: RequestShape{}})
	assert.ErrorIs(t, err, ErrNoModelAvailable)
}

func TestRouter_ShadowModeReturnsNilAndCounts(t *testing.T) {
	cfg := baseConfig()
	cfg.ShadowMode = true
	r := New(cfg, nil)
	d, err := r.SelectModel(Context{Shape: RequestShape{MaxTokens: 5000}})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 1, r.CountersSnapshot().ShadowDecisions)
	assert.NotNil(t, r.LastShadowDecision())
}

func TestRouter_DriftDetectorFiresOnDisagreement(t *testing.T) {
	r := New(baseConfig(), nil)
	fired := false
	r.OnDrift(func(model string) bool { return false }, func(model string) { fired = true })

	_, err := r.ComputeDecision(Context{Shape: RequestShape{MaxTokens: 5000}})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, 1, r.CountersSnapshot().DriftEvents)
}

func TestRouter_ExplainIsStatNeutral(t *testing.T) {
	r := New(baseConfig(), nil)
	ctx := Context{Shape: RequestShape{MaxTokens: 5000}}

	d1, err := r.Explain(ctx)
	require.NoError(t, err)
	d2, err := r.Explain(ctx)
	require.NoError(t, err)

	assert.Equal(t, d1.Model, d2.Model)
	assert.Equal(t, d1.Rationale, d2.Rationale)
	assert.Equal(t, 0, r.CountersSnapshot().TraceSampled)
}

func TestValidate_RejectsEmptyModels(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{TierLight: {Strategy: StrategyQuality}}}
	_, err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidate_WarnsOnSharedModel(t *testing.T) {
	cfg := Config{Tiers: map[Tier]TierConfig{
		TierLight:  {Models: []string{"shared"}, Strategy: StrategyQuality},
		TierMedium: {Models: []string{"shared"}, Strategy: StrategyQuality},
	}}
	warnings, err := Validate(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
}

func TestValidate_RequiresCatchAllOrDefaultModel(t *testing.T) {
	cfg := baseConfig()
	cfg.Rules = []Rule{{Tier: TierHeavy, HasVision: true}}
	_, err := Validate(cfg)
	assert.Error(t, err)

	cfg.DefaultModel = "haiku"
	_, err = Validate(cfg)
	assert.NoError(t, err)
}

func TestMigrateV1_BuildsModelsList(t *testing.T) {
	tc := MigrateV1(V1Config{TargetModel: "a", FallbackModels: []string{"b", "c"}})
	assert.Equal(t, []string{"a", "b", "c"}, tc.Models)
	assert.Equal(t, StrategyBalanced, tc.Strategy)
}

func TestMinCooldownRemaining_UnconfiguredTier(t *testing.T) {
	r := New(baseConfig(), nil)
	_, ok := r.MinCooldownRemaining(Tier("ghost"))
	assert.False(t, ok)
}

func TestMinCooldownRemaining_NoneCooled(t *testing.T) {
	r := New(baseConfig(), nil)
	_, ok := r.MinCooldownRemaining(TierHeavy)
	assert.False(t, ok)
}

func TestMinCooldownRemaining_ReturnsShortestAcrossModels(t *testing.T) {
	r := New(baseConfig(), nil)
	r.RecordModelRateLimit("opus", 2*time.Second)
	r.RecordModelRateLimit("sonnet", 200*time.Millisecond)

	remaining, ok := r.MinCooldownRemaining(TierHeavy)
	require.True(t, ok)
	assert.Less(t, remaining, time.Second)
	assert.Greater(t, remaining, time.Duration(0))
}
