// Package modelrouter implements the Model Router (spec §4.5): a body
// classifier assigning a request to a tier, a per-tier model list with a
// selection strategy, per-model in-flight/cooldown bookkeeping, a
// two-phase compute/commit decision split, and a drift detector comparing
// the router's view of candidate availability against the credential
// pool's snapshot.
//
// Grounded on internal/router/{base,types,simple,least_busy,lowest_cost,
// lowest_latency,tag_based,factory}.go for the strategy-table shape; the
// classifier/tier/compute-commit split is new, since no example repo
// performs two-phase routing, but its counters reuse the
// DeploymentStats-style bookkeeping those files establish.
package modelrouter

import "time"

// Tier classifies a request by estimated cost/complexity.
type Tier string

const (
	TierLight  Tier = "light"
	TierMedium Tier = "medium"
	TierHeavy  Tier = "heavy"
)

// Strategy selects among a tier's candidate models.
type Strategy string

const (
	StrategyQuality    Strategy = "quality"
	StrategyThroughput Strategy = "throughput"
	StrategyBalanced   Strategy = "balanced"
	StrategyPool       Strategy = "pool"
	// legacyFailover is migrated to StrategyBalanced at config load time.
	legacyFailover Strategy = "failover"
)

// DecisionSource records why a model was chosen.
type DecisionSource string

const (
	SourceRule      DecisionSource = "rule"
	SourceClassifier DecisionSource = "classifier"
	SourceOverride  DecisionSource = "override"
	SourcePool      DecisionSource = "pool"
	SourceNone      DecisionSource = "none"
)

// OverflowCause classifies why a request could not fit in the chosen
// model's context window.
type OverflowCause string

const (
	OverflowGenuine            OverflowCause = "genuine"
	OverflowTransientUnavail   OverflowCause = "transient_unavailable"
)

// ContextOverflow is attached to a Decision when the request is estimated
// to exceed the chosen model's context length.
type ContextOverflow struct {
	EstimatedTokens    int
	ModelContextLength int
	OverflowBy         int
	Cause              OverflowCause
}

// ScoreRow is one row of a strategy's scoring table, populated only when a
// trace explicitly requests it.
type ScoreRow struct {
	Model          string
	Position       int
	Score          float64
	InFlight       int
	MaxConcurrency int
	Available      bool
	Selected       bool
}

// RequestShape is the classifier's view of a client request body.
type RequestShape struct {
	Model         string
	MaxTokens     int
	MessageCount  int
	SystemLength  int
	HasTools      bool
	HasVision     bool
	// PromptChars is the total byte length of system+messages+tools, used
	// by the context-overflow check's char-count token estimate.
	PromptChars   int
}

// Context carries everything computeDecision needs to pick a model.
type Context struct {
	Shape          RequestShape
	AttemptedModels map[string]bool
	DryRun         bool
	IncludeTrace   bool
}

// Decision is the (possibly not yet committed) outcome of routing one
// request attempt.
type Decision struct {
	Model       string
	Tier        Tier
	Strategy    Strategy
	Source      DecisionSource
	Rationale   string
	ScoreTable  []ScoreRow
	Overflow    *ContextOverflow
	committed   bool
	computedAt  time.Time
}

// Committed reports whether Commit has already been applied to this
// decision; Commit is a no-op on a second call (idempotent per spec §4.5).
func (d *Decision) Committed() bool { return d.committed }
