package modelrouter

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/keyrelay/internal/metrics"
)

// ErrNoModelAvailable is returned by computeDecision when every candidate
// in the tier (and, if allowed, lower tiers) is filtered out.
var ErrNoModelAvailable = errors.New("modelrouter: no model available")

// DriftChecker reports the credential pool's view of whether model
// currently has an available credential. The router holds only this
// callback, never the pool itself (spec §4.5, §9 cyclic-reference note).
type DriftChecker func(model string) (poolAvailable bool)

// Counters is a stat-neutral-under-dry-run counter snapshot, spec §4.5.
type Counters struct {
	TraceSampled     int
	ShadowDecisions  int
	ShadowDowngrades int
	DriftEvents      int
	ModelSwitches    int
}

// counterSet is the mutex-guarded live counters; Counters is its
// snapshot shape.
type counterSet struct {
	mu sync.Mutex
	Counters
}

func (c *counterSet) incr(field *int) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Router implements spec §4.5.
type Router struct {
	cfg Config

	mu     sync.RWMutex
	models map[string]*modelState

	counters counterSet

	driftChecker DriftChecker
	onDrift      func(model string)

	lastShadow *Decision
	shadowMu   sync.Mutex
}

// New builds a Router. modelMaxConcurrency maps model id to a discovered
// max concurrency (zero entries are treated as unbounded).
func New(cfg Config, modelMaxConcurrency map[string]int) *Router {
	r := &Router{cfg: cfg, models: make(map[string]*modelState)}
	seen := make(map[string]bool)
	for _, tc := range cfg.Tiers {
		for _, m := range tc.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			ms := &modelState{id: m, maxConcurrency: modelMaxConcurrency[m]}
			if tc.Pricing != nil {
				ms.pricing = tc.Pricing[m]
			}
			r.models[m] = ms
		}
	}
	return r
}

// OnDrift registers a callback invoked whenever the drift detector finds a
// disagreement between the router's and pool's availability view.
func (r *Router) OnDrift(checker DriftChecker, onDrift func(model string)) {
	r.driftChecker = checker
	r.onDrift = onDrift
}

// ComputeDecision is pure relative to router state: it reads cooldowns,
// in-flight counts, and scoring, but never mutates them.
func (r *Router) ComputeDecision(ctx Context) (Decision, error) {
	tier, source := Classify(r.cfg, ctx.Shape)
	return r.computeForTier(ctx, tier, source)
}

func (r *Router) computeForTier(ctx Context, tier Tier, source DecisionSource) (Decision, error) {
	tc, ok := r.cfg.Tiers[tier]
	if !ok {
		if r.cfg.DefaultModel != "" {
			return Decision{Model: r.cfg.DefaultModel, Tier: tier, Source: SourceOverride, Rationale: "defaultModel fallback for unconfigured tier", computedAt: time.Now()}, nil
		}
		return Decision{}, ErrNoModelAvailable
	}

	now := time.Now()
	candidates := make([]modelSnapshot, 0, len(tc.Models))
	for _, m := range tc.Models {
		if ctx.AttemptedModels[m] {
			continue
		}
		ms := r.models[m]
		if ms == nil {
			continue
		}
		snap := ms.snapshot(now)
		if snap.cooled {
			continue
		}
		if snap.maxConcurrency > 0 && snap.inFlight >= snap.maxConcurrency {
			continue
		}
		candidates = append(candidates, snap)
	}

	if len(candidates) == 0 {
		if r.cfg.AllowTierDowngrade {
			if lower, ok := lowerTier(tier); ok {
				return r.computeForTier(ctx, lower, source)
			}
		} else if !ctx.DryRun {
			r.counters.incr(&r.counters.ShadowDowngrades)
		}
		return Decision{Tier: tier, Strategy: tc.Strategy, Source: SourceNone}, ErrNoModelAvailable
	}

	model, table := selectByStrategy(tc, candidates, ctx.IncludeTrace, !ctx.DryRun)

	d := Decision{
		Model:      model,
		Tier:       tier,
		Strategy:   tc.Strategy,
		Source:     source,
		Rationale:  rationaleFor(tc.Strategy, model),
		computedAt: now,
	}
	if ctx.IncludeTrace {
		d.ScoreTable = table
	}
	d.Overflow = r.checkContextOverflow(ctx.Shape, tc, model)

	if !ctx.DryRun && r.driftChecker != nil {
		r.checkDrift(model)
	}

	if !ctx.DryRun && ctx.IncludeTrace {
		r.counters.incr(&r.counters.TraceSampled)
	}

	return d, nil
}

// estimateTokens is a tokenizer-free approximation of a request's token
// count (spec §3): roughly 4 characters per token for the prompt, plus the
// requested completion budget.
func estimateTokens(shape RequestShape) int {
	chars := shape.PromptChars
	if chars <= 0 {
		chars = shape.SystemLength
	}
	return chars/4 + shape.MaxTokens
}

// contextLengthFor returns model's configured context window, falling
// back to the tier-wide default. Zero means the overflow check is
// disabled for this model.
func (r *Router) contextLengthFor(model string) int {
	if r.cfg.ModelContextLengths != nil {
		if cl, ok := r.cfg.ModelContextLengths[model]; ok && cl > 0 {
			return cl
		}
	}
	return r.cfg.DefaultContextLength
}

// checkContextOverflow builds the spec §3 context-overflow diagnostic when
// the estimated token count for shape would not fit in model's configured
// context window. Cause is genuine when no other model configured for this
// tier could ever fit the request either, and transient_unavailable when a
// big-enough model is configured but wasn't the one selected this attempt
// (e.g. it's cooling down or already excluded).
func (r *Router) checkContextOverflow(shape RequestShape, tc TierConfig, model string) *ContextOverflow {
	limit := r.contextLengthFor(model)
	if limit <= 0 {
		return nil
	}
	estimated := estimateTokens(shape)
	if estimated <= limit {
		return nil
	}

	cause := OverflowGenuine
	for _, m := range tc.Models {
		if m == model {
			continue
		}
		if r.contextLengthFor(m) >= estimated {
			cause = OverflowTransientUnavail
			break
		}
	}

	return &ContextOverflow{
		EstimatedTokens:    estimated,
		ModelContextLength: limit,
		OverflowBy:         estimated - limit,
		Cause:              cause,
	}
}

func lowerTier(t Tier) (Tier, bool) {
	switch t {
	case TierHeavy:
		return TierMedium, true
	case TierMedium:
		return TierLight, true
	default:
		return "", false
	}
}

func rationaleFor(s Strategy, model string) string {
	switch s {
	case StrategyQuality:
		return "first available model in declared order: " + model
	case StrategyThroughput:
		return "most available capacity: " + model
	case StrategyBalanced:
		return "highest position+capacity score: " + model
	case StrategyPool:
		return "round-robin with cooldown-aware skip: " + model
	default:
		return "selected " + model
	}
}

// selectByStrategy applies spec §3's Model Pool State strategy formulas.
// advance is false on a dry run, so the pool strategy's cursor stays put.
func selectByStrategy(tc TierConfig, candidates []modelSnapshot, includeTrace, advance bool) (string, []ScoreRow) {
	switch tc.Strategy {
	case StrategyThroughput:
		return selectThroughput(tc, candidates, includeTrace)
	case StrategyBalanced:
		return selectBalanced(tc, candidates, includeTrace)
	case StrategyPool:
		return selectPool(tc, candidates, includeTrace, advance)
	default: // quality
		return selectQuality(tc, candidates, includeTrace)
	}
}

func selectQuality(tc TierConfig, candidates []modelSnapshot, includeTrace bool) (string, []ScoreRow) {
	byID := make(map[string]modelSnapshot, len(candidates))
	for _, c := range candidates {
		byID[c.id] = c
	}
	for i, m := range tc.Models {
		if _, ok := byID[m]; ok {
			return m, maybeTable(tc, candidates, m, includeTrace, i)
		}
	}
	return candidates[0].id, maybeTable(tc, candidates, candidates[0].id, includeTrace, 0)
}

func selectThroughput(tc TierConfig, candidates []modelSnapshot, includeTrace bool) (string, []ScoreRow) {
	sorted := append([]modelSnapshot(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		ai, aj := availableCapacity(sorted[i]), availableCapacity(sorted[j])
		if ai != aj {
			return ai > aj
		}
		ci, cj := sorted[i].pricing, sorted[j].pricing
		if ci != cj {
			return ci < cj
		}
		if sorted[i].maxConcurrency != sorted[j].maxConcurrency {
			return sorted[i].maxConcurrency > sorted[j].maxConcurrency
		}
		return sorted[i].id < sorted[j].id
	})
	return sorted[0].id, maybeTable(tc, candidates, sorted[0].id, includeTrace, -1)
}

func availableCapacity(s modelSnapshot) int {
	if s.maxConcurrency <= 0 {
		return 1 << 30
	}
	avail := s.maxConcurrency - s.inFlight
	if avail < 0 {
		return 0
	}
	return avail
}

func selectBalanced(tc TierConfig, candidates []modelSnapshot, includeTrace bool) (string, []ScoreRow) {
	positions := make(map[string]int, len(tc.Models))
	for i, m := range tc.Models {
		positions[m] = i
	}
	n := len(tc.Models)

	best := candidates[0]
	bestScore := balancedScore(best, positions[best.id], n)
	for _, c := range candidates[1:] {
		score := balancedScore(c, positions[c.id], n)
		if score > bestScore || (score == bestScore && c.id < best.id) {
			best, bestScore = c, score
		}
	}
	return best.id, maybeTable(tc, candidates, best.id, includeTrace, positions[best.id])
}

func balancedScore(s modelSnapshot, position, tierLen int) float64 {
	positionScore := 1.0
	if tierLen > 1 {
		positionScore = 1.0 - float64(position)/float64(tierLen-1)
	}
	capacityScore := 1.0
	if s.maxConcurrency > 0 {
		capacityScore = float64(availableCapacity(s)) / float64(s.maxConcurrency)
	}
	return 0.6*positionScore + 0.4*capacityScore
}

// poolCursor guards one tier's round-robin position.
type poolCursor struct {
	mu  sync.Mutex
	idx int
}

// selectPool implements round-robin with cooldown-aware skip via a
// rotating cursor keyed by the tier's model list identity.
var poolCursors sync.Map // map[string]*poolCursor, keyed by joined model names

func selectPool(tc TierConfig, candidates []modelSnapshot, includeTrace, advance bool) (string, []ScoreRow) {
	key := poolKey(tc.Models)
	v, _ := poolCursors.LoadOrStore(key, &poolCursor{})
	cursor := v.(*poolCursor)

	cursor.mu.Lock()
	defer cursor.mu.Unlock()

	idx := cursor.idx % len(tc.Models)
	for i := 0; i < len(tc.Models); i++ {
		m := tc.Models[(idx+i)%len(tc.Models)]
		for _, c := range candidates {
			if c.id == m {
				if advance {
					cursor.idx = (idx + i + 1) % len(tc.Models)
				}
				return m, maybeTable(tc, candidates, m, includeTrace, (idx+i)%len(tc.Models))
			}
		}
	}
	return candidates[0].id, maybeTable(tc, candidates, candidates[0].id, includeTrace, -1)
}

func poolKey(models []string) string {
	s := ""
	for _, m := range models {
		s += m + "|"
	}
	return s
}

func maybeTable(tc TierConfig, candidates []modelSnapshot, selected string, includeTrace bool, _ int) []ScoreRow {
	if !includeTrace {
		return nil
	}
	positions := make(map[string]int, len(tc.Models))
	for i, m := range tc.Models {
		positions[m] = i
	}
	rows := make([]ScoreRow, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, ScoreRow{
			Model:          c.id,
			Position:       positions[c.id],
			InFlight:       c.inFlight,
			MaxConcurrency: c.maxConcurrency,
			Available:      true,
			Selected:       c.id == selected,
		})
	}
	return rows
}

// CommitDecision acquires the model slot exactly once. A second call on an
// already-committed decision is a no-op (idempotent per spec §4.5).
func (r *Router) CommitDecision(d *Decision) error {
	if d.committed {
		return nil
	}
	if d.Model == "" {
		return ErrNoModelAvailable
	}
	r.mu.RLock()
	ms := r.models[d.Model]
	r.mu.RUnlock()
	if ms == nil {
		d.committed = true
		return nil
	}

	ms.mu.Lock()
	ms.inFlight++
	ms.mu.Unlock()
	d.committed = true
	return nil
}

// ReleaseModel decrements the model's in-flight counter, mirroring a
// CommitDecision.
func (r *Router) ReleaseModel(model string) {
	r.mu.RLock()
	ms := r.models[model]
	r.mu.RUnlock()
	if ms == nil {
		return
	}
	ms.mu.Lock()
	if ms.inFlight > 0 {
		ms.inFlight--
	}
	ms.mu.Unlock()
}

// MinCooldownRemaining returns the shortest remaining cooldown among
// tier's configured models, used by the admission-hold gate (spec §4.1)
// to decide whether a brief wait is worth it before giving up on a tier
// whose every candidate is currently cooled. The second return value is
// false if the tier is unconfigured or has no cooled models.
func (r *Router) MinCooldownRemaining(tier Tier) (time.Duration, bool) {
	tc, ok := r.cfg.Tiers[tier]
	if !ok {
		return 0, false
	}
	now := time.Now()
	var min time.Duration
	found := false
	for _, modelID := range tc.Models {
		r.mu.RLock()
		ms := r.models[modelID]
		r.mu.RUnlock()
		if ms == nil {
			continue
		}
		ms.mu.Lock()
		remaining := ms.cooldownUntil.Sub(now)
		ms.mu.Unlock()
		if remaining <= 0 {
			continue
		}
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	return min, found
}

// RecordModelRateLimit records a 429 against model with the given
// cooldown duration (computed upstream by the credential pool's
// recordPoolRateLimitHit, spec §4.3.4).
func (r *Router) RecordModelRateLimit(model string, cooldown time.Duration) {
	r.mu.RLock()
	ms := r.models[model]
	r.mu.RUnlock()
	if ms == nil {
		return
	}
	now := time.Now()
	ms.mu.Lock()
	ms.hit429Count++
	ms.lastHit429At = now
	until := now.Add(cooldown)
	if until.After(ms.cooldownUntil) {
		ms.cooldownUntil = until
	}
	ms.mu.Unlock()
}

func (r *Router) checkDrift(model string) {
	poolAvailable := r.driftChecker(model)
	if !poolAvailable {
		r.counters.incr(&r.counters.DriftEvents)
		metrics.DriftEventsTotal.Inc()
		if r.onDrift != nil {
			r.onDrift(model)
		}
	}
}

// Explain runs computeDecision in a dry-run path: it must not mutate any
// of the stat-neutral counters (trace-sampling, shadow-downgrade,
// fallback-reason), so repeated calls with the same context are
// stat-neutral and return identical results when the underlying state is
// unchanged.
func (r *Router) Explain(ctx Context) (Decision, error) {
	ctx.DryRun = true
	ctx.IncludeTrace = true
	return r.ComputeDecision(ctx)
}

// SelectModel is the shadow-mode-aware entry point: in shadow mode it
// returns a nil-model decision, stashes the real decision as the "last
// shadow decision", increments shadowDecisions, and never commits.
func (r *Router) SelectModel(ctx Context) (*Decision, error) {
	d, err := r.ComputeDecision(ctx)
	if err != nil {
		return nil, err
	}
	if r.cfg.ShadowMode {
		r.shadowMu.Lock()
		cp := d
		r.lastShadow = &cp
		r.shadowMu.Unlock()
		r.counters.incr(&r.counters.ShadowDecisions)
		metrics.ShadowDecisionsTotal.Inc()
		return nil, nil
	}
	return &d, nil
}

// LastShadowDecision returns the most recent decision computed while in
// shadow mode, or nil if none has occurred.
func (r *Router) LastShadowDecision() *Decision {
	r.shadowMu.Lock()
	defer r.shadowMu.Unlock()
	return r.lastShadow
}

// CountersSnapshot returns a snapshot of the router's stat-neutral
// counters.
func (r *Router) CountersSnapshot() Counters {
	r.counters.mu.Lock()
	defer r.counters.mu.Unlock()
	return r.counters.Counters
}
