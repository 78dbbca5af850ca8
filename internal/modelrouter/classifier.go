package modelrouter

import "path/filepath"

// Classify assigns a tier to shape by scanning cfg.Rules in order (first
// match wins), falling back to the threshold classifier when no rule
// matches. Returns the source that produced the tier.
func Classify(cfg Config, shape RequestShape) (Tier, DecisionSource) {
	for _, r := range cfg.Rules {
		if ruleMatches(r, shape) {
			return r.Tier, SourceRule
		}
	}
	return classifyByThreshold(cfg.Classifier, shape), SourceClassifier
}

func ruleMatches(r Rule, shape RequestShape) bool {
	if r.ModelGlob != "" {
		ok, err := filepath.Match(r.ModelGlob, shape.Model)
		if err != nil || !ok {
			return false
		}
	}
	if r.MaxTokensGte > 0 && shape.MaxTokens < r.MaxTokensGte {
		return false
	}
	if r.MessageCountGte > 0 && shape.MessageCount < r.MessageCountGte {
		return false
	}
	if r.HasTools && !shape.HasTools {
		return false
	}
	if r.HasVision && !shape.HasVision {
		return false
	}
	return true
}

// classifyByThreshold assigns heavy when the request uses tools or vision
// or any heavy threshold is crossed, light when every light threshold is
// satisfied (a zero threshold counts as satisfied), else medium.
func classifyByThreshold(t ClassifierThresholds, shape RequestShape) Tier {
	if shape.HasTools || shape.HasVision {
		return TierHeavy
	}
	if t.HeavyMaxTokensGte > 0 && shape.MaxTokens >= t.HeavyMaxTokensGte {
		return TierHeavy
	}
	if t.HeavyMessageCountGte > 0 && shape.MessageCount >= t.HeavyMessageCountGte {
		return TierHeavy
	}
	if t.HeavySystemLenGte > 0 && shape.SystemLength >= t.HeavySystemLenGte {
		return TierHeavy
	}

	isLight := true
	if t.LightMaxTokensLt > 0 && shape.MaxTokens >= t.LightMaxTokensLt {
		isLight = false
	}
	if t.LightMessageCountLt > 0 && shape.MessageCount >= t.LightMessageCountLt {
		isLight = false
	}
	if isLight {
		return TierLight
	}
	return TierMedium
}
