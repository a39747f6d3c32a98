package service

import (
	"regexp"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// reasoningMarkers is the regex/keyword set for multi-step reasoning
// intent, per §4.D's scoring rule.
var reasoningMarkers = regexp.MustCompile(`(?i)\b(explain|compare|step by step|step-by-step|walk me through|why does|analy[sz]e)\b`)

// CostPolicy is a per-tenant budget policy consulted by tier selection.
type CostPolicy struct {
	PreferCheap     bool
	BudgetRemaining float64
}

// ModelSelectorConfig holds the tunables from §4.D/§6.
type ModelSelectorConfig struct {
	DownshiftThreshold float64       // β_strict: budget_remaining below this downshifts one tier
	FailureThreshold   float64       // f_threshold: tier skip trigger
	WindowLookback     time.Duration // performance tracker lookback, default 1h
}

// DefaultModelSelectorConfig returns the tier-scoring defaults.
func DefaultModelSelectorConfig() ModelSelectorConfig {
	return ModelSelectorConfig{
		DownshiftThreshold: 10.0,
		FailureThreshold:   0.5,
		WindowLookback:     time.Hour,
	}
}

// ModelSelector chooses an LLM tier by complexity score, cost policy, and
// past performance, and builds the fallback chain the Gateway will walk on
// retriable failure (§4.D).
type ModelSelector struct {
	cfg     ModelSelectorConfig
	tracker *PerformanceTracker
	tiers   map[valueobject.Tier]valueobject.TierSpec
	tokens  TokenAccountant
}

// NewModelSelector builds a selector over the given tier catalogue.
func NewModelSelector(cfg ModelSelectorConfig, tracker *PerformanceTracker, tiers map[valueobject.Tier]valueobject.TierSpec, tokens TokenAccountant) *ModelSelector {
	return &ModelSelector{cfg: cfg, tracker: tracker, tiers: tiers, tokens: tokens}
}

// Select scores the query and conversation, maps the score to a primary
// tier, applies the cost-policy downshift, and builds the deduplicated
// fallback chain with performance-tracker skips applied.
func (s *ModelSelector) Select(query string, modelFamily string, agent valueobject.AgentKind, assistantTurnCount int, policy CostPolicy) entity.ModelDecision {
	score, reason := s.score(query, modelFamily, agent, assistantTurnCount)
	primary := tierForScore(score)

	if policy.BudgetRemaining < s.cfg.DownshiftThreshold && score < 0.85 {
		primary = downshiftTier(primary)
		reason += "; downshifted for budget policy"
	}

	chain := s.buildChain(primary)

	return entity.ModelDecision{
		PrimaryTier:   chain[0],
		Chain:         chain,
		Reason:        reason,
		EstimatedCost: s.tokens.EstimateCost(s.tokens.Count(query, modelFamily), 0, chain[0]),
	}
}

// score implements §4.D's additive complexity scoring, clamped to [0,1].
func (s *ModelSelector) score(query, modelFamily string, agent valueobject.AgentKind, assistantTurnCount int) (float64, string) {
	var score float64
	reason := "complexity score:"

	if s.tokens.Count(query, modelFamily) > 512 {
		score += 0.3
		reason += " +0.3(long_query)"
	}
	if reasoningMarkers.MatchString(query) {
		score += 0.3
		reason += " +0.3(reasoning_markers)"
	}
	if agent == valueobject.AgentTroubleshooting || agent == valueobject.AgentMaintenance {
		score += 0.2
		reason += " +0.2(agent=" + string(agent) + ")"
	}
	if assistantTurnCount > 10 {
		score += 0.2
		reason += " +0.2(long_conversation)"
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, reason
}

// tierForScore maps a complexity score to a tier per §4.D's thresholds.
func tierForScore(s float64) valueobject.Tier {
	switch {
	case s < 0.3:
		return valueobject.TierSmall
	case s < 0.7:
		return valueobject.TierMedium
	default:
		return valueobject.TierLarge
	}
}

// downshiftTier moves one tier down (large->medium->small->small).
func downshiftTier(t valueobject.Tier) valueobject.Tier {
	switch t {
	case valueobject.TierLarge:
		return valueobject.TierMedium
	case valueobject.TierMedium:
		return valueobject.TierSmall
	default:
		return valueobject.TierSmall
	}
}

// buildChain constructs [chosen, next_smaller_or_equal, small], deduplicated,
// skipping any tier whose recent failure ratio exceeds f_threshold in favor
// of the next candidate.
func (s *ModelSelector) buildChain(chosen valueobject.Tier) []valueobject.Tier {
	candidates := []valueobject.Tier{chosen, downshiftTier(chosen), valueobject.TierSmall}

	seen := make(map[valueobject.Tier]bool)
	var chain []valueobject.Tier
	now := time.Now()
	for _, t := range candidates {
		if seen[t] {
			continue
		}
		seen[t] = true
		if s.tracker != nil && s.tracker.FailureRatio(t, now) > s.cfg.FailureThreshold {
			continue
		}
		chain = append(chain, t)
	}
	if len(chain) == 0 {
		// Every candidate tripped the failure threshold — fall back to the
		// originally chosen tier rather than leaving an empty chain.
		chain = []valueobject.Tier{chosen}
	}
	return chain
}
