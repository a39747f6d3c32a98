package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// fakeTokens is a deterministic TokenAccountant stand-in: Count returns the
// byte length of text so tests can control scoring without a real tokenizer.
type fakeTokens struct{}

func (fakeTokens) Count(text, modelFamily string) int {
	return len(text)
}

func (fakeTokens) CountMessages(messages []LLMMessage, modelFamily string) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

func (fakeTokens) EstimateCost(tokensIn, tokensOut int, tier valueobject.Tier) decimal.Decimal {
	return decimal.Zero
}

func newTestSelector(tracker *PerformanceTracker) *ModelSelector {
	return NewModelSelector(DefaultModelSelectorConfig(), tracker, nil, fakeTokens{})
}

func TestModelSelector_ShortSimpleQueryPicksSmallTier(t *testing.T) {
	s := newTestSelector(nil)
	decision := s.Select("hi", "gpt-4o", valueobject.AgentDocumentation, 0, CostPolicy{BudgetRemaining: 100})
	if decision.PrimaryTier != valueobject.TierSmall {
		t.Fatalf("expected small tier, got %q (reason: %s)", decision.PrimaryTier, decision.Reason)
	}
}

func TestModelSelector_LongQueryWithReasoningMarkersEscalatesToLarge(t *testing.T) {
	s := newTestSelector(nil)
	longQuery := "Please explain step by step why this happened and walk me through the root cause: " +
		"the hydraulic pressure reading dropped below nominal during the pre-flight check and I need a full analysis of every contributing factor across the fleet's maintenance history so we can rule out a systemic defect versus an isolated sensor fault. " +
			"Please also list the relevant task references, the expected pressure range for each hydraulic system, the calibration history of every affected sensor, and any service bulletins that could account for a slow pressure decay seen on several airframes."
	if len(longQuery) <= 512 {
		t.Fatalf("test fixture query must exceed 512 chars to trip long_query scoring, got %d", len(longQuery))
	}
	decision := s.Select(longQuery, "gpt-4o", valueobject.AgentTroubleshooting, 15, CostPolicy{BudgetRemaining: 100})
	if decision.PrimaryTier != valueobject.TierLarge {
		t.Fatalf("expected large tier from stacked scoring signals, got %q (reason: %s)", decision.PrimaryTier, decision.Reason)
	}
}

func TestModelSelector_TightBudgetDownshiftsOneTier(t *testing.T) {
	s := newTestSelector(nil)
	// Medium-band query (reasoning markers alone: +0.3, -> medium tier).
	query := "Can you explain why the APU keeps tripping offline?"
	withBudget := s.Select(query, "gpt-4o", valueobject.AgentDocumentation, 0, CostPolicy{BudgetRemaining: 100})
	if withBudget.PrimaryTier != valueobject.TierMedium {
		t.Fatalf("precondition failed: expected medium tier with healthy budget, got %q", withBudget.PrimaryTier)
	}

	tight := s.Select(query, "gpt-4o", valueobject.AgentDocumentation, 0, CostPolicy{BudgetRemaining: 1.0})
	if tight.PrimaryTier != valueobject.TierSmall {
		t.Fatalf("expected a tight budget to downshift medium -> small, got %q (reason: %s)", tight.PrimaryTier, tight.Reason)
	}
}

func TestModelSelector_VeryHighScoreIsNotDownshifted(t *testing.T) {
	s := newTestSelector(nil)
	longQuery := "Please explain step by step why this happened and walk me through the root cause: " +
		"the hydraulic pressure reading dropped below nominal during the pre-flight check and I need a full analysis of every contributing factor across the fleet's maintenance history so we can rule out a systemic defect versus an isolated sensor fault. " +
			"Please also list the relevant task references, the expected pressure range for each hydraulic system, the calibration history of every affected sensor, and any service bulletins that could account for a slow pressure decay seen on several airframes."
	decision := s.Select(longQuery, "gpt-4o", valueobject.AgentTroubleshooting, 15, CostPolicy{BudgetRemaining: 1.0})
	if decision.PrimaryTier != valueobject.TierLarge {
		t.Fatalf("a score >= 0.85 should skip the budget downshift entirely, got %q (reason: %s)", decision.PrimaryTier, decision.Reason)
	}
}

func TestModelSelector_BuildChainSkipsFailingTiers(t *testing.T) {
	cfg := DefaultModelSelectorConfig()
	cfg.FailureThreshold = 0.5
	tracker := NewPerformanceTracker(10, time.Hour)
	now := time.Now()

	// Drive medium's failure ratio above threshold.
	for i := 0; i < 4; i++ {
		tracker.RecordAttempt(valueobject.TierMedium, false, now)
	}
	tracker.RecordAttempt(valueobject.TierMedium, true, now)

	s := NewModelSelector(cfg, tracker, nil, fakeTokens{})
	chain := s.buildChain(valueobject.TierMedium)

	for _, tier := range chain {
		if tier == valueobject.TierMedium {
			t.Fatalf("expected medium to be skipped from the chain due to its failure ratio, got chain %v", chain)
		}
	}
	if len(chain) == 0 {
		t.Fatal("chain must never be empty")
	}
}

func TestModelSelector_BuildChainDeduplicates(t *testing.T) {
	s := newTestSelector(nil)
	chain := s.buildChain(valueobject.TierSmall)
	seen := make(map[valueobject.Tier]bool)
	for _, tier := range chain {
		if seen[tier] {
			t.Fatalf("chain %v contains a duplicate tier %q", chain, tier)
		}
		seen[tier] = true
	}
}

func TestModelSelector_BuildChainFallsBackToChosenWhenAllCandidatesFail(t *testing.T) {
	cfg := DefaultModelSelectorConfig()
	cfg.FailureThreshold = 0.1
	tracker := NewPerformanceTracker(10, time.Hour)
	now := time.Now()
	for _, tier := range []valueobject.Tier{valueobject.TierLarge, valueobject.TierMedium, valueobject.TierSmall} {
		tracker.RecordAttempt(tier, false, now)
	}

	s := NewModelSelector(cfg, tracker, nil, fakeTokens{})
	chain := s.buildChain(valueobject.TierLarge)
	if len(chain) != 1 || chain[0] != valueobject.TierLarge {
		t.Fatalf("expected a single-element chain falling back to the chosen tier, got %v", chain)
	}
}
