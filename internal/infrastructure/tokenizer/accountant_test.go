package tokenizer

import (
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

func TestAccountant_CountIsPositiveForNonEmptyText(t *testing.T) {
	a := NewAccountant(nil)
	if got := a.Count("the hydraulic actuator failed pressure test", "gpt-4o"); got <= 0 {
		t.Fatalf("expected a positive token count, got %d", got)
	}
}

func TestAccountant_CountEmptyTextIsZero(t *testing.T) {
	a := NewAccountant(nil)
	if got := a.Count("", "gpt-4o"); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestAccountant_CountMessagesAddsFramingOverheadPerMessage(t *testing.T) {
	a := NewAccountant(nil)
	single := a.CountMessages([]service.LLMMessage{{Role: "user", Content: "hello"}}, "gpt-4o")
	double := a.CountMessages([]service.LLMMessage{
		{Role: "user", Content: "hello"},
		{Role: "user", Content: "hello"},
	}, "gpt-4o")

	if double != single*2 {
		t.Fatalf("expected identical messages to double exactly (content + constant overhead each), got single=%d double=%d", single, double)
	}
}

func TestAccountant_SetFramingOverheadChangesTheCount(t *testing.T) {
	a := NewAccountant(nil)
	before := a.CountMessages([]service.LLMMessage{{Role: "user", Content: "hi"}}, "gpt-4o")
	a.SetFramingOverhead("gpt-4o", 100)
	after := a.CountMessages([]service.LLMMessage{{Role: "user", Content: "hi"}}, "gpt-4o")

	if after-before != 96 { // 100 - default(4)
		t.Fatalf("expected overhead override to add exactly the delta, before=%d after=%d", before, after)
	}
}

func TestAccountant_EstimateCostAppliesPerTierRates(t *testing.T) {
	rates := map[valueobject.Tier]TierRate{
		valueobject.TierSmall: {RatePer1kIn: 0.001, RatePer1kOut: 0.002},
	}
	a := NewAccountant(rates)

	cost := a.EstimateCost(1000, 1000, valueobject.TierSmall)
	want := 0.001 + 0.002
	got, _ := cost.Float64()
	if got != want {
		t.Fatalf("expected cost %v, got %v", want, got)
	}
}

func TestAccountant_EstimateCostUnknownTierIsZero(t *testing.T) {
	a := NewAccountant(map[valueobject.Tier]TierRate{})
	cost := a.EstimateCost(1000, 1000, valueobject.TierLarge)
	if !cost.IsZero() {
		t.Fatalf("expected zero cost for an unconfigured tier, got %v", cost)
	}
}

func TestAccountant_UnknownModelFamilyFallsBackToHeuristic(t *testing.T) {
	a := NewAccountant(nil)
	// A family tiktoken-go has never heard of still must produce a
	// monotone, non-zero estimate rather than erroring out.
	got := a.Count("some longer query text here", "totally-made-up-model-family-xyz")
	if got <= 0 {
		t.Fatalf("expected a positive fallback estimate, got %d", got)
	}
}
