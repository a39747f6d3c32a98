package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// scriptedProvider fails the first `failCount` calls then succeeds, or
// always fails with a fixed error when failCount < 0.
type scriptedProvider struct {
	name      string
	failCount int32
	failErr   error
	calls     int32
}

func (p *scriptedProvider) Name() string            { return p.name }
func (p *scriptedProvider) Models() []string        { return []string{"test-model"} }
func (p *scriptedProvider) SupportsModel(m string) bool { return m == "test-model" }
func (p *scriptedProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *scriptedProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: "ok"}, nil
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if p.failCount < 0 || n <= p.failCount {
		err := p.failErr
		if err == nil {
			err = errors.New("upstream timeout")
		}
		return nil, err
	}
	deltaCh <- service.StreamChunk{DeltaText: "hi", FinishReason: "stop"}
	return &service.LLMResponse{Content: "hi", TokensIn: 1, TokensOut: 1, FinishReason: "stop"}, nil
}

func fastGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.AdmitTimeout = time.Second
	cfg.AttemptTimeout = time.Second
	cfg.MaxAttempts = 3
	return cfg
}

func TestGateway_SucceedsOnFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{name: "p-small"}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall}}
	deltaCh := make(chan service.StreamChunk, 8)
	resp, attempts, err := gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Fatalf("unexpected response content %q", resp.Content)
	}
	if len(attempts) != 1 || !attempts[0].Succeeded {
		t.Fatalf("expected a single successful attempt, got %+v", attempts)
	}
}

func TestGateway_RetriesWithinATierBeforeSucceeding(t *testing.T) {
	provider := &scriptedProvider{name: "p-small", failCount: 2}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall}}
	deltaCh := make(chan service.StreamChunk, 8)
	resp, attempts, err := gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response after retries succeed")
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 2 failed + 1 successful attempt, got %d: %+v", len(attempts), attempts)
	}
	if attempts[0].Succeeded || attempts[1].Succeeded || !attempts[2].Succeeded {
		t.Fatalf("unexpected attempt outcomes: %+v", attempts)
	}
}

func TestGateway_AdvancesFallbackChainOnExhaustion(t *testing.T) {
	small := &scriptedProvider{name: "p-small", failCount: -1} // always fails
	medium := &scriptedProvider{name: "p-medium"}              // always succeeds
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{
		valueobject.TierSmall:  small,
		valueobject.TierMedium: medium,
	}, zap.NewNop())

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall, valueobject.TierMedium}}
	deltaCh := make(chan service.StreamChunk, 8)
	resp, attempts, err := gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected the medium tier to eventually succeed")
	}

	sawMedium := false
	for _, a := range attempts {
		if a.Tier == valueobject.TierMedium && a.Succeeded {
			sawMedium = true
		}
	}
	if !sawMedium {
		t.Fatalf("expected a successful medium-tier attempt in the log, got %+v", attempts)
	}
}

func TestGateway_ExhaustingEntireChainReturnsUpstreamError(t *testing.T) {
	small := &scriptedProvider{name: "p-small", failCount: -1}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: small}, zap.NewNop())

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall}}
	deltaCh := make(chan service.StreamChunk, 8)
	_, _, err := gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	if err == nil {
		t.Fatal("expected an error once the only tier in the chain is exhausted")
	}
}

func TestGateway_NonRetryablePolicyErrorSkipsRemainingAttempts(t *testing.T) {
	provider := &scriptedProvider{name: "p-small", failCount: -1, failErr: errors.New("content policy violation")}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall}}
	deltaCh := make(chan service.StreamChunk, 8)
	_, attempts, err := gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(attempts) != 1 {
		t.Fatalf("a non-retryable policy error must stop after one attempt, got %d: %+v", len(attempts), attempts)
	}
}

func TestGateway_GenerateResolvesProviderByModelWithoutRetry(t *testing.T) {
	provider := &scriptedProvider{name: "p-small"}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	resp, err := gw.Generate(context.Background(), &service.LLMRequest{Model: "test-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestGateway_GenerateUnknownModelErrors(t *testing.T) {
	provider := &scriptedProvider{name: "p-small"}
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	_, err := gw.Generate(context.Background(), &service.LLMRequest{Model: "no-such-model"})
	if err == nil {
		t.Fatal("expected an error for an unbound model")
	}
}

func TestGateway_IsAvailableReflectsCircuitBreakerState(t *testing.T) {
	provider := &scriptedProvider{name: "p-small", failCount: -1}
	cfg := fastGatewayConfig()
	gw := NewGateway(cfg, map[valueobject.Tier]Provider{valueobject.TierSmall: provider}, zap.NewNop())

	if !gw.IsAvailable(valueobject.TierSmall) {
		t.Fatal("expected tier to be available before any failures")
	}

	decision := entity.ModelDecision{PrimaryTier: valueobject.TierSmall, Chain: []valueobject.Tier{valueobject.TierSmall}}
	for i := 0; i < 5; i++ {
		deltaCh := make(chan service.StreamChunk, 8)
		gw.InvokeWithFallback(context.Background(), &service.LLMRequest{Model: "test-model"}, decision, deltaCh)
	}

	if gw.IsAvailable(valueobject.TierSmall) {
		t.Fatal("expected the circuit breaker to have opened after repeated failures")
	}
}

func TestGateway_UnknownTierIsUnavailable(t *testing.T) {
	gw := NewGateway(fastGatewayConfig(), map[valueobject.Tier]Provider{}, zap.NewNop())
	if gw.IsAvailable(valueobject.TierLarge) {
		t.Fatal("a tier with no bound provider must never report available")
	}
}
