package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// fakeTokenAccountant makes token accounting deterministic: one token per byte.
type fakeTokenAccountant struct{}

func (fakeTokenAccountant) Count(text, modelFamily string) int { return len(text) }
func (fakeTokenAccountant) CountMessages(messages []service.LLMMessage, modelFamily string) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}
func (fakeTokenAccountant) EstimateCost(tokensIn, tokensOut int, tier valueobject.Tier) decimal.Decimal {
	return decimal.Zero
}

// recordingPublisher captures every event published, in order, so tests can
// assert on wire-event ordering (e.g. agent_switched before typing_start).
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	conversationID, eventType, content string
}

func (p *recordingPublisher) Publish(conversationID, eventType, content string, metadata map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{conversationID, eventType, content})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.eventType
	}
	return out
}

func (p *recordingPublisher) indexOf(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.events {
		if e.eventType == eventType {
			return i
		}
	}
	return -1
}

// scriptedLLM is a fixed-script LLMClient: each call pops the next reply off
// the queue. Used as the classifier's model, the context builder's
// summarizer, and (when the scenario needs no retry/fallback machinery) the
// gateway itself.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scriptedLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	var content string
	if i < len(s.replies) {
		content = s.replies[i]
	}
	return &service.LLMResponse{Content: content}, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	resp, err := s.Generate(ctx, req)
	if err != nil {
		close(deltaCh)
		return nil, err
	}
	deltaCh <- service.StreamChunk{DeltaText: resp.Content, FinishReason: "stop"}
	close(deltaCh)
	return &service.LLMResponse{Content: resp.Content, TokensIn: 10, TokensOut: 5, FinishReason: "stop"}, nil
}

// scriptedFallbackGateway implements the use case's internal fallbackInvoker
// interface directly, returning a pre-built attempt log so retry/fallback/
// cancellation scenarios don't depend on the Gateway's real circuit-breaker
// and backoff machinery.
type scriptedFallbackGateway struct {
	attempts []entity.Attempt
	resp     *service.LLMResponse
	err      error
	delta    string
}

func (g *scriptedFallbackGateway) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return g.resp, g.err
}

func (g *scriptedFallbackGateway) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	close(deltaCh)
	return g.resp, g.err
}

func (g *scriptedFallbackGateway) InvokeWithFallback(ctx context.Context, req *service.LLMRequest, decision entity.ModelDecision, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, []entity.Attempt, error) {
	if g.delta != "" {
		deltaCh <- service.StreamChunk{DeltaText: g.delta, FinishReason: "stop"}
	}
	close(deltaCh)
	return g.resp, g.attempts, g.err
}

func classifyJSON(agent string, confidence float64) string {
	b, _ := json.Marshal(struct {
		Agent      string  `json:"agent"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}{Agent: agent, Confidence: confidence, Reasoning: "because"})
	return string(b)
}

func smallTierSpecs() map[valueobject.Tier]valueobject.TierSpec {
	return map[valueobject.Tier]valueobject.TierSpec{
		valueobject.TierSmall:  valueobject.NewTierSpec(valueobject.TierSmall, "gpt-4o-mini", 32000, 0.15, 0.6, 0),
		valueobject.TierMedium: valueobject.NewTierSpec(valueobject.TierMedium, "gpt-4o", 128000, 2.5, 10, 0),
		valueobject.TierLarge:  valueobject.NewTierSpec(valueobject.TierLarge, "gpt-4o", 200000, 5, 15, 0),
	}
}

// buildUseCase wires a full OrchestrateQueryUseCase over in-memory repos and
// the supplied classifier/summarizer/gateway fakes, seeding one conversation
// owned by "owner-1".
func buildUseCase(t *testing.T, classifierLLM, summarizerLLM, gateway service.LLMClient) (uc *OrchestrateQueryUseCase, convID string, pub *recordingPublisher, conv *entity.Conversation) {
	t.Helper()
	return buildUseCaseWithTiers(t, classifierLLM, summarizerLLM, gateway, smallTierSpecs())
}

func buildUseCaseWithTiers(t *testing.T, classifierLLM, summarizerLLM, gateway service.LLMClient, tiers map[valueobject.Tier]valueobject.TierSpec) (uc *OrchestrateQueryUseCase, convID string, pub *recordingPublisher, conv *entity.Conversation) {
	t.Helper()
	logger := zap.NewNop()

	convRepo := persistence.NewMemoryConversationRepository()
	msgRepo := persistence.NewMemoryMessageRepository(convRepo)
	ledgerRepo := persistence.NewMemoryLedgerRepository()

	conv, err := entity.NewConversation("conv-1", "owner-1", "")
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	if err := convRepo.Save(context.Background(), conv); err != nil {
		t.Fatalf("Save conversation: %v", err)
	}

	classifierCfg := service.DefaultClassifierConfig("gpt-4o-mini", "gpt-4o")
	classifier := service.NewClassifier(classifierLLM, classifierCfg, logger)

	tracker := service.NewPerformanceTracker(20, time.Hour)
	selector := service.NewModelSelector(service.DefaultModelSelectorConfig(), tracker, tiers, fakeTokenAccountant{})

	builderCfg := service.DefaultContextBuilderConfig("gpt-4o", valueobject.NewModelConfig("gpt-4o-mini", 256, 0))
	builderCfg.ReserveTokens = 0
	builder := service.NewContextBuilder(builderCfg, msgRepo, convRepo, fakeTokenAccountant{}, summarizerLLM, logger)

	locks := service.NewConversationLockManager()
	publisher := &recordingPublisher{}

	uc = NewOrchestrateQueryUseCase(
		convRepo, msgRepo, ledgerRepo,
		classifier, selector, builder, locks, tracker,
		gateway, tiers, "gpt-4o",
		BudgetPolicy{}, publisher, time.Second, logger,
	)
	return uc, conv.ID(), publisher, conv
}

func TestOrchestrateQuery_HappyPathCompletesAndPublishesInOrder(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("documentation", 0.9)}}
	gateway := &scriptedLLM{replies: []string{"the manual says to torque it to spec"}}
	uc, convID, pub, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	result, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "where is the torque spec"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Agent != valueobject.AgentDocumentation {
		t.Fatalf("expected documentation agent, got %q", result.Agent)
	}
	if result.AssistantReply == "" {
		t.Fatal("expected a non-empty assistant reply")
	}

	wantOrder := []string{"classified", "model_selected", "typing_start", "token_delta", "typing_end", "assistant_message", "done"}
	assertSubsequence(t, pub.types(), wantOrder)
}

func TestOrchestrateQuery_ForcedAgentSkipsClassifierLLMCall(t *testing.T) {
	classifierLLM := &scriptedLLM{}
	gateway := &scriptedLLM{replies: []string{"troubleshooting steps here"}}
	uc, convID, _, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	result, err := uc.Execute(context.Background(), OrchestrateQueryInput{
		ConversationID: convID, OwnerID: "owner-1", Query: "engine light is on", ForcedAgent: valueobject.AgentTroubleshooting,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Agent != valueobject.AgentTroubleshooting {
		t.Fatalf("expected the forced agent to win, got %q", result.Agent)
	}
	if classifierLLM.calls != 0 {
		t.Fatalf("forced agent should never call the classifier's LLM, got %d calls", classifierLLM.calls)
	}
}

func TestOrchestrateQuery_LowConfidenceFallsBackToConversationAgentHint(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("maintenance", 0.1)}}
	gateway := &scriptedLLM{replies: []string{"ok"}}
	uc, convID, _, conv := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)
	conv.SetAgentHint(valueobject.AgentDocumentation)

	result, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "thanks"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Agent != valueobject.AgentDocumentation {
		t.Fatalf("expected low-confidence fallback to the conversation's agent_hint, got %q", result.Agent)
	}
}

func TestOrchestrateQuery_AgentSwitchIsAnnouncedBeforeTypingStart(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("troubleshooting", 0.95)}}
	gateway := &scriptedLLM{replies: []string{"let's diagnose it"}}
	uc, convID, pub, conv := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)
	conv.SetAgentHint(valueobject.AgentDocumentation) // prior agent differs from this turn's classification

	_, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "it won't start"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	switched := pub.indexOf("agent_switched")
	typingStart := pub.indexOf("typing_start")
	if switched == -1 {
		t.Fatal("expected an agent_switched event when the classified agent differs from the prior hint")
	}
	if switched >= typingStart {
		t.Fatalf("agent_switched (%d) must be published before typing_start (%d)", switched, typingStart)
	}
}

func TestOrchestrateQuery_RetryThenFallbackSurfacesTheSucceedingAttempt(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("maintenance", 0.9)}}
	now := time.Now()
	gateway := &scriptedFallbackGateway{
		attempts: []entity.Attempt{
			{Tier: valueobject.TierSmall, StartedAt: now, EndedAt: now, Succeeded: false, ErrorKind: "upstream_transient"},
			{Tier: valueobject.TierSmall, StartedAt: now, EndedAt: now, Succeeded: false, ErrorKind: "upstream_transient"},
			{Tier: valueobject.TierMedium, StartedAt: now, EndedAt: now, Succeeded: true, TokensIn: 20, TokensOut: 10},
		},
		resp:  &service.LLMResponse{Content: "replaced the part per the medium-tier analysis", TokensIn: 20, TokensOut: 10},
		delta: "replaced the part per the medium-tier analysis",
	}
	uc, convID, pub, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	result, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "how do I fix the seal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AssistantReply != "replaced the part per the medium-tier analysis" {
		t.Fatalf("expected the reply from the eventually-succeeding attempt, got %q", result.AssistantReply)
	}
	if pub.indexOf("done") == -1 {
		t.Fatal("expected a done event once the retried-then-escalated call finally succeeds")
	}
}

func TestOrchestrateQuery_EntireChainFailingReturnsUpstreamFailedError(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("maintenance", 0.9)}}
	now := time.Now()
	gateway := &scriptedFallbackGateway{
		attempts: []entity.Attempt{
			{Tier: valueobject.TierSmall, StartedAt: now, EndedAt: now, Succeeded: false, ErrorKind: "upstream_transient"},
			{Tier: valueobject.TierMedium, StartedAt: now, EndedAt: now, Succeeded: false, ErrorKind: "upstream_transient"},
		},
		err: errors.New("all tiers exhausted"),
	}
	uc, convID, pub, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	_, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "it still won't start"})
	if err == nil {
		t.Fatal("expected an error once the whole fallback chain is exhausted")
	}
	if !apperrors.IsUpstreamFailed(err) {
		t.Fatalf("expected an upstream_failed AppError, got %v", err)
	}
	if pub.indexOf("error") == -1 {
		t.Fatal("expected an error event to have been published")
	}
}

func TestOrchestrateQuery_CancelledStreamFailsTheRun(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("maintenance", 0.9)}}
	gateway := &scriptedFallbackGateway{err: context.Canceled}
	uc, convID, pub, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	_, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "hello"})
	if err == nil {
		t.Fatal("expected a failure when the upstream call is cancelled mid-stream")
	}
	if pub.indexOf("typing_end") == -1 {
		t.Fatal("typing_end must still be published even when the call ultimately fails")
	}
}

func TestOrchestrateQuery_LongHistoryTriggersSummarization(t *testing.T) {
	classifierLLM := &scriptedLLM{replies: []string{classifyJSON("documentation", 0.9)}}
	gateway := &scriptedLLM{replies: []string{"here is the answer"}}
	summarizer := &scriptedLLM{replies: []string{"prior turns covered routine inspection steps"}}
	// A deliberately tiny context window: the system preamble plus a couple
	// of recent turns consumes nearly all of it, so after ~20 messages the
	// greedy newest-first loop excludes enough of the prefix to cross
	// SummarizeAfterMessages and force a summarization call.
	tinyTiers := map[valueobject.Tier]valueobject.TierSpec{
		valueobject.TierSmall:  valueobject.NewTierSpec(valueobject.TierSmall, "gpt-4o-mini", 300, 0.15, 0.6, 0),
		valueobject.TierMedium: valueobject.NewTierSpec(valueobject.TierMedium, "gpt-4o", 300, 2.5, 10, 0),
		valueobject.TierLarge:  valueobject.NewTierSpec(valueobject.TierLarge, "gpt-4o", 300, 5, 15, 0),
	}
	uc, convID, _, _ := buildUseCaseWithTiers(t, classifierLLM, summarizer, gateway, tinyTiers)

	// Seed enough prior turns that the greedy window excludes more than
	// SummarizeAfterMessages (20) of them, forcing a summarization call.
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if _, err := uc.Execute(ctx, OrchestrateQueryInput{ConversationID: convID, OwnerID: "owner-1", Query: "routine check-in message"}); err != nil {
			t.Fatalf("seeding turn %d: %v", i, err)
		}
		classifierLLM.mu.Lock()
		classifierLLM.replies = append(classifierLLM.replies, classifyJSON("documentation", 0.9))
		classifierLLM.mu.Unlock()
		gateway.mu.Lock()
		gateway.replies = append(gateway.replies, "here is the answer")
		gateway.mu.Unlock()
	}

	if summarizer.calls == 0 {
		t.Fatal("expected a long conversation history to trigger at least one summarization call")
	}
}

func TestOrchestrateQuery_UnknownConversationIsRejected(t *testing.T) {
	classifierLLM := &scriptedLLM{}
	gateway := &scriptedLLM{}
	uc, _, _, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	_, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: "no-such-conversation", OwnerID: "owner-1", Query: "hi"})
	if err == nil {
		t.Fatal("expected an error for an unknown conversation id")
	}
}

func TestOrchestrateQuery_WrongOwnerIsUnauthorized(t *testing.T) {
	classifierLLM := &scriptedLLM{}
	gateway := &scriptedLLM{}
	uc, convID, _, _ := buildUseCase(t, classifierLLM, &scriptedLLM{}, gateway)

	_, err := uc.Execute(context.Background(), OrchestrateQueryInput{ConversationID: convID, OwnerID: "someone-else", Query: "hi"})
	if err == nil {
		t.Fatal("expected an unauthorized error for a non-owning caller")
	}
}

// assertSubsequence fails unless each element of want appears in got, in
// order (not necessarily contiguously).
func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()
	idx := 0
	for _, g := range got {
		if idx < len(want) && g == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("expected %v as a subsequence of %v", want, got)
	}
}
