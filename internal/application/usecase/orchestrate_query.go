package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// EventPublisher is the Orchestrator Core's view of the Session Hub: publish
// one wire event to every session subscribed to a conversation. Defined here
// (not in interfaces/websocket) so the application layer never imports an
// interfaces package.
type EventPublisher interface {
	Publish(conversationID, eventType string, content string, metadata map[string]interface{})
}

// Clock lets tests control time; NewOrchestrateQueryUseCase sets it to
// time.Now.
type Clock func() time.Time

// OrchestrateQueryInput is one inbound query from either the HTTP or
// WebSocket surface.
type OrchestrateQueryInput struct {
	ConversationID string // must name an existing conversation; the HTTP handler creates one when the request omits it
	OwnerID        string
	Query          string
	ForcedAgent    valueobject.AgentKind // zero value means "let the classifier decide"
}

// OrchestrateQueryResult is the completed pipeline's outcome, handed back to
// the synchronous HTTP caller (the WebSocket caller instead observes the
// streamed events published along the way).
type OrchestrateQueryResult struct {
	ConversationID string
	RunID          string
	AssistantReply string
	Agent          valueobject.AgentKind
	Tier           valueobject.Tier
}

// OrchestrateQueryUseCase is the Orchestrator Core (§5): it glues the
// Classifier, Model Selector, Context Manager, LLM Gateway, and the
// per-conversation lock into one classify -> select -> build -> invoke ->
// stream -> persist pipeline, driving an eight-state RequestRun through its
// tier fallback chain.
type OrchestrateQueryUseCase struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	ledger        repository.LedgerRepository

	classifier *service.Classifier
	selector   *service.ModelSelector
	context    *service.ContextBuilder
	locks      *service.ConversationLockManager
	tracker    *service.PerformanceTracker
	gateway    service.LLMClient

	tiers       map[valueobject.Tier]valueobject.TierSpec
	modelFamily string
	budget      BudgetPolicy
	publisher   EventPublisher

	lockTimeout time.Duration
	logger      *zap.Logger
	now         Clock
}

// BudgetPolicy resolves the per-tenant CostPolicy consulted by the Model
// Selector (§4.D), sourced from the ledger's trailing spend rather than a
// static config value so it reacts to actual usage.
type BudgetPolicy struct {
	Ledger        repository.LedgerRepository
	DailyCapUSD   float64
	Lookback      time.Duration // defaults to 24h when zero
}

func (b BudgetPolicy) resolve(ctx context.Context, ownerID string) service.CostPolicy {
	lookback := b.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	if b.Ledger == nil || b.DailyCapUSD <= 0 {
		return service.CostPolicy{BudgetRemaining: b.DailyCapUSD}
	}

	spent := 0.0
	since := time.Now().Add(-lookback)
	costs, err := b.Ledger.CostByTenant(ctx, since)
	if err == nil {
		for _, c := range costs {
			if c.OwnerID == ownerID {
				spent = c.TotalUSD
				break
			}
		}
	}
	remaining := b.DailyCapUSD - spent
	return service.CostPolicy{
		PreferCheap:     remaining < b.DailyCapUSD*0.2,
		BudgetRemaining: remaining,
	}
}

// NewOrchestrateQueryUseCase wires the Orchestrator Core over its collaborators.
func NewOrchestrateQueryUseCase(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	ledger repository.LedgerRepository,
	classifier *service.Classifier,
	selector *service.ModelSelector,
	contextBuilder *service.ContextBuilder,
	locks *service.ConversationLockManager,
	tracker *service.PerformanceTracker,
	gateway service.LLMClient,
	tiers map[valueobject.Tier]valueobject.TierSpec,
	modelFamily string,
	budget BudgetPolicy,
	publisher EventPublisher,
	lockTimeout time.Duration,
	logger *zap.Logger,
) *OrchestrateQueryUseCase {
	return &OrchestrateQueryUseCase{
		conversations: conversations,
		messages:      messages,
		ledger:        ledger,
		classifier:    classifier,
		selector:      selector,
		context:       contextBuilder,
		locks:         locks,
		tracker:       tracker,
		gateway:       gateway,
		tiers:         tiers,
		modelFamily:   modelFamily,
		budget:        budget,
		publisher:     publisher,
		lockTimeout:   lockTimeout,
		logger:        logger,
		now:           time.Now,
	}
}

// Execute runs the full pipeline for one query (§5). It is safe to call
// concurrently for different conversations; calls for the same conversation
// serialize on the per-conversation lock.
func (uc *OrchestrateQueryUseCase) Execute(ctx context.Context, in OrchestrateQueryInput) (*OrchestrateQueryResult, error) {
	lockCtx, cancel := context.WithTimeout(ctx, uc.lockTimeout)
	release, err := uc.locks.Acquire(lockCtx, in.ConversationID)
	cancel()
	if err != nil {
		return nil, apperrors.NewBusyError("conversation is busy: " + err.Error())
	}
	defer release()

	conversation, err := uc.conversations.FindByID(ctx, in.ConversationID)
	if err != nil {
		return nil, apperrors.NewInvalidInputError("unknown conversation: " + err.Error())
	}
	if !conversation.IsOwnedBy(in.OwnerID) {
		return nil, apperrors.NewUnauthorizedError("conversation is not owned by this caller")
	}

	run, err := entity.NewRequestRun(uuid.NewString(), conversation.ID())
	if err != nil {
		return nil, apperrors.NewInternalError("failed to start request run: " + err.Error())
	}
	machine := service.NewRequestRunMachine(run.ID(), uc.logger)
	machine.OnTransition(func(from, to entity.RunState, snap service.RunSnapshot) {
		run.SetState(to)
	})

	fail := func(appErr *apperrors.AppError) (*OrchestrateQueryResult, error) {
		run.SetErrorKind(string(appErr.Code))
		_ = machine.Transition(entity.RunFailed)
		uc.publish(conversation.ID(), "error", appErr.Message, map[string]interface{}{"run_id": run.ID(), "code": string(appErr.Code)})
		if uc.ledger != nil {
			_ = uc.ledger.Append(ctx, run, in.OwnerID)
		}
		return nil, appErr
	}

	userMsg, err := entity.NewMessage(uuid.NewString(), conversation.ID(), valueobject.RoleUser, in.Query)
	if err != nil {
		return fail(apperrors.NewInvalidInputError("invalid query: " + err.Error()))
	}
	if err := uc.messages.Append(ctx, userMsg); err != nil {
		return fail(apperrors.NewPersistFailedError("failed to record query", err))
	}

	if err := machine.Transition(entity.RunClassifying); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	history, err := uc.messages.FindByConversationID(ctx, conversation.ID(), 20, 0)
	if err != nil {
		return fail(apperrors.NewInternalError("failed to load history: " + err.Error()))
	}
	classification, err := uc.classifier.Classify(ctx, in.Query, toLLMMessages(history), conversation.AgentHint(), in.ForcedAgent)
	if err != nil {
		return fail(apperrors.NewInternalError("classification failed: " + err.Error()))
	}
	priorAgentHint := conversation.AgentHint()
	run.SetClassification(classification)
	conversation.SetAgentHint(classification.Agent)
	uc.publish(conversation.ID(), "classified", "", map[string]interface{}{
		"run_id": run.ID(), "agent": classification.Agent.String(), "confidence": classification.Confidence,
	})
	agentSwitched := priorAgentHint != "" && classification.Agent != priorAgentHint

	if err := machine.Transition(entity.RunSelecting); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	decision := uc.selector.Select(in.Query, uc.modelFamily, classification.Agent, conversation.TurnCount()/2, uc.budget.resolve(ctx, in.OwnerID))
	run.SetModelDecision(decision)
	uc.publish(conversation.ID(), "model_selected", "", map[string]interface{}{
		"run_id": run.ID(), "tier": decision.PrimaryTier.String(), "reason": decision.Reason,
	})

	if err := machine.Transition(entity.RunBuilding); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	tierSpec, ok := uc.tiers[decision.PrimaryTier]
	if !ok {
		return fail(apperrors.NewInternalError("no tier spec configured for " + decision.PrimaryTier.String()))
	}
	window, err := uc.context.BuildWindow(ctx, conversation.ID(), tierSpec, classification.Agent)
	if err != nil {
		if apperrors.IsQueryTooLong(err) {
			return fail(err.(*apperrors.AppError))
		}
		return fail(apperrors.NewContextBuildFailedError("context window assembly failed", err))
	}

	if err := machine.Transition(entity.RunInvoking); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	if err := machine.Transition(entity.RunStreaming); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	// G4: the specialist agent for this turn differs from the conversation's
	// prior agent_hint — announce the switch before typing_start so
	// subscribers can re-label the turn before deltas start arriving.
	if agentSwitched {
		uc.publish(conversation.ID(), "agent_switched", "", map[string]interface{}{"run_id": run.ID(), "agent": classification.Agent.String()})
	}
	uc.publish(conversation.ID(), "typing_start", "", map[string]interface{}{"run_id": run.ID()})

	req := &service.LLMRequest{
		Messages:    buildLLMRequestMessages(window),
		Model:       tierSpec.Model(),
		MaxTokens:   tierSpec.ContextWindow() / 4,
		Temperature: 0.3,
	}

	deltaCh := make(chan service.StreamChunk, 16)
	done := make(chan struct{})
	safego.Go(uc.logger, "orchestrate-stream-forward", func() {
		defer close(done)
		for chunk := range deltaCh {
			if chunk.DeltaText == "" {
				continue
			}
			uc.publish(conversation.ID(), "token_delta", chunk.DeltaText, map[string]interface{}{"run_id": run.ID()})
		}
	})

	resp, attempts, err := uc.invokeWithFallback(ctx, req, decision, deltaCh)
	<-done
	for _, a := range attempts {
		run.RecordAttempt(a)
		machine.RecordAttempt(a.ErrorKind)
		if uc.tracker != nil {
			uc.tracker.RecordAttempt(a.Tier, a.Succeeded, a.EndedAt)
		}
	}
	uc.publish(conversation.ID(), "typing_end", "", map[string]interface{}{"run_id": run.ID()})
	if err != nil {
		return fail(classifyInvokeError(err))
	}

	if err := machine.Transition(entity.RunPersisting); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	assistantMsg, err := entity.NewMessage(uuid.NewString(), conversation.ID(), valueobject.RoleAssistant, resp.Content)
	if err != nil {
		return fail(apperrors.NewPersistFailedError("failed to build assistant message", err))
	}
	servedTier := decision.PrimaryTier
	for _, a := range attempts {
		if a.Succeeded {
			servedTier = a.Tier
		}
	}
	assistantMsg.SetAssistantMetadata(classification.Agent, servedTier, resp.TokensIn, resp.TokensOut)
	if err := uc.messages.Append(ctx, assistantMsg); err != nil {
		return fail(apperrors.NewPersistFailedError("failed to persist assistant reply", err))
	}
	if err := uc.conversations.Save(ctx, conversation); err != nil {
		uc.logger.Warn("failed to persist conversation side effects", zap.Error(err))
	}
	uc.publish(conversation.ID(), "assistant_message", resp.Content, map[string]interface{}{
		"run_id": run.ID(), "agent": classification.Agent.String(), "tier": decision.PrimaryTier.String(),
	})

	if err := machine.Transition(entity.RunCompleted); err != nil {
		return fail(apperrors.NewInternalError(err.Error()))
	}
	uc.publish(conversation.ID(), "done", "", map[string]interface{}{"run_id": run.ID()})
	if uc.ledger != nil {
		if err := uc.ledger.Append(ctx, run, in.OwnerID); err != nil {
			uc.logger.Warn("failed to append ledger row", zap.Error(err))
		}
	}

	return &OrchestrateQueryResult{
		ConversationID: conversation.ID(),
		RunID:          run.ID(),
		AssistantReply: resp.Content,
		Agent:          classification.Agent,
		Tier:           decision.PrimaryTier,
	}, nil
}

// invokeWithFallback defers to the concrete *llm.Gateway when wired, and to
// the plain service.LLMClient.GenerateStream otherwise (tests stub the
// latter without a real Gateway's tier admission/backoff machinery).
func (uc *OrchestrateQueryUseCase) invokeWithFallback(ctx context.Context, req *service.LLMRequest, decision entity.ModelDecision, deltaCh chan service.StreamChunk) (*service.LLMResponse, []entity.Attempt, error) {
	type fallbackInvoker interface {
		InvokeWithFallback(ctx context.Context, req *service.LLMRequest, decision entity.ModelDecision, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, []entity.Attempt, error)
	}
	if inv, ok := uc.gateway.(fallbackInvoker); ok {
		resp, attempts, err := inv.InvokeWithFallback(ctx, req, decision, deltaCh)
		close(deltaCh)
		return resp, attempts, err
	}
	defer close(deltaCh)
	started := uc.now()
	resp, err := uc.gateway.GenerateStream(ctx, req, deltaCh)
	attempt := entity.Attempt{
		Tier: decision.PrimaryTier, StartedAt: started, EndedAt: uc.now(),
		Succeeded: err == nil, TokensIn: 0, TokensOut: 0,
	}
	if resp != nil {
		attempt.TokensIn, attempt.TokensOut = resp.TokensIn, resp.TokensOut
	}
	if err != nil {
		attempt.ErrorKind = "upstream_transient"
	}
	return resp, []entity.Attempt{attempt}, err
}

func (uc *OrchestrateQueryUseCase) publish(conversationID, eventType, content string, metadata map[string]interface{}) {
	if uc.publisher == nil {
		return
	}
	uc.publisher.Publish(conversationID, eventType, content, metadata)
}

func toLLMMessages(history []*entity.Message) []service.LLMMessage {
	out := make([]service.LLMMessage, 0, len(history))
	for _, m := range history {
		out = append(out, service.LLMMessage{Role: string(m.Role()), Content: m.Content()})
	}
	return out
}

func buildLLMRequestMessages(window *entity.ContextWindow) []service.LLMMessage {
	out := make([]service.LLMMessage, 0, len(window.Messages)+1)
	out = append(out, service.LLMMessage{Role: string(valueobject.RoleSystem), Content: window.SystemPreamble})
	for _, m := range window.Messages {
		out = append(out, service.LLMMessage{Role: string(m.Role()), Content: m.Content()})
	}
	return out
}

func classifyInvokeError(err error) *apperrors.AppError {
	if appErr, ok := err.(*apperrors.AppError); ok && appErr.Code == apperrors.CodeUpstreamPolicy {
		return appErr
	}
	if apperrors.IsOverloaded(err) {
		return apperrors.NewOverloadedError(err.Error())
	}
	if apperrors.IsUpstreamFailed(err) {
		return apperrors.NewUpstreamFailedError("all tiers in fallback chain failed", err)
	}
	return apperrors.NewUpstreamFailedError("request failed", err)
}
