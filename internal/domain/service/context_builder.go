package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// agentInstructions are the system-preamble bodies per specialist agent.
var agentInstructions = map[valueobject.AgentKind]string{
	valueobject.AgentDocumentation:   "You are the documentation specialist for an aircraft maintenance platform. Answer from manuals, part numbers, and regulatory references; cite document sections when possible.",
	valueobject.AgentTroubleshooting: "You are the troubleshooting specialist for an aircraft maintenance platform. Help narrow down fault causes from symptoms and error codes; ask clarifying questions when evidence is ambiguous.",
	valueobject.AgentMaintenance:     "You are the maintenance procedures specialist for an aircraft maintenance platform. Give precise, ordered, safety-conscious repair and servicing steps.",
}

// ContextBuilderConfig holds the tunables from §4.B/§6.
type ContextBuilderConfig struct {
	ReserveTokens          int // R_reserve, default 1024
	SummarizeAfterMessages int // N_summarize, default 20
	ModelFamily            string
	SummaryModel           valueobject.ModelConfig
}

// DefaultContextBuilderConfig returns the window-assembly defaults.
func DefaultContextBuilderConfig(modelFamily string, summaryModel valueobject.ModelConfig) ContextBuilderConfig {
	return ContextBuilderConfig{
		ReserveTokens:          1024,
		SummarizeAfterMessages: 20,
		ModelFamily:            modelFamily,
		SummaryModel:           summaryModel,
	}
}

// ContextBuilder assembles bounded ContextWindows for one LLM call: an
// old/recent message split, an AI-generated summary of the old portion, and
// a hard truncation fallback when even the recent portion overflows.
type ContextBuilder struct {
	cfg         ContextBuilderConfig
	messages    repository.MessageRepository
	convos      repository.ConversationRepository
	tokens      TokenAccountant
	summarizer  LLMClient
	logger      *zap.Logger
}

// NewContextBuilder wires a ContextBuilder over the persistence and token
// accounting layers.
func NewContextBuilder(cfg ContextBuilderConfig, messages repository.MessageRepository, convos repository.ConversationRepository, tokens TokenAccountant, summarizer LLMClient, logger *zap.Logger) *ContextBuilder {
	return &ContextBuilder{cfg: cfg, messages: messages, convos: convos, tokens: tokens, summarizer: summarizer, logger: logger}
}

// BuildWindow implements §4.B's build_window algorithm.
func (b *ContextBuilder) BuildWindow(ctx context.Context, conversationID string, tier valueobject.TierSpec, agent valueobject.AgentKind) (*entity.ContextWindow, error) {
	conversation, err := b.convos.FindByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("context builder: load conversation: %w", err)
	}

	history, err := b.messages.FindByConversationID(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("context builder: load history: %w", err)
	}

	preamble := agentInstructions[agent]
	budget := tier.ContextWindow() - b.cfg.ReserveTokens

	cachedSummary, cachedUpToSeq := conversation.CachedSummary()
	summaryValid := cachedSummary != "" && b.summaryStillCovers(history, cachedUpToSeq)
	if summaryValid {
		preamble = preamble + "\n\nConversation summary so far:\n" + cachedSummary
	}

	preambleTokens := b.tokens.Count(preamble, b.cfg.ModelFamily)

	// §8 boundary: a query whose own tokens already exceed the usable budget
	// can never fit regardless of how much history is dropped. Catch it here
	// rather than letting the greedy loop below silently exclude everything.
	if len(history) > 0 {
		latest := history[len(history)-1]
		if latest.Role() == valueobject.RoleUser {
			latestTokens := b.tokens.CountMessages([]LLMMessage{{Role: string(latest.Role()), Content: latest.Content()}}, b.cfg.ModelFamily)
			if latestTokens > budget {
				return nil, apperrors.NewQueryTooLongError(fmt.Sprintf("query is %d tokens, which exceeds the %d-token budget for tier %q", latestTokens, budget, tier.Tier()))
			}
		}
	}

	// Greedily include messages newest-first until the budget is spent.
	var included []*entity.Message
	runningTokens := preambleTokens
	cutIndex := len(history) // index (in seq-order history) before which messages are excluded
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		msgTokens := b.tokens.CountMessages([]LLMMessage{{Role: string(msg.Role()), Content: msg.Content()}}, b.cfg.ModelFamily)
		if runningTokens+msgTokens > budget {
			cutIndex = i + 1
			break
		}
		runningTokens += msgTokens
		included = append(included, msg)
		cutIndex = i
	}
	// included was built newest-first; reverse to seq order.
	for l, r := 0, len(included)-1; l < r; l, r = l+1, r-1 {
		included[l], included[r] = included[r], included[l]
	}

	window := &entity.ContextWindow{SystemPreamble: preamble, Messages: included, TotalTokens: runningTokens}

	excludedCount := cutIndex
	if summaryValid && cutIndex > 0 && history[cutIndex-1].Seq() > cachedUpToSeq {
		// Newer turns pushed messages past the cached summary out of the
		// window, so the summary no longer covers the excluded prefix.
		summaryValid = false
	}
	if excludedCount <= b.cfg.SummarizeAfterMessages || summaryValid {
		return window, nil
	}

	// More than N_summarize prior messages are excluded and no valid cached
	// summary exists: summarize the excluded prefix.
	excluded := history[:cutIndex]
	summaryText, err := b.summarize(ctx, excluded)
	if err != nil {
		b.logger.Warn("context builder: summarization failed, falling back to strict truncation", zap.Error(err))
		window.Warning = "summarization_failed_truncated"
		return window, nil
	}

	lastSummarizedSeq := excluded[len(excluded)-1].Seq()
	conversation.SetCachedSummary(summaryText, lastSummarizedSeq)
	if err := b.convos.Save(ctx, conversation); err != nil {
		b.logger.Warn("context builder: failed to persist summary cache", zap.Error(err))
	}

	window.SystemPreamble = agentInstructions[agent] + "\n\nConversation summary so far:\n" + summaryText
	window.TotalTokens = b.tokens.Count(window.SystemPreamble, b.cfg.ModelFamily) + (runningTokens - preambleTokens)
	return window, nil
}

// summaryStillCovers reports whether a cached summary covering seq
// 1..upToSeq is still the correct prefix summary for history — i.e. no
// message with seq <= upToSeq has been added or removed since.
func (b *ContextBuilder) summaryStillCovers(history []*entity.Message, upToSeq int64) bool {
	if upToSeq <= 0 {
		return false
	}
	for _, m := range history {
		if m.Seq() == upToSeq {
			return true
		}
	}
	return false
}

// summarize issues a small-tier LLM call to summarize the excluded prefix.
func (b *ContextBuilder) summarize(ctx context.Context, excluded []*entity.Message) (string, error) {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation prefix concisely, preserving facts and decisions relevant to continuing the conversation:\n\n")
	for _, m := range excluded {
		sb.WriteString(fmt.Sprintf("[%s]: %s\n", m.Role(), m.Content()))
	}

	resp, err := b.summarizer.Generate(ctx, &LLMRequest{
		Messages:    []LLMMessage{{Role: "user", Content: sb.String()}},
		Model:       b.cfg.SummaryModel.Model(),
		MaxTokens:   b.cfg.SummaryModel.MaxTokens(),
		Temperature: b.cfg.SummaryModel.Temperature(),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
