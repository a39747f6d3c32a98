package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// ClassifierConfig holds the tunables for Classifier decisions.
type ClassifierConfig struct {
	// ConfidenceThreshold is τ_class: below this, the agent_hint wins over
	// whatever the LLM returned.
	ConfidenceThreshold float64

	// Model configs for the classification call and its medium-tier retry.
	SmallModel  valueobject.ModelConfig
	MediumModel valueobject.ModelConfig
}

// DefaultClassifierConfig returns the routing-confidence defaults.
func DefaultClassifierConfig(smallModel, mediumModel string) ClassifierConfig {
	return ClassifierConfig{
		ConfidenceThreshold: 0.55,
		SmallModel:          valueobject.NewModelConfig(smallModel, 256, 0.0),
		MediumModel:         valueobject.NewModelConfig(mediumModel, 256, 0.0),
	}
}

// classifyReply is the structured reply the classification prompt demands.
type classifyReply struct {
	Agent      string  `json:"agent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classifier decides which specialist agent handles a query (§4.C) by
// asking a small-tier LLM, validating a structured reply, and falling back
// by policy when that call or its validation fails.
type Classifier struct {
	llm    LLMClient
	cfg    ClassifierConfig
	logger *zap.Logger
}

// NewClassifier builds a Classifier bound to the LLM Gateway.
func NewClassifier(llm LLMClient, cfg ClassifierConfig, logger *zap.Logger) *Classifier {
	return &Classifier{llm: llm, cfg: cfg, logger: logger}
}

// Classify implements the four-step algorithm: forced override, LLM call,
// validation with one medium-tier retry on parse failure, and the
// low-confidence/agent_hint fallback.
func (c *Classifier) Classify(ctx context.Context, query string, recentContext []LLMMessage, agentHint valueobject.AgentKind, forcedAgent valueobject.AgentKind) (entity.ClassificationDecision, error) {
	if forcedAgent != "" {
		return entity.ClassificationDecision{Agent: forcedAgent, Confidence: 1.0, Forced: true}, nil
	}

	reply, err := c.callAndParse(ctx, query, recentContext, c.cfg.SmallModel)
	if err != nil {
		c.logger.Warn("classifier: small-tier reply failed validation, retrying at medium tier", zap.Error(err))
		reply, err = c.callAndParse(ctx, query, recentContext, c.cfg.MediumModel)
		if err != nil {
			fallback := agentHint
			if fallback == "" {
				fallback = valueobject.AgentDocumentation
			}
			c.logger.Warn("classifier: medium-tier retry also failed, falling back", zap.Error(err))
			return entity.ClassificationDecision{
				Agent:        fallback,
				Confidence:   0.0,
				FallbackFrom: "parse_error",
			}, nil
		}
	}

	agent, _ := valueobject.ParseAgentKind(reply.Agent)
	decision := entity.ClassificationDecision{
		Agent:      agent,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
	}

	if reply.Confidence < c.cfg.ConfidenceThreshold && agentHint != "" && agentHint != agent {
		decision.Agent = agentHint
		decision.FallbackFrom = "low_confidence"
	}
	return decision, nil
}

// callAndParse issues one classification call and validates the reply
// against the closed agent set.
func (c *Classifier) callAndParse(ctx context.Context, query string, recentContext []LLMMessage, model valueobject.ModelConfig) (classifyReply, error) {
	messages := append([]LLMMessage{{Role: "system", Content: classifierSystemPrompt}}, recentContext...)
	messages = append(messages, LLMMessage{Role: "user", Content: query})

	resp, err := c.llm.Generate(ctx, &LLMRequest{
		Messages:    messages,
		Model:       model.Model(),
		MaxTokens:   model.MaxTokens(),
		Temperature: model.Temperature(),
	})
	if err != nil {
		return classifyReply{}, fmt.Errorf("classify: llm call failed: %w", err)
	}

	var reply classifyReply
	if jsonErr := json.Unmarshal([]byte(extractJSON(resp.Content)), &reply); jsonErr != nil {
		return classifyReply{}, fmt.Errorf("classify: malformed reply: %w", jsonErr)
	}
	if agent, ok := valueobject.ParseAgentKind(reply.Agent); !ok {
		return classifyReply{}, fmt.Errorf("classify: unknown agent label %q", reply.Agent)
	} else {
		reply.Agent = string(agent)
	}
	return reply, nil
}

// extractJSON strips a markdown code fence around a JSON object, if present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

const classifierSystemPrompt = `You are a routing classifier for an aircraft maintenance assistant platform.
Given the user's query, choose exactly one specialist agent:
- "documentation": questions about manuals, part numbers, regulations, procedures lookup.
- "troubleshooting": diagnosing a fault, interpreting error codes, narrowing down a cause.
- "maintenance": step-by-step repair, replacement, or servicing procedures.
Reply with a single JSON object: {"agent": "...", "confidence": 0.0-1.0, "reasoning": "..."}.`
