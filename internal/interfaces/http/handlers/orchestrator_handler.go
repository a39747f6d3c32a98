package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// OrchestratorHandler exposes the Orchestrator Core over HTTP (§6). It owns
// conversation creation/lookup so the Session Hub and the Orchestrator Core
// use case can stay persistence-agnostic.
type OrchestratorHandler struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	orchestrate   *usecase.OrchestrateQueryUseCase
	providers     ProviderStatusSource
	logger        *zap.Logger
}

// ProviderStatusSource reports per-tier provider health for the operator
// visibility endpoint (§9 supplemented feature).
type ProviderStatusSource interface {
	ProviderStatuses() []ProviderStatus
}

// ProviderStatus is one tier's provider snapshot.
type ProviderStatus struct {
	Tier      string `json:"tier"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// NewOrchestratorHandler builds the handler over the Orchestrator Core.
func NewOrchestratorHandler(conversations repository.ConversationRepository, messages repository.MessageRepository, orchestrate *usecase.OrchestrateQueryUseCase, providers ProviderStatusSource, logger *zap.Logger) *OrchestratorHandler {
	return &OrchestratorHandler{conversations: conversations, messages: messages, orchestrate: orchestrate, providers: providers, logger: logger}
}

type queryRequest struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query" binding:"required"`
	ForceAgentType string `json:"force_agent_type"`
}

// SubmitQuery handles POST /orchestrator/query (§5/§6).
func (h *OrchestratorHandler) SubmitQuery(c *gin.Context) {
	ownerID := ownerIDFromContext(c)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing owner identity"})
		return
	}

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conv, err := entity.NewConversation(uuid.NewString(), ownerID, "")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.conversations.Save(c.Request.Context(), conv); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		conversationID = conv.ID()
	}

	var forced valueobject.AgentKind
	if req.ForceAgentType != "" {
		if k, ok := valueobject.ParseAgentKind(req.ForceAgentType); ok {
			forced = k
		}
	}

	result, err := h.orchestrate.Execute(c.Request.Context(), usecase.OrchestrateQueryInput{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Query:          req.Query,
		ForcedAgent:    forced,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": result.ConversationID,
		"run_id":          result.RunID,
		"reply":           result.AssistantReply,
		"agent":           result.Agent.String(),
		"tier":            result.Tier.String(),
	})
}

// GetConversation handles GET /orchestrator/conversation/:id.
func (h *OrchestratorHandler) GetConversation(c *gin.Context) {
	ownerID := ownerIDFromContext(c)
	id := c.Param("id")

	conv, err := h.conversations.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.IsOwnedBy(ownerID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authorized"})
		return
	}

	msgs, err := h.messages.FindByConversationID(c.Request.Context(), id, 0, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"seq": m.Seq(), "role": m.Role().String(), "content": m.Content(),
			"agent_type": m.AgentType().String(), "tier_used": m.TierUsed().String(),
			"timestamp": m.Timestamp(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"id": conv.ID(), "title": conv.Title(), "agent_hint": conv.AgentHint().String(),
		"turn_count": conv.TurnCount(), "messages": out,
	})
}

// DeleteConversation handles DELETE /orchestrator/conversation/:id.
func (h *OrchestratorHandler) DeleteConversation(c *gin.Context) {
	ownerID := ownerIDFromContext(c)
	id := c.Param("id")

	conv, err := h.conversations.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.IsOwnedBy(ownerID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authorized"})
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListProviders handles GET /orchestrator/providers (§9 supplemented feature).
func (h *OrchestratorHandler) ListProviders(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusOK, gin.H{"providers": []ProviderStatus{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": h.providers.ProviderStatuses()})
}

func ownerIDFromContext(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.Query("user_id")
}

func writeAppError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case apperrors.CodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.CodeNotFound:
		status = http.StatusNotFound
	case apperrors.CodeBusy:
		status = http.StatusConflict
	case apperrors.CodeOverloaded:
		status = http.StatusServiceUnavailable
	case apperrors.CodeUpstreamPolicy:
		status = http.StatusUnprocessableEntity
	case apperrors.CodeUpstreamFailed, apperrors.CodeContextBuildFailed, apperrors.CodePersistFailed:
		status = http.StatusBadGateway
	}
	body := gin.H{"error": appErr.Message, "code": string(appErr.Code)}
	if appErr.Kind != "" {
		body["kind"] = appErr.Kind
	}
	c.JSON(status, body)
}
