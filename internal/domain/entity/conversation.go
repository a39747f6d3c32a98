package entity

import (
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// Conversation is the durable container for a sequence of Messages exchanged
// between one owner (aircraft maintenance technician) and the Orchestrator.
type Conversation struct {
	id        string
	ownerID   string
	title     string
	agentHint valueobject.AgentKind // sticky hint from the last classification, empty if none yet
	turnCount int
	createdAt time.Time
	updatedAt time.Time

	// Cached prefix summary (§4.B). summaryUpToSeq is the cache key's
	// second component alongside the conversation id: a summary is valid
	// only while it still covers exactly seq 1..summaryUpToSeq.
	summaryText    string
	summaryUpToSeq int64
}

// NewConversation creates a new, empty conversation.
func NewConversation(id, ownerID, title string) (*Conversation, error) {
	if id == "" {
		return nil, ErrInvalidConversationID
	}
	if ownerID == "" {
		return nil, ErrInvalidOwnerID
	}
	now := time.Now().UTC()
	return &Conversation{
		id:        id,
		ownerID:   ownerID,
		title:     title,
		createdAt: now,
		updatedAt: now,
	}, nil
}

// ReconstructConversation rebuilds a Conversation from persisted state.
func ReconstructConversation(id, ownerID, title string, agentHint valueobject.AgentKind, turnCount int, createdAt, updatedAt time.Time, summaryText string, summaryUpToSeq int64) *Conversation {
	return &Conversation{
		id:             id,
		ownerID:        ownerID,
		title:          title,
		agentHint:      agentHint,
		turnCount:      turnCount,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
		summaryText:    summaryText,
		summaryUpToSeq: summaryUpToSeq,
	}
}

func (c *Conversation) ID() string                      { return c.id }
func (c *Conversation) OwnerID() string                 { return c.ownerID }
func (c *Conversation) Title() string                   { return c.title }
func (c *Conversation) AgentHint() valueobject.AgentKind { return c.agentHint }
func (c *Conversation) TurnCount() int                  { return c.turnCount }
func (c *Conversation) CreatedAt() time.Time             { return c.createdAt }
func (c *Conversation) UpdatedAt() time.Time             { return c.updatedAt }

// RecordTurn bumps the turn counter and refreshes UpdatedAt; called by the
// repository's transactional append alongside the new Message insert.
func (c *Conversation) RecordTurn(at time.Time) {
	c.turnCount++
	c.updatedAt = at
}

// SetAgentHint records the last classification's agent for sticky routing of
// short follow-ups (§4.C).
func (c *Conversation) SetAgentHint(kind valueobject.AgentKind) {
	c.agentHint = kind
}

// IsOwnedBy reports whether userID is authorized to act on this conversation.
func (c *Conversation) IsOwnedBy(userID string) bool {
	return c.ownerID == userID
}

// CachedSummary returns the cached prefix summary and the seq it covers
// through. An empty summaryText means no summary is cached.
func (c *Conversation) CachedSummary() (summaryText string, upToSeq int64) {
	return c.summaryText, c.summaryUpToSeq
}

// SetCachedSummary caches a prefix summary covering seq 1..upToSeq. The
// ContextBuilder reuses it while the history still holds the message with seq
// upToSeq and no later message has been left out of the window; once new
// turns push messages past upToSeq out of the window, it summarizes again.
func (c *Conversation) SetCachedSummary(summaryText string, upToSeq int64) {
	c.summaryText = summaryText
	c.summaryUpToSeq = upToSeq
}

// InvalidateSummary clears the cached summary.
func (c *Conversation) InvalidateSummary() {
	c.summaryText = ""
	c.summaryUpToSeq = 0
}
