package entity

import (
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
)

// Message is one turn of a Conversation's transcript.
// Seq is assigned server-side at append time (repository.Append) and is the
// sole ordering key within a conversation — callers never set it themselves.
type Message struct {
	id             string
	conversationID string
	seq            int64
	role           valueobject.Role
	content        string
	agentType      valueobject.AgentKind // empty for user/system messages
	tierUsed       valueobject.Tier      // empty unless role == assistant
	tokensIn       int
	tokensOut      int
	createdAt      time.Time
	metadata       map[string]interface{}
}

// NewMessage creates a new message awaiting a server-assigned Seq (Seq == 0
// until the repository appends it).
func NewMessage(id, conversationID string, role valueobject.Role, content string) (*Message, error) {
	if id == "" {
		return nil, ErrInvalidMessageID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	return &Message{
		id:             id,
		conversationID: conversationID,
		role:           role,
		content:        content,
		createdAt:      time.Now().UTC(),
		metadata:       make(map[string]interface{}),
	}, nil
}

// ReconstructMessage rebuilds a Message from persisted state.
func ReconstructMessage(
	id, conversationID string,
	seq int64,
	role valueobject.Role,
	content string,
	agentType valueobject.AgentKind,
	tierUsed valueobject.Tier,
	tokensIn, tokensOut int,
	createdAt time.Time,
	metadata map[string]interface{},
) *Message {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &Message{
		id:             id,
		conversationID: conversationID,
		seq:            seq,
		role:           role,
		content:        content,
		agentType:      agentType,
		tierUsed:       tierUsed,
		tokensIn:       tokensIn,
		tokensOut:      tokensOut,
		createdAt:      createdAt,
		metadata:       metadata,
	}
}

func (m *Message) ID() string                        { return m.id }
func (m *Message) ConversationID() string             { return m.conversationID }
func (m *Message) Seq() int64                         { return m.seq }
func (m *Message) Role() valueobject.Role              { return m.role }
func (m *Message) Content() string                    { return m.content }
func (m *Message) AgentType() valueobject.AgentKind    { return m.agentType }
func (m *Message) TierUsed() valueobject.Tier          { return m.tierUsed }
func (m *Message) TokensIn() int                      { return m.tokensIn }
func (m *Message) TokensOut() int                      { return m.tokensOut }
func (m *Message) Timestamp() time.Time               { return m.createdAt }

// SetSeq is called exactly once by the repository on append.
func (m *Message) SetSeq(seq int64) {
	m.seq = seq
}

// SetAssistantMetadata records which agent/tier produced this message and its
// token accounting — called by the Orchestrator Core before persisting the
// assistant turn (§4.G, invariant I1).
func (m *Message) SetAssistantMetadata(agentType valueobject.AgentKind, tier valueobject.Tier, tokensIn, tokensOut int) {
	m.agentType = agentType
	m.tierUsed = tier
	m.tokensIn = tokensIn
	m.tokensOut = tokensOut
}

func (m *Message) SetMetadata(key string, value interface{}) {
	m.metadata[key] = value
}

func (m *Message) GetMetadata(key string) (interface{}, bool) {
	val, ok := m.metadata[key]
	return val, ok
}

func (m *Message) Metadata() map[string]interface{} {
	result := make(map[string]interface{}, len(m.metadata))
	for k, v := range m.metadata {
		result[k] = v
	}
	return result
}

// IsFromUser reports whether the message was authored by the end user.
func (m *Message) IsFromUser() bool {
	return m.role == valueobject.RoleUser
}

// IsFromAssistant reports whether the message was authored by a specialist agent.
func (m *Message) IsFromAssistant() bool {
	return m.role == valueobject.RoleAssistant
}
