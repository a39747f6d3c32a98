package entity

import "time"

// Session is one authenticated WebSocket subscription to a Conversation's
// real-time event stream (§4.F). Its lifecycle is owned by the Session Hub —
// this type is the durable-shaped record of it, used for authorization
// re-checks and for the operator CLI's session listings.
type Session struct {
	id             string
	conversationID string
	userID         string
	subscribedAt   time.Time
}

// NewSession creates a session subscription record.
func NewSession(id, conversationID, userID string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if userID == "" {
		return nil, ErrInvalidOwnerID
	}
	return &Session{
		id:             id,
		conversationID: conversationID,
		userID:         userID,
		subscribedAt:   time.Now().UTC(),
	}, nil
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) UserID() string         { return s.userID }
func (s *Session) SubscribedAt() time.Time { return s.subscribedAt }
