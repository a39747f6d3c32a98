package repository

import (
	"context"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// MessageRepository persists a Conversation's transcript. Append is the only
// write path — messages are immutable once recorded (§3 invariant I2).
type MessageRepository interface {
	// Append assigns the next server-side Seq for conversationID, inserts
	// the message, and bumps the parent Conversation's turn_count/updated_at,
	// all in one transaction.
	Append(ctx context.Context, message *entity.Message) error

	// FindByID looks up a single message.
	FindByID(ctx context.Context, id string) (*entity.Message, error)

	// FindByConversationID returns messages ordered by Seq ascending.
	FindByConversationID(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, error)

	// FindSince returns messages with Seq > afterSeq, ordered ascending —
	// used by the Context Manager to read only what changed since a cached window.
	FindSince(ctx context.Context, conversationID string, afterSeq int64) ([]*entity.Message, error)

	// Count returns the number of messages in a conversation.
	Count(ctx context.Context, conversationID string) (int64, error)
}
