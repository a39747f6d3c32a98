package repository

import (
	"context"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// ConversationRepository persists Conversation aggregates.
type ConversationRepository interface {
	Save(ctx context.Context, conversation *entity.Conversation) error
	FindByID(ctx context.Context, id string) (*entity.Conversation, error)
	FindByOwnerID(ctx context.Context, ownerID string, limit, offset int) ([]*entity.Conversation, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}
