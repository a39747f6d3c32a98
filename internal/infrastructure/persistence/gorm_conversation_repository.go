package persistence

import (
	"errors"

	"context"

	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// GormConversationRepository is the GORM-backed ConversationRepository.
type GormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository creates a GORM-backed conversation repository.
func NewGormConversationRepository(db *gorm.DB) repository.ConversationRepository {
	return &GormConversationRepository{db: db}
}

// Save creates or updates a conversation.
func (r *GormConversationRepository) Save(ctx context.Context, conversation *entity.Conversation) error {
	model := toConversationModel(conversation)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save conversation: " + err.Error())
	}
	return nil
}

// FindByID looks up a conversation by id.
func (r *GormConversationRepository) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	var model models.ConversationModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("conversation not found")
		}
		return nil, domainErrors.NewInternalError("failed to find conversation: " + err.Error())
	}
	return toConversationEntity(&model), nil
}

// FindByOwnerID lists a owner's conversations, most recently updated first.
func (r *GormConversationRepository) FindByOwnerID(ctx context.Context, ownerID string, limit, offset int) ([]*entity.Conversation, error) {
	var rows []models.ConversationModel
	q := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to find conversations: " + err.Error())
	}
	out := make([]*entity.Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, toConversationEntity(&rows[i]))
	}
	return out, nil
}

// Delete removes a conversation and its transcript.
func (r *GormConversationRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return domainErrors.NewInternalError("failed to delete messages: " + err.Error())
		}
		result := tx.Delete(&models.ConversationModel{}, "id = ?", id)
		if result.Error != nil {
			return domainErrors.NewInternalError("failed to delete conversation: " + result.Error.Error())
		}
		if result.RowsAffected == 0 {
			return domainErrors.NewNotFoundError("conversation not found")
		}
		return nil
	})
}

// Exists reports whether a conversation id is known.
func (r *GormConversationRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.ConversationModel{}).
		Where("id = ?", id).Count(&count).Error; err != nil {
		return false, domainErrors.NewInternalError("failed to check conversation existence: " + err.Error())
	}
	return count > 0, nil
}

func toConversationModel(c *entity.Conversation) *models.ConversationModel {
	summary, upToSeq := c.CachedSummary()
	return &models.ConversationModel{
		ID:             c.ID(),
		OwnerID:        c.OwnerID(),
		Title:          c.Title(),
		AgentHint:      c.AgentHint().String(),
		TurnCount:      c.TurnCount(),
		SummaryText:    summary,
		SummaryUpToSeq: upToSeq,
		CreatedAt:      c.CreatedAt(),
		UpdatedAt:      c.UpdatedAt(),
	}
}

func toConversationEntity(m *models.ConversationModel) *entity.Conversation {
	return entity.ReconstructConversation(
		m.ID,
		m.OwnerID,
		m.Title,
		valueobject.AgentKind(m.AgentHint),
		m.TurnCount,
		m.CreatedAt,
		m.UpdatedAt,
		m.SummaryText,
		m.SummaryUpToSeq,
	)
}
