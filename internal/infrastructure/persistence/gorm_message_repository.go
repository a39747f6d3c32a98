package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// GormMessageRepository GORM 实现的消息仓储
type GormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建 GORM 消息仓储
func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &GormMessageRepository{
		db: db,
	}
}

// Append assigns the next server-side Seq for the message's conversation,
// inserts it, and bumps the parent Conversation's turn_count/updated_at, all
// within a single transaction (§3 invariant I1, I2).
func (r *GormMessageRepository) Append(ctx context.Context, message *entity.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&models.MessageModel{}).
			Where("conversation_id = ?", message.ConversationID()).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return domainErrors.NewPersistFailedError("failed to read max seq", err)
		}
		message.SetSeq(maxSeq + 1)

		model, err := r.toModel(message)
		if err != nil {
			return domainErrors.NewPersistFailedError("failed to encode message", err)
		}
		if err := tx.Create(model).Error; err != nil {
			return domainErrors.NewPersistFailedError("failed to insert message", err)
		}

		if err := tx.Model(&models.ConversationModel{}).
			Where("id = ?", message.ConversationID()).
			Updates(map[string]interface{}{
				"turn_count": gorm.Expr("turn_count + 1"),
				"updated_at": message.Timestamp(),
			}).Error; err != nil {
			return domainErrors.NewPersistFailedError("failed to bump conversation turn count", err)
		}
		return nil
	})
}

// FindByID 根据ID查找消息
func (r *GormMessageRepository) FindByID(ctx context.Context, id string) (*entity.Message, error) {
	var model models.MessageModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("message not found")
		}
		return nil, domainErrors.NewInternalError("failed to find message: " + err.Error())
	}

	return r.toEntity(&model)
}

// FindByConversationID 根据会话ID查找消息列表，按 seq 升序
func (r *GormMessageRepository) FindByConversationID(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, error) {
	var rows []models.MessageModel
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to find messages: " + err.Error())
	}
	return r.toEntities(rows)
}

// FindSince returns messages with Seq > afterSeq, ordered ascending — used
// by the Context Manager to read only what changed since a cached window.
func (r *GormMessageRepository) FindSince(ctx context.Context, conversationID string, afterSeq int64) ([]*entity.Message, error) {
	var rows []models.MessageModel
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).
		Order("seq asc").
		Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to find messages since seq: " + err.Error())
	}
	return r.toEntities(rows)
}

// Count 统计会话中的消息数量
func (r *GormMessageRepository) Count(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.MessageModel{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error

	if err != nil {
		return 0, domainErrors.NewInternalError("failed to count messages: " + err.Error())
	}
	return count, nil
}

// 转换方法

func (r *GormMessageRepository) toModel(message *entity.Message) (*models.MessageModel, error) {
	metadataBytes, err := json.Marshal(message.Metadata())
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to marshal metadata: " + err.Error())
	}

	return &models.MessageModel{
		ID:             message.ID(),
		ConversationID: message.ConversationID(),
		Seq:            message.Seq(),
		Role:           message.Role().String(),
		Content:        message.Content(),
		AgentType:      message.AgentType().String(),
		TierUsed:       message.TierUsed().String(),
		TokensIn:       message.TokensIn(),
		TokensOut:      message.TokensOut(),
		CreatedAt:      message.Timestamp(),
		Metadata:       string(metadataBytes),
	}, nil
}

func (r *GormMessageRepository) toEntity(model *models.MessageModel) (*entity.Message, error) {
	var metadata map[string]interface{}
	if model.Metadata != "" {
		if err := json.Unmarshal([]byte(model.Metadata), &metadata); err != nil {
			metadata = make(map[string]interface{})
		}
	}

	return entity.ReconstructMessage(
		model.ID,
		model.ConversationID,
		model.Seq,
		valueobject.Role(model.Role),
		model.Content,
		valueobject.AgentKind(model.AgentType),
		valueobject.Tier(model.TierUsed),
		model.TokensIn,
		model.TokensOut,
		model.CreatedAt,
		metadata,
	), nil
}

func (r *GormMessageRepository) toEntities(rows []models.MessageModel) ([]*entity.Message, error) {
	out := make([]*entity.Message, 0, len(rows))
	for i := range rows {
		msg, err := r.toEntity(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
