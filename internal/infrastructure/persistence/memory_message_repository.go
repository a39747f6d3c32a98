package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// MemoryMessageRepository 内存实现的消息仓储（用于开发/测试）
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[string]*entity.Message
	// 会话ID到消息ID列表的映射，按 append 顺序（等价于 seq 顺序）
	convMessages map[string][]string
	convs        repository.ConversationRepository
}

// NewMemoryMessageRepository 创建内存消息仓储。convs may be nil in tests that
// don't exercise the Conversation turn_count side effect.
func NewMemoryMessageRepository(convs repository.ConversationRepository) repository.MessageRepository {
	return &MemoryMessageRepository{
		messages:     make(map[string]*entity.Message),
		convMessages: make(map[string][]string),
		convs:        convs,
	}
}

// Append assigns the next server-side Seq, inserts the message, and bumps
// the parent Conversation's turn_count/updated_at.
func (r *MemoryMessageRepository) Append(ctx context.Context, message *entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID := message.ConversationID()
	ids := r.convMessages[convID]
	message.SetSeq(int64(len(ids) + 1))

	r.messages[message.ID()] = message
	r.convMessages[convID] = append(ids, message.ID())

	if r.convs != nil {
		if conv, err := r.convs.FindByID(ctx, convID); err == nil {
			conv.RecordTurn(message.Timestamp())
			_ = r.convs.Save(ctx, conv)
		}
	}
	return nil
}

// FindByID 根据ID查找消息
func (r *MemoryMessageRepository) FindByID(ctx context.Context, id string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	message, ok := r.messages[id]
	if !ok {
		return nil, errors.NewNotFoundError("message not found")
	}
	return message, nil
}

// FindByConversationID 根据会话ID查找消息列表，按 seq 升序
func (r *MemoryMessageRepository) FindByConversationID(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages := r.sortedMessages(conversationID)
	total := len(messages)
	if offset >= total {
		return []*entity.Message{}, nil
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return messages[offset:end], nil
}

// FindSince returns messages with Seq > afterSeq, ordered ascending.
func (r *MemoryMessageRepository) FindSince(ctx context.Context, conversationID string, afterSeq int64) ([]*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entity.Message, 0)
	for _, msg := range r.sortedMessages(conversationID) {
		if msg.Seq() > afterSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Count 统计会话中的消息数量
func (r *MemoryMessageRepository) Count(ctx context.Context, conversationID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messageIDs, ok := r.convMessages[conversationID]
	if !ok {
		return 0, nil
	}
	return int64(len(messageIDs)), nil
}

func (r *MemoryMessageRepository) sortedMessages(conversationID string) []*entity.Message {
	messageIDs, ok := r.convMessages[conversationID]
	if !ok {
		return []*entity.Message{}
	}
	out := make([]*entity.Message, 0, len(messageIDs))
	for _, id := range messageIDs {
		if msg, ok := r.messages[id]; ok {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })
	return out
}
