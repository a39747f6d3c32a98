package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// MemoryConversationRepository is an in-memory ConversationRepository for
// development and tests.
type MemoryConversationRepository struct {
	mu    sync.RWMutex
	convs map[string]*entity.Conversation
}

// NewMemoryConversationRepository creates an in-memory conversation repository.
func NewMemoryConversationRepository() repository.ConversationRepository {
	return &MemoryConversationRepository{
		convs: make(map[string]*entity.Conversation),
	}
}

// Save creates or updates a conversation.
func (r *MemoryConversationRepository) Save(ctx context.Context, conversation *entity.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conversation.ID()] = conversation
	return nil
}

// FindByID looks up a conversation by id.
func (r *MemoryConversationRepository) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, errors.NewNotFoundError("conversation not found")
	}
	return c, nil
}

// FindByOwnerID lists a owner's conversations, most recently updated first.
func (r *MemoryConversationRepository) FindByOwnerID(ctx context.Context, ownerID string, limit, offset int) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*entity.Conversation, 0)
	for _, c := range r.convs {
		if c.OwnerID() == ownerID {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UpdatedAt().After(matches[j].UpdatedAt()) })

	total := len(matches)
	if offset >= total {
		return []*entity.Conversation{}, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matches[offset:end], nil
}

// Delete removes a conversation.
func (r *MemoryConversationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[id]; !ok {
		return errors.NewNotFoundError("conversation not found")
	}
	delete(r.convs, id)
	return nil
}

// Exists reports whether a conversation id is known.
func (r *MemoryConversationRepository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.convs[id]
	return ok, nil
}
