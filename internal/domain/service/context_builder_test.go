package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

type fakeConvRepo struct {
	conv *entity.Conversation
}

func (r *fakeConvRepo) Save(ctx context.Context, c *entity.Conversation) error { r.conv = c; return nil }
func (r *fakeConvRepo) FindByID(ctx context.Context, id string) (*entity.Conversation, error) {
	return r.conv, nil
}
func (r *fakeConvRepo) FindByOwnerID(ctx context.Context, ownerID string, limit, offset int) ([]*entity.Conversation, error) {
	return nil, nil
}
func (r *fakeConvRepo) Delete(ctx context.Context, id string) error         { return nil }
func (r *fakeConvRepo) Exists(ctx context.Context, id string) (bool, error) { return r.conv != nil, nil }

type fakeMsgRepo struct {
	msgs []*entity.Message
}

func (r *fakeMsgRepo) Append(ctx context.Context, m *entity.Message) error {
	m.SetSeq(int64(len(r.msgs) + 1))
	r.msgs = append(r.msgs, m)
	return nil
}
func (r *fakeMsgRepo) FindByID(ctx context.Context, id string) (*entity.Message, error) { return nil, nil }
func (r *fakeMsgRepo) FindByConversationID(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, error) {
	return r.msgs, nil
}
func (r *fakeMsgRepo) FindSince(ctx context.Context, conversationID string, afterSeq int64) ([]*entity.Message, error) {
	return nil, nil
}
func (r *fakeMsgRepo) Count(ctx context.Context, conversationID string) (int64, error) {
	return int64(len(r.msgs)), nil
}

var _ repository.ConversationRepository = (*fakeConvRepo)(nil)
var _ repository.MessageRepository = (*fakeMsgRepo)(nil)

func addMessage(t *testing.T, repo *fakeMsgRepo, convID string, role valueobject.Role, content string) {
	t.Helper()
	msg, err := entity.NewMessage(fmt.Sprintf("msg-%d", len(repo.msgs)+1), convID, role, content)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := repo.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestContextBuilder_IncludesMessagesWithinBudget(t *testing.T) {
	conv, err := entity.NewConversation("conv-1", "owner-1", "")
	if err != nil {
		t.Fatal(err)
	}
	convRepo := &fakeConvRepo{conv: conv}
	msgRepo := &fakeMsgRepo{}
	addMessage(t, msgRepo, "conv-1", valueobject.RoleUser, "short question")
	addMessage(t, msgRepo, "conv-1", valueobject.RoleAssistant, "short answer")

	cfg := DefaultContextBuilderConfig("gpt-4o", valueobject.NewModelConfig("gpt-4o-mini", 256, 0))
	b := NewContextBuilder(cfg, msgRepo, convRepo, fakeTokens{}, nil, zap.NewNop())

	tierSpec := valueobject.NewTierSpec(valueobject.TierMedium, "gpt-4o", 32000, 0, 0, 0)
	window, err := b.BuildWindow(context.Background(), "conv-1", tierSpec, valueobject.AgentDocumentation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window.Messages) != 2 {
		t.Fatalf("expected both messages included, got %d", len(window.Messages))
	}
}

func TestContextBuilder_QueryTooLongIsRejectedBeforeTruncation(t *testing.T) {
	conv, err := entity.NewConversation("conv-2", "owner-1", "")
	if err != nil {
		t.Fatal(err)
	}
	convRepo := &fakeConvRepo{conv: conv}
	msgRepo := &fakeMsgRepo{}
	// The latest (and only) message alone exceeds the tiny budget below.
	addMessage(t, msgRepo, "conv-2", valueobject.RoleUser, strings.Repeat("x", 5000))

	cfg := DefaultContextBuilderConfig("gpt-4o", valueobject.NewModelConfig("gpt-4o-mini", 256, 0))
	cfg.ReserveTokens = 0
	b := NewContextBuilder(cfg, msgRepo, convRepo, fakeTokens{}, nil, zap.NewNop())

	// A tier whose whole context window (100 tokens) is smaller than the
	// query's own token count (5000 + framing overhead).
	tierSpec := valueobject.NewTierSpec(valueobject.TierSmall, "gpt-4o-mini", 100, 0, 0, 0)
	_, err = b.BuildWindow(context.Background(), "conv-2", tierSpec, valueobject.AgentDocumentation)
	if err == nil {
		t.Fatal("expected query_too_long error, got nil")
	}
	if !apperrors.IsQueryTooLong(err) {
		t.Fatalf("expected an IsQueryTooLong error, got %v", err)
	}
}

func TestContextBuilder_ShortLatestMessageNeverTriggersQueryTooLong(t *testing.T) {
	conv, err := entity.NewConversation("conv-3", "owner-1", "")
	if err != nil {
		t.Fatal(err)
	}
	convRepo := &fakeConvRepo{conv: conv}
	msgRepo := &fakeMsgRepo{}
	addMessage(t, msgRepo, "conv-3", valueobject.RoleUser, "hi")

	cfg := DefaultContextBuilderConfig("gpt-4o", valueobject.NewModelConfig("gpt-4o-mini", 256, 0))
	b := NewContextBuilder(cfg, msgRepo, convRepo, fakeTokens{}, nil, zap.NewNop())

	tierSpec := valueobject.NewTierSpec(valueobject.TierSmall, "gpt-4o-mini", 32000, 0, 0, 0)
	_, err = b.BuildWindow(context.Background(), "conv-3", tierSpec, valueobject.AgentDocumentation)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
