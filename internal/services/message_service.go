package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

// MessageService appends to and reads the per-session message log.
// Callers verify session ownership first.
type MessageService struct {
	db  core.ChatStore
	now func() time.Time
}

func NewMessageService(db core.ChatStore) *MessageService {
	return &MessageService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SaveMessage appends one message. Sources are copied; nil becomes empty.
func (s *MessageService) SaveMessage(ctx context.Context, sessionID, userID, role, content string, sources []models.ArticleSource) (*models.ChatMessage, error) {
	if role != models.RoleUser && role != models.RoleAssistant {
		return nil, &core.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}

	msg := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Sources:   append([]models.ArticleSource{}, sources...),
		CreatedAt: s.now(),
	}
	if err := s.db.AddChatMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save %s message: %w", role, err)
	}
	return msg, nil
}

// GetMessages returns the session's messages in ascending creation order.
func (s *MessageService) GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	msgs, err := s.db.GetMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// RecentMessages returns at most limit of the newest messages, still ascending.
// A non-positive limit returns everything.
func (s *MessageService) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	msgs, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
