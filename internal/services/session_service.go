package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

const (
	maxTitleRunes     = 60
	maxExplicitTitle  = 200
	titleEllipsis     = "…"
	minTitleWordBreak = 20
)

// SessionService owns conversation sessions and enforces that a user only
// ever reaches their own.
type SessionService struct {
	db  core.ChatStore
	now func() time.Time
}

func NewSessionService(db core.ChatStore) *SessionService {
	return &SessionService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSession starts an empty conversation. A blank title becomes the default.
func (s *SessionService) CreateSession(ctx context.Context, userID, title string) (*models.ChatSession, error) {
	if userID == "" {
		return nil, core.ErrUnauthenticated
	}
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		title = models.DefaultSessionTitle
	}
	if utf8.RuneCountInString(title) > maxExplicitTitle {
		return nil, &core.ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", maxExplicitTitle)}
	}

	now := s.now()
	session := &models.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateChatSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession returns the session if it exists and belongs to userID.
func (s *SessionService) GetSession(ctx context.Context, id, userID string) (*models.ChatSession, error) {
	session, err := s.db.GetChatSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil, core.ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, core.ErrSessionPermission
	}
	return session, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (s *SessionService) ListSessions(ctx context.Context, userID string) ([]models.ChatSession, error) {
	sessions, err := s.db.ListChatSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *SessionService) TouchSession(ctx context.Context, id, userID string) error {
	if _, err := s.GetSession(ctx, id, userID); err != nil {
		return err
	}
	if err := s.db.TouchChatSession(ctx, id, s.now()); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and, through the store, all its messages.
func (s *SessionService) DeleteSession(ctx context.Context, id, userID string) error {
	if _, err := s.GetSession(ctx, id, userID); err != nil {
		return err
	}
	if err := s.db.DeleteChatSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// TitleFromFirstMessage renames a still-default session after the opening
// message. It reports whether the title changed.
func (s *SessionService) TitleFromFirstMessage(ctx context.Context, session *models.ChatSession, message string) (bool, error) {
	if session.Title != models.DefaultSessionTitle {
		return false, nil
	}
	title := sessionTitle(message)
	if title == "" {
		return false, nil
	}
	if err := s.db.RenameChatSession(ctx, session.ID, title); err != nil {
		return false, fmt.Errorf("rename session: %w", err)
	}
	session.Title = title
	return true, nil
}

// sessionTitle shortens message to a single line of at most maxTitleRunes,
// preferring to cut at a word boundary.
func sessionTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) <= maxTitleRunes {
		return title
	}

	cut := maxTitleRunes - utf8.RuneCountInString(titleEllipsis)
	head := runes[:cut]
	for i := len(head) - 1; i >= minTitleWordBreak; i-- {
		if head[i] == ' ' {
			head = head[:i]
			break
		}
	}
	return strings.TrimRight(string(head), " ,.;:-") + titleEllipsis
}
