package logging

import (
	"context"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	sessionIDKey contextKey = "session_id"
	scopeKey     contextKey = "request_scope"
)

// requestScope carries ids learned deeper in the handler chain back to
// middleware mounted before it, such as the request logger.
type requestScope struct {
	mu     sync.Mutex
	userID string
}

// WithRequestScope opens a scope that later ContextWithUserID calls on
// derived contexts report into. Ctx on ctx itself then sees those ids.
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey, &requestScope{})
}

// ContextWithUserID records the authenticated user for log enrichment and handlers.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if s, ok := ctx.Value(scopeKey).(*requestScope); ok {
		s.mu.Lock()
		s.userID = userID
		s.mu.Unlock()
	}
	return context.WithValue(ctx, userIDKey, userID)
}

func scopedUserID(ctx context.Context) string {
	s, ok := ctx.Value(scopeKey).(*requestScope)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// UserIDFromContext returns the authenticated user id, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithSessionID records the chat session a request operates on.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// Ctx returns the global logger enriched with the request, user and session ids found in ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	lc := Logger().With()
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		lc = lc.Str("request_id", reqID)
	}
	userID := UserIDFromContext(ctx)
	if userID == "" {
		userID = scopedUserID(ctx)
	}
	if userID != "" {
		lc = lc.Str("user_id", userID)
	}
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok && sessionID != "" {
		lc = lc.Str("session_id", sessionID)
	}
	l := lc.Logger()
	return &l
}
