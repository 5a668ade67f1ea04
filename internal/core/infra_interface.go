package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/kbchat/internal/models"
)

// ChatStore persists sessions and their append-only messages.
// Get* methods return (nil, nil) when the row does not exist.
type ChatStore interface {
	CreateChatSession(ctx context.Context, session *models.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListChatSessionsByUser(ctx context.Context, userID string) ([]models.ChatSession, error)
	TouchChatSession(ctx context.Context, id string, at time.Time) error
	RenameChatSession(ctx context.Context, id, title string) error
	// DeleteChatSession removes the session and cascades to its messages.
	DeleteChatSession(ctx context.Context, id string) error

	// AddChatMessage appends a message and bumps the session's updated_at.
	AddChatMessage(ctx context.Context, message *models.ChatMessage) error
	GetMessagesBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

// KnowledgeStore holds the knowledge-base articles and their embedded chunks.
type KnowledgeStore interface {
	GetArticleBySlug(ctx context.Context, slug string) (*models.Article, error)
	SearchArticles(ctx context.Context, queryVec []float32, limit int) ([]models.Article, error)
	SearchArticlesByText(ctx context.Context, query string, limit int) ([]models.Article, error)
	ListArticlesByCategory(ctx context.Context, category string, limit int) ([]models.Article, error)
	ListCategories(ctx context.Context) ([]models.Category, error)

	// UpdateArticleSource points the article at a new raw body in object storage.
	UpdateArticleSource(ctx context.Context, articleID, storageKey, contentType string) error
	UpdateArticleIndexStatus(ctx context.Context, articleID, status string) error
	ReplaceArticleChunks(ctx context.Context, articleID string, chunks []models.ArticleChunk) error
}

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	ChatStore
	KnowledgeStore
	Close() error
}

// ContentRepository answers knowledge-base lookups by free text or category.
type ContentRepository interface {
	Search(ctx context.Context, query string, limit int) ([]models.Article, error)
	ByCategory(ctx context.Context, category string, limit int) ([]models.Article, error)
	Categories(ctx context.Context) ([]models.Category, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
