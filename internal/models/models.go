package models

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSessionTitle is given to sessions created without an explicit title.
const DefaultSessionTitle = "New Conversation"

// ChatSession is one conversation thread, owned by exactly one user.
type ChatSession struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ChatMessage represents an individual chat message (user or assistant).
// Rows are append-only.
type ChatMessage struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	UserID    string          `db:"user_id" json:"userId"`
	Role      string          `db:"role" json:"role"`       // "user" or "assistant"
	Content   string          `db:"content" json:"content"` // message text
	Sources   []ArticleSource `db:"sources" json:"sources"` // jsonb column
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// ArticleSource is a citation snapshot taken when the answer was produced.
// It is copied, not referenced, so later article edits do not change it.
type ArticleSource struct {
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Category string `json:"category"`
}

// Article is a knowledge-base entry. Score is only set on search results.
type Article struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Slug        string    `db:"slug" json:"slug"`
	Category    string    `db:"category" json:"category"`
	Content     string    `db:"content" json:"content"`
	StorageKey  string    `db:"storage_key" json:"storageKey,omitempty"` // S3 key of the raw body
	ContentType string    `db:"content_type" json:"contentType,omitempty"`
	IndexStatus string    `db:"index_status" json:"indexStatus,omitempty"` // pending | indexing | ready | failed
	Score       float64   `json:"score,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Source converts the article into a citation snapshot.
func (a Article) Source() ArticleSource {
	return ArticleSource{Title: a.Title, Slug: a.Slug, Category: a.Category}
}

// ArticleChunk represents one embedded text chunk of an article.
type ArticleChunk struct {
	ID         string    `db:"id" json:"id"`
	ArticleID  string    `db:"article_id" json:"articleId"`
	Text       string    `db:"text" json:"text"`
	Embedding  []float32 `db:"embedding" json:"-"` // pgvector column
	Position   int       `db:"position" json:"position"`
	TokenCount int       `db:"token_count" json:"tokenCount"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Category is a knowledge-base category with its article count.
type Category struct {
	Name  string `db:"name" json:"name"`
	Count int    `db:"count" json:"count"`
}
