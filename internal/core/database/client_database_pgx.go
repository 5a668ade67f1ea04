package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/kbchat/internal/config"
	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN pins TLS verification to the given root cert when one is configured.
func buildDSN(rawURL, certPath string) (string, error) {
	if certPath == "" {
		return rawURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Chat sessions

func (c *DatabaseClient) CreateChatSession(ctx context.Context, s *models.ChatSession) error {
	if s == nil {
		return errors.New("nil session")
	}
	const q = `
		INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := c.db.ExecContext(ctx, q, s.ID, s.UserID, s.Title, s.CreatedAt, s.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetChatSession(ctx context.Context, id string) (*models.ChatSession, error) {
	const q = `
		SELECT id, user_id, title, created_at, updated_at
		FROM chat_sessions WHERE id = $1
	`
	var s models.ChatSession
	err := c.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *DatabaseClient) ListChatSessionsByUser(ctx context.Context, userID string) ([]models.ChatSession, error) {
	const q = `
		SELECT id, user_id, title, created_at, updated_at
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC, id
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ChatSession{}
	for rows.Next() {
		var s models.ChatSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) TouchChatSession(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE chat_sessions SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`
	return c.execOne(ctx, q, "session", id, at)
}

func (c *DatabaseClient) RenameChatSession(ctx context.Context, id, title string) error {
	const q = `UPDATE chat_sessions SET title = $2 WHERE id = $1`
	return c.execOne(ctx, q, "session", id, title)
}

// DeleteChatSession relies on ON DELETE CASCADE to drop the session's messages.
func (c *DatabaseClient) DeleteChatSession(ctx context.Context, id string) error {
	const q = `DELETE FROM chat_sessions WHERE id = $1`
	return c.execOne(ctx, q, "session", id)
}

// Chat messages

// AddChatMessage inserts the message and bumps the session in one transaction.
func (c *DatabaseClient) AddChatMessage(ctx context.Context, m *models.ChatMessage) error {
	if m == nil {
		return errors.New("nil message")
	}
	sources := m.Sources
	if sources == nil {
		sources = []models.ArticleSource{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const insert = `
		INSERT INTO chat_messages (id, session_id, user_id, role, content, sources, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, insert,
		m.ID, m.SessionID, m.UserID, m.Role, m.Content, string(raw), m.CreatedAt); err != nil {
		_ = tx.Rollback()
		return err
	}

	const touch = `UPDATE chat_sessions SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, m.SessionID, m.CreatedAt); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *DatabaseClient) GetMessagesBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	const q = `
		SELECT id, session_id, user_id, role, content, sources, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := c.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ChatMessage{}
	for rows.Next() {
		var (
			m   models.ChatMessage
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Sources = []models.ArticleSource{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Knowledge base

const articleColumns = `a.id, a.title, a.slug, a.category, a.content, a.storage_key, a.content_type, a.index_status, a.updated_at`

func scanArticle(scan func(dest ...any) error, extra ...any) (models.Article, error) {
	var a models.Article
	dest := append([]any{
		&a.ID, &a.Title, &a.Slug, &a.Category, &a.Content,
		&a.StorageKey, &a.ContentType, &a.IndexStatus, &a.UpdatedAt,
	}, extra...)
	err := scan(dest...)
	return a, err
}

func (c *DatabaseClient) GetArticleBySlug(ctx context.Context, slug string) (*models.Article, error) {
	q := `SELECT ` + articleColumns + ` FROM articles a WHERE a.slug = $1`
	a, err := scanArticle(c.db.QueryRowContext(ctx, q, slug).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SearchArticles ranks articles by their best-matching chunk under cosine distance.
func (c *DatabaseClient) SearchArticles(ctx context.Context, queryVec []float32, limit int) ([]models.Article, error) {
	q := `
		SELECT ` + articleColumns + `, best.score
		FROM (
			SELECT DISTINCT ON (ch.article_id) ch.article_id, 1 - (ch.embedding <=> $1) AS score
			FROM article_chunks ch
			ORDER BY ch.article_id, ch.embedding <=> $1
		) best
		JOIN articles a ON a.id = best.article_id
		ORDER BY best.score DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScoredArticles(rows)
}

// SearchArticlesByText is the keyword fallback used when no query embedding is available.
func (c *DatabaseClient) SearchArticlesByText(ctx context.Context, query string, limit int) ([]models.Article, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return []models.Article{}, nil
	}
	q := `
		SELECT ` + articleColumns + `, ts_rank(doc, tsq) AS score
		FROM articles a,
			to_tsvector('english', a.title || ' ' || a.content) doc,
			to_tsquery('english', $1) tsq
		WHERE doc @@ tsq
		ORDER BY score DESC, a.title
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, strings.Join(terms, " | "), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScoredArticles(rows)
}

func collectScoredArticles(rows *sql.Rows) ([]models.Article, error) {
	out := []models.Article{}
	for rows.Next() {
		var score float64
		a, err := scanArticle(rows.Scan, &score)
		if err != nil {
			return nil, err
		}
		a.Score = score
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListArticlesByCategory(ctx context.Context, category string, limit int) ([]models.Article, error) {
	q := `
		SELECT ` + articleColumns + `
		FROM articles a
		WHERE lower(a.category) = lower($1)
		ORDER BY a.updated_at DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Article{}
	for rows.Next() {
		a, err := scanArticle(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) ListCategories(ctx context.Context) ([]models.Category, error) {
	const q = `
		SELECT category, COUNT(*)
		FROM articles
		GROUP BY category
		ORDER BY COUNT(*) DESC, category
	`
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Category{}
	for rows.Next() {
		var cat models.Category
		if err := rows.Scan(&cat.Name, &cat.Count); err != nil {
			return nil, err
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateArticleSource(ctx context.Context, articleID, storageKey, contentType string) error {
	const q = `
		UPDATE articles
		SET storage_key = $2, content_type = $3, index_status = 'pending', updated_at = now()
		WHERE id = $1
	`
	return c.execOne(ctx, q, "article", articleID, storageKey, contentType)
}

func (c *DatabaseClient) UpdateArticleIndexStatus(ctx context.Context, articleID, status string) error {
	const q = `
		UPDATE articles
		SET index_status = $2, updated_at = now()
		WHERE id = $1
	`
	return c.execOne(ctx, q, "article", articleID, status)
}

// ReplaceArticleChunks swaps the article's chunk set in a single transaction.
func (c *DatabaseClient) ReplaceArticleChunks(ctx context.Context, articleID string, chunks []models.ArticleChunk) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_chunks WHERE article_id = $1`, articleID); err != nil {
		_ = tx.Rollback()
		return err
	}

	const q = `
		INSERT INTO article_chunks
			(id, article_id, position, text, embedding, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		var createdAt any
		if !ch.CreatedAt.IsZero() {
			createdAt = ch.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, articleID, ch.Position, ch.Text, pgvector.NewVector(ch.Embedding), ch.TokenCount, createdAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// execOne runs a single-row write and maps zero affected rows to a not-found error.
func (c *DatabaseClient) execOne(ctx context.Context, q, kind, id string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
