package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/kbchat/internal/models"
)

// MemoryClient is an in-process DbClient for local runs and tests. It keeps
// the same semantics as the Postgres client, cascade deletes included.
type MemoryClient struct {
	mu       sync.RWMutex
	sessions map[string]models.ChatSession
	messages map[string][]models.ChatMessage // sessionID -> messages in insertion order
	articles map[string]models.Article       // id -> article
	chunks   map[string][]models.ArticleChunk
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		sessions: make(map[string]models.ChatSession),
		messages: make(map[string][]models.ChatMessage),
		articles: make(map[string]models.Article),
		chunks:   make(map[string][]models.ArticleChunk),
	}
}

func (m *MemoryClient) Close() error { return nil }

// SeedArticles inserts or replaces knowledge-base articles by id.
func (m *MemoryClient) SeedArticles(articles ...models.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range articles {
		if a.Category == "" {
			a.Category = "general"
		}
		if a.IndexStatus == "" {
			a.IndexStatus = "pending"
		}
		a.Score = 0
		m.articles[a.ID] = a
	}
}

func (m *MemoryClient) CreateChatSession(_ context.Context, s *models.ChatSession) error {
	if s == nil {
		return errors.New("nil session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("session already exists: %s", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryClient) GetChatSession(_ context.Context, id string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryClient) ListChatSessionsByUser(_ context.Context, userID string) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ChatSession{}
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryClient) TouchChatSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	if at.After(s.UpdatedAt) {
		s.UpdatedAt = at
		m.sessions[id] = s
	}
	return nil
}

func (m *MemoryClient) RenameChatSession(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	s.Title = title
	m.sessions[id] = s
	return nil
}

func (m *MemoryClient) DeleteChatSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryClient) AddChatMessage(_ context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		// Mirrors the foreign key on chat_messages.session_id.
		return fmt.Errorf("session not found: %s", msg.SessionID)
	}

	stored := *msg
	stored.Sources = append([]models.ArticleSource{}, msg.Sources...)
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], stored)

	if msg.CreatedAt.After(s.UpdatedAt) {
		s.UpdatedAt = msg.CreatedAt
		m.sessions[s.ID] = s
	}
	return nil
}

func (m *MemoryClient) GetMessagesBySession(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[sessionID]
	out := make([]models.ChatMessage, len(src))
	for i, msg := range src {
		msg.Sources = append([]models.ArticleSource{}, msg.Sources...)
		out[i] = msg
	}
	// Stable: equal timestamps keep insertion order, like the seq column.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryClient) GetArticleBySlug(_ context.Context, slug string) (*models.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.articles {
		if a.Slug == slug {
			return &a, nil
		}
	}
	return nil, nil
}

func (m *MemoryClient) SearchArticles(_ context.Context, queryVec []float32, limit int) ([]models.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scored []models.Article
	for articleID, chunks := range m.chunks {
		a, ok := m.articles[articleID]
		if !ok || len(chunks) == 0 {
			continue
		}
		best := math.Inf(-1)
		for _, ch := range chunks {
			if s := cosineSimilarity(queryVec, ch.Embedding); s > best {
				best = s
			}
		}
		a.Score = best
		scored = append(scored, a)
	}
	return topArticles(scored, limit), nil
}

func (m *MemoryClient) SearchArticlesByText(_ context.Context, query string, limit int) ([]models.Article, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return []models.Article{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var scored []models.Article
	for _, a := range m.articles {
		title := strings.ToLower(a.Title)
		body := strings.ToLower(a.Content)
		var score float64
		for _, t := range terms {
			if strings.Contains(title, t) {
				score += 2
			}
			if strings.Contains(body, t) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		a.Score = score / float64(3*len(terms))
		scored = append(scored, a)
	}
	return topArticles(scored, limit), nil
}

func (m *MemoryClient) ListArticlesByCategory(_ context.Context, category string, limit int) ([]models.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Article{}
	for _, a := range m.articles {
		if strings.EqualFold(a.Category, category) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Slug < out[j].Slug
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryClient) ListCategories(_ context.Context) ([]models.Category, error) {
	m.mu.RLock()
	counts := make(map[string]int)
	for _, a := range m.articles {
		counts[a.Category]++
	}
	m.mu.RUnlock()

	out := make([]models.Category, 0, len(counts))
	for name, n := range counts {
		out = append(out, models.Category{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryClient) UpdateArticleSource(_ context.Context, articleID, storageKey, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return fmt.Errorf("article not found: %s", articleID)
	}
	a.StorageKey = storageKey
	a.ContentType = contentType
	a.IndexStatus = "pending"
	a.UpdatedAt = time.Now().UTC()
	m.articles[articleID] = a
	return nil
}

func (m *MemoryClient) UpdateArticleIndexStatus(_ context.Context, articleID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return fmt.Errorf("article not found: %s", articleID)
	}
	a.IndexStatus = status
	a.UpdatedAt = time.Now().UTC()
	m.articles[articleID] = a
	return nil
}

func (m *MemoryClient) ReplaceArticleChunks(_ context.Context, articleID string, chunks []models.ArticleChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.articles[articleID]; !ok {
		return fmt.Errorf("article not found: %s", articleID)
	}
	stored := make([]models.ArticleChunk, len(chunks))
	copy(stored, chunks)
	for i := range stored {
		stored[i].ArticleID = articleID
	}
	m.chunks[articleID] = stored
	return nil
}

// Chunks returns a copy of the article's stored chunks.
func (m *MemoryClient) Chunks(articleID string) []models.ArticleChunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ArticleChunk(nil), m.chunks[articleID]...)
}

func topArticles(scored []models.Article, limit int) []models.Article {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Slug < scored[j].Slug
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	if scored == nil {
		return []models.Article{}
	}
	return scored
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
