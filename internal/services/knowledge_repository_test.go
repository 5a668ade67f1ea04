package services

import (
	"context"
	"errors"
	"testing"

	db "github.com/markdave123-py/kbchat/internal/core/database"
	"github.com/markdave123-py/kbchat/internal/models"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func knowledgeStore(t *testing.T) *db.MemoryClient {
	t.Helper()
	store := db.NewMemoryClient()
	store.SeedArticles(
		models.Article{ID: "1", Title: "Forum rules", Slug: "forum-rules", Category: "forums", Content: "Be civil in every forum."},
		models.Article{ID: "2", Title: "Event RSVP", Slug: "rsvp", Category: "events", Content: "RSVP from the event page."},
	)
	return store
}

func TestKnowledgeRepositoryVectorSearch(t *testing.T) {
	ctx := context.Background()
	store := knowledgeStore(t)
	_ = store.ReplaceArticleChunks(ctx, "1", []models.ArticleChunk{{ID: "c1", Embedding: []float32{1, 0}}})
	_ = store.ReplaceArticleChunks(ctx, "2", []models.ArticleChunk{{ID: "c2", Embedding: []float32{0, 1}}})

	repo := NewKnowledgeRepository(store, stubEmbedder{vec: []float32{1, 0.1}}, 0.5)
	got, err := repo.Search(ctx, "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Slug != "forum-rules" {
		t.Errorf("got %+v, want only forum-rules above the score floor", got)
	}
}

func TestKnowledgeRepositoryFallsBackToText(t *testing.T) {
	ctx := context.Background()
	store := knowledgeStore(t)

	// Embedding outage.
	repo := NewKnowledgeRepository(store, stubEmbedder{err: errors.New("quota")}, 0.5)
	got, err := repo.Search(ctx, "forum rules", 5)
	if err != nil || len(got) == 0 || got[0].Slug != "forum-rules" {
		t.Errorf("embedding failure fallback = %+v, %v", got, err)
	}

	// Nothing indexed yet.
	repo = NewKnowledgeRepository(store, stubEmbedder{vec: []float32{1, 0}}, 0.5)
	got, _ = repo.Search(ctx, "rsvp", 5)
	if len(got) != 1 || got[0].Slug != "rsvp" {
		t.Errorf("unindexed fallback = %+v", got)
	}

	// No embedder at all.
	repo = NewKnowledgeRepository(store, nil, 0)
	if got, _ = repo.Search(ctx, "weather tomorrow", 5); len(got) != 0 {
		t.Errorf("unrelated query matched %+v", got)
	}
}

func TestKnowledgeRepositoryCategories(t *testing.T) {
	repo := NewKnowledgeRepository(knowledgeStore(t), nil, 0)
	cats, _ := repo.Categories(context.Background())
	if len(cats) != 2 {
		t.Errorf("categories = %+v", cats)
	}
	arts, _ := repo.ByCategory(context.Background(), "events", 5)
	if len(arts) != 1 || arts[0].Slug != "rsvp" {
		t.Errorf("ByCategory = %+v", arts)
	}
}
