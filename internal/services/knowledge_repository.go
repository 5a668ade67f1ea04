package services

import (
	"context"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/models"
)

// KnowledgeRepository is the content repository over the knowledge store.
// Free-text search is semantic when an embedder is configured, keyword based otherwise.
type KnowledgeRepository struct {
	store    core.KnowledgeStore
	embedder core.EmbeddingProvider
	minScore float64
}

// NewKnowledgeRepository builds the repository. embedder may be nil.
// Vector hits scoring below minScore are dropped.
func NewKnowledgeRepository(store core.KnowledgeStore, embedder core.EmbeddingProvider, minScore float64) *KnowledgeRepository {
	return &KnowledgeRepository{store: store, embedder: embedder, minScore: minScore}
}

func (r *KnowledgeRepository) Search(ctx context.Context, query string, limit int) ([]models.Article, error) {
	if r.embedder != nil {
		articles, ok, err := r.searchByVector(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		if ok {
			return articles, nil
		}
	}
	return r.store.SearchArticlesByText(ctx, query, limit)
}

// searchByVector reports ok=false when the caller should fall back to text
// search: the embedding failed or nothing has been indexed yet.
func (r *KnowledgeRepository) searchByVector(ctx context.Context, query string, limit int) ([]models.Article, bool, error) {
	vecs, err := r.embedder.EmbedTexts(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		logging.Ctx(ctx).Warn().Err(err).Msg("query embedding failed, falling back to text search")
		return nil, false, nil
	}

	hits, err := r.store.SearchArticles(ctx, vecs[0], limit)
	if err != nil {
		return nil, false, err
	}
	if len(hits) == 0 {
		return nil, false, nil
	}

	out := make([]models.Article, 0, len(hits))
	for _, a := range hits {
		if a.Score >= r.minScore {
			out = append(out, a)
		}
	}
	return out, true, nil
}

func (r *KnowledgeRepository) ByCategory(ctx context.Context, category string, limit int) ([]models.Article, error) {
	return r.store.ListArticlesByCategory(ctx, category, limit)
}

func (r *KnowledgeRepository) Categories(ctx context.Context) ([]models.Category, error) {
	return r.store.ListCategories(ctx)
}

var _ core.ContentRepository = (*KnowledgeRepository)(nil)
