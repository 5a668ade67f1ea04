package services

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/core/cache"
	"github.com/markdave123-py/kbchat/internal/models"
)

const (
	retrievalNamespace = "retrieval"
	categoryNamespace  = "category"
	categoriesKey      = "categories:all"
)

var (
	retrievalKeys = regexp.MustCompile(`^retrieval:`)
	categoryKeys  = regexp.MustCompile(`^category:`)
)

// RetrievalConfig tunes the retrieval orchestrator.
type RetrievalConfig struct {
	Limit        int
	TTL          time.Duration
	CategoryTTL  time.Duration
	FetchTimeout time.Duration
}

// RetrievalService fronts the content repository with a TTL cache and
// per-key request deduplication.
type RetrievalService struct {
	repo       core.ContentRepository
	articles   *cache.Cache[[]models.Article]
	categories *cache.Cache[[]models.Category]
	articleDd  *cache.Deduplicator[[]models.Article]
	categoryDd *cache.Deduplicator[[]models.Category]
	cfg        RetrievalConfig
}

// NewRetrievalService wires the caches. The caller owns their lifecycle.
func NewRetrievalService(repo core.ContentRepository, articles *cache.Cache[[]models.Article], categories *cache.Cache[[]models.Category], cfg RetrievalConfig) *RetrievalService {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.CategoryTTL <= 0 {
		cfg.CategoryTTL = 30 * time.Minute
	}
	return &RetrievalService{
		repo:       repo,
		articles:   articles,
		categories: categories,
		articleDd:  cache.NewDeduplicator[[]models.Article]("retrieval", cfg.FetchTimeout),
		categoryDd: cache.NewDeduplicator[[]models.Category]("categories", cfg.FetchTimeout),
		cfg:        cfg,
	}
}

// RetrieveRelevantArticles returns the ranked candidates for query. Queries
// that normalize to the same text share one cache entry and one in-flight lookup.
func (s *RetrievalService) RetrieveRelevantArticles(ctx context.Context, query string) ([]models.Article, error) {
	norm := normalizeQuery(query)
	if norm == "" {
		return []models.Article{}, nil
	}

	key := cache.GenerateKey(retrievalNamespace, struct {
		Query string `json:"q"`
		Limit int    `json:"l"`
	}{norm, s.cfg.Limit})

	articles, err := cache.GetOrFetch(ctx, s.articles, s.articleDd, key, s.cfg.TTL,
		func(ctx context.Context) ([]models.Article, error) {
			return s.repo.Search(ctx, norm, s.cfg.Limit)
		})
	if err != nil {
		return nil, err
	}
	return cloneArticles(articles), nil
}

// ArticlesByCategory lists up to limit articles of one category.
func (s *RetrievalService) ArticlesByCategory(ctx context.Context, category string, limit int) ([]models.Article, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return []models.Article{}, nil
	}
	if limit <= 0 {
		limit = s.cfg.Limit
	}

	key := cache.GenerateKey(categoryNamespace, struct {
		Category string `json:"c"`
		Limit    int    `json:"l"`
	}{strings.ToLower(category), limit})

	articles, err := cache.GetOrFetch(ctx, s.articles, s.articleDd, key, s.cfg.CategoryTTL,
		func(ctx context.Context) ([]models.Article, error) {
			return s.repo.ByCategory(ctx, category, limit)
		})
	if err != nil {
		return nil, err
	}
	return cloneArticles(articles), nil
}

// Categories returns every category with its article count.
func (s *RetrievalService) Categories(ctx context.Context) ([]models.Category, error) {
	cats, err := cache.GetOrFetch(ctx, s.categories, s.categoryDd, categoriesKey, s.cfg.CategoryTTL,
		func(ctx context.Context) ([]models.Category, error) {
			return s.repo.Categories(ctx)
		})
	if err != nil {
		return nil, err
	}
	return append([]models.Category{}, cats...), nil
}

// InvalidateArticles drops cached lookups so reindexed content shows up at once.
func (s *RetrievalService) InvalidateArticles() int {
	n := s.articles.InvalidatePattern(retrievalKeys)
	n += s.articles.InvalidatePattern(categoryKeys)
	s.categories.Delete(categoriesKey)
	return n
}

// CacheStats reports both caches keyed by name.
func (s *RetrievalService) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"articles":   s.articles.GetStats(),
		"categories": s.categories.GetStats(),
	}
}

// normalizeQuery lowercases, collapses whitespace and strips surrounding
// punctuation so trivially different phrasings hit the same cache entry.
func normalizeQuery(q string) string {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))
	return strings.TrimFunc(q, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func cloneArticles(in []models.Article) []models.Article {
	return append([]models.Article{}, in...)
}
