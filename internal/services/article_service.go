package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

// Indexer schedules background reindexing of one article.
type Indexer interface {
	Enqueue(slug string) error
}

// ArticleService handles admin maintenance of knowledge-base articles.
type ArticleService struct {
	db      core.KnowledgeStore
	storage core.ObjectClient
	bucket  string
	indexer Indexer
}

// NewArticleService builds the service. storage may be nil, in which case
// body uploads are rejected. indexer may be nil, which disables reindexing.
func NewArticleService(db core.KnowledgeStore, storage core.ObjectClient, bucket string, indexer Indexer) *ArticleService {
	return &ArticleService{db: db, storage: storage, bucket: bucket, indexer: indexer}
}

var (
	// ErrStorageDisabled is returned by UploadBody when no object storage is configured.
	ErrStorageDisabled = errors.New("object storage is not configured")
	// ErrIndexingDisabled is returned when no indexer runs, which happens without an embedding backend.
	ErrIndexingDisabled = errors.New("article indexing is not configured")
)

func (s *ArticleService) Get(ctx context.Context, slug string) (*models.Article, error) {
	a, err := s.db.GetArticleBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("get article: %w", err)
	}
	return a, nil
}

// Reindex queues the article for chunking and embedding. It returns
// (nil, nil) when the slug is unknown.
func (s *ArticleService) Reindex(ctx context.Context, slug string) (*models.Article, error) {
	if s.indexer == nil {
		return nil, ErrIndexingDisabled
	}
	a, err := s.Get(ctx, slug)
	if err != nil || a == nil {
		return nil, err
	}
	if err := s.indexer.Enqueue(slug); err != nil {
		return nil, err
	}
	return a, nil
}

// UploadBody stores a new raw body for the article and queues a reindex.
// It returns (nil, nil) when the slug is unknown.
func (s *ArticleService) UploadBody(ctx context.Context, slug, filename, contentType string, body io.Reader) (*models.Article, error) {
	if s.storage == nil {
		return nil, ErrStorageDisabled
	}
	if s.indexer == nil {
		return nil, ErrIndexingDisabled
	}
	a, err := s.Get(ctx, slug)
	if err != nil || a == nil {
		return nil, err
	}

	key := s.objectKey(slug, filename)
	if _, err := s.storage.UploadFile(ctx, s.bucket, key, body, contentType); err != nil {
		return nil, err
	}
	if err := s.db.UpdateArticleSource(ctx, a.ID, key, contentType); err != nil {
		return nil, fmt.Errorf("update article source: %w", err)
	}
	a.StorageKey, a.ContentType = key, contentType

	if err := s.indexer.Enqueue(slug); err != nil {
		return nil, err
	}
	return a, nil
}

// objectKey creates a consistent S3 key layout.
func (s *ArticleService) objectKey(slug, filename string) string {
	filename = strings.TrimSpace(path.Base(filename))
	filename = strings.ReplaceAll(filename, " ", "_")
	if filename == "" || filename == "." || filename == "/" {
		filename = "body"
	}
	return path.Join("articles", slug, filename)
}
