package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/metrics"
	"github.com/markdave123-py/kbchat/internal/models"
)

// Article index statuses.
const (
	StatusPending  = "pending"
	StatusIndexing = "indexing"
	StatusReady    = "ready"
	StatusFailed   = "failed"
)

// ErrQueueFull is returned by Enqueue when the job queue has no room.
var ErrQueueFull = errors.New("index queue is full")

// ErrArticleNotFound is returned when the slug matches no article.
var ErrArticleNotFound = errors.New("article not found")

// IndexConfig tunes the indexing pipeline.
//
// TargetTokens:  approximate tokens per chunk (e.g., 500).
// OverlapTokens: token overlap between consecutive chunks (e.g., 50).
// BatchSize:     how many chunks to embed in one request (e.g., 32).
// Bucket:        object storage bucket holding raw article bodies.
// JobTimeout:    upper bound for indexing one article.
type IndexConfig struct {
	TargetTokens  int
	OverlapTokens int
	BatchSize     int
	Bucket        string
	QueueSize     int
	JobTimeout    time.Duration
}

// ArticleIndexer rebuilds the embedded chunks of knowledge-base articles in
// the background. Raw bodies come from object storage when the article has a
// storage key, otherwise from its stored content.
type ArticleIndexer struct {
	store     core.KnowledgeStore
	obj       core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.DocumentExtractor
	cfg       IndexConfig
	jobs      chan string
	onIndexed func(slug string)

	wg sync.WaitGroup
}

// NewArticleIndexer builds an indexer. obj may be nil when no article keeps
// its body in object storage. onIndexed runs after every successful job.
func NewArticleIndexer(store core.KnowledgeStore, obj core.ObjectClient, emb core.EmbeddingProvider, extractor core.DocumentExtractor, cfg IndexConfig, onIndexed func(slug string)) *ArticleIndexer {
	if cfg.TargetTokens <= 0 {
		cfg.TargetTokens = 500
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.TargetTokens {
		cfg.OverlapTokens = cfg.TargetTokens / 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if onIndexed == nil {
		onIndexed = func(string) {}
	}
	return &ArticleIndexer{
		store: store, obj: obj, embedder: emb, extractor: extractor, cfg: cfg,
		jobs:      make(chan string, cfg.QueueSize),
		onIndexed: onIndexed,
	}
}

// Start runs numWorkers goroutines reading from the job queue until ctx is done.
func (i *ArticleIndexer) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		i.wg.Add(1)
		go func(w int) {
			defer i.wg.Done()
			for {
				select {
				case <-ctx.Done():
					logging.Debug().Int("worker", w).Msg("article indexer worker shutting down")
					return
				case slug := <-i.jobs:
					logging.Info().Int("worker", w).Str("slug", slug).Msg("indexing article")
					if err := i.ProcessOne(ctx, slug); err != nil {
						logging.Err(err).Str("slug", slug).Msg("article indexing failed")
					}
				}
			}
		}(w)
	}
}

// Wait blocks until every worker has exited.
func (i *ArticleIndexer) Wait() {
	i.wg.Wait()
}

// Enqueue schedules slug for indexing without blocking.
func (i *ArticleIndexer) Enqueue(slug string) error {
	select {
	case i.jobs <- slug:
		return nil
	default:
		return ErrQueueFull
	}
}

// ProcessOne extracts, chunks, embeds and stores a single article. The
// article's chunk set is replaced only once every stage succeeded.
func (i *ArticleIndexer) ProcessOne(ctx context.Context, slug string) (err error) {
	proctx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()

	article, err := i.store.GetArticleBySlug(proctx, slug)
	if err != nil {
		return fmt.Errorf("load article %s: %w", slug, err)
	}
	if article == nil {
		return ErrArticleNotFound
	}

	defer func() {
		status, result := StatusReady, "ok"
		if err != nil {
			status, result = StatusFailed, "failed"
		}
		metrics.IndexJobs.WithLabelValues(result).Inc()
		// Detached so a cancelled job still records its outcome.
		if serr := i.store.UpdateArticleIndexStatus(context.WithoutCancel(ctx), article.ID, status); serr != nil {
			logging.Err(serr).Str("slug", slug).Msg("update index status")
		}
	}()

	if err := i.store.UpdateArticleIndexStatus(proctx, article.ID, StatusIndexing); err != nil {
		return fmt.Errorf("mark indexing: %w", err)
	}

	g, gctx := errgroup.WithContext(proctx)

	var frags <-chan string
	if article.StorageKey != "" {
		if i.obj == nil {
			return fmt.Errorf("article %s has a storage key but no object client is configured", slug)
		}
		data, err := i.obj.GetFile(proctx, i.cfg.Bucket, article.StorageKey)
		if err != nil {
			return fmt.Errorf("get object: %w", err)
		}
		frags = i.extractor.ExtractText(gctx, g, data, article.ContentType)
	} else {
		frags = TextFragments(gctx, g, article.Title+"\n"+article.Content)
	}

	chunks := streamChunk(gctx, g, frags, i.cfg.TargetTokens, i.cfg.OverlapTokens)

	var rows []models.ArticleChunk
	g.Go(func() error {
		var err error
		rows, err = i.embedAll(gctx, article.ID, chunks)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("article %s produced no chunks", slug)
	}
	if err := i.store.ReplaceArticleChunks(proctx, article.ID, rows); err != nil {
		return fmt.Errorf("replace chunks: %w", err)
	}

	logging.Info().Str("slug", slug).Int("chunks", len(rows)).Msg("article indexed")
	i.onIndexed(slug)
	return nil
}

// embedAll consumes chunks, embeds them in batches, and returns the rows to store.
func (i *ArticleIndexer) embedAll(ctx context.Context, articleID string, in <-chan chunk) ([]models.ArticleChunk, error) {
	var rows []models.ArticleChunk
	batch := make([]chunk, 0, i.cfg.BatchSize)

	flush := func(items []chunk) error {
		if len(items) == 0 {
			return nil
		}
		texts := make([]string, len(items))
		for idx := range items {
			texts[idx] = items[idx].Text
		}

		vecs, err := i.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if len(vecs) != len(items) {
			return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(items))
		}

		now := time.Now().UTC()
		for k := range items {
			rows = append(rows, models.ArticleChunk{
				ID:         uuid.NewString(),
				ArticleID:  articleID,
				Text:       items[k].Text,
				Embedding:  vecs[k],
				Position:   items[k].Pos,
				TokenCount: items[k].TokenCnt,
				CreatedAt:  now,
			})
		}
		return nil
	}

	for c := range in {
		batch = append(batch, c)
		if len(batch) == i.cfg.BatchSize {
			if err := flush(batch); err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	if err := flush(batch); err != nil {
		return nil, err
	}
	return rows, nil
}
