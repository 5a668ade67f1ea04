package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/kbchat/internal/api/handlers"
	"github.com/markdave123-py/kbchat/internal/config"
	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/core/cache"
	"github.com/markdave123-py/kbchat/internal/core/classifier"
	db "github.com/markdave123-py/kbchat/internal/core/database"
	"github.com/markdave123-py/kbchat/internal/core/ingestion_engine"
	"github.com/markdave123-py/kbchat/internal/core/llm"
	objectclient "github.com/markdave123-py/kbchat/internal/core/object-client"
	"github.com/markdave123-py/kbchat/internal/core/ratelimit"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/models"
	"github.com/markdave123-py/kbchat/internal/services"
)

// App owns every long-lived component. Close releases them in reverse
// order of construction.
type App struct {
	Store        core.DbClient
	ObjectClient core.ObjectClient
	Retrieval    *services.RetrievalService
	Server       *Server

	articleCache  *cache.Cache[[]models.Article]
	categoryCache *cache.Cache[[]models.Category]
	limiter       *ratelimit.Limiter
	indexer       *ingestion_engine.ArticleIndexer
	stopIndexer   context.CancelFunc
	closers       []func() error
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	store, err := newStore(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Store: store}

	if cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		objClient, err := objectclient.NewS3Client(appCtx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.ObjectClient = objClient
		logging.Info().Msg("Object client initialized and ready.")
	} else {
		logging.Warn().Msg("AWS credentials not set, article body uploads are disabled")
	}

	var embedder core.EmbeddingProvider
	var generator core.Generator = llm.ExtractiveGenerator{}
	if cfg.AIAPIKey != "" {
		geminiEmbedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
		}
		a.closers = append(a.closers, geminiEmbedder.Close)
		embedder = geminiEmbedder

		geminiGenerator, err := llm.NewGeminiGenerator(appCtx, llm.GeneratorConfig{
			APIKey:    cfg.AIAPIKey,
			ModelName: cfg.GenModel,
			Timeout:   cfg.GenerationTimeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("couldn't initialize the generator, %w", err)
		}
		a.closers = append(a.closers, geminiGenerator.Close)
		generator = geminiGenerator
	} else {
		logging.Warn().Msg("GEMINI_API_KEY not set, answering extractively with keyword search")
	}

	a.articleCache = cache.New[[]models.Article](cache.Options{
		Name:            "retrieval",
		DefaultTTL:      cfg.RetrievalCacheTTL,
		MaxSize:         cfg.CacheMaxSize,
		CleanupInterval: cfg.CacheCleanupInterval,
	})
	a.categoryCache = cache.New[[]models.Category](cache.Options{
		Name:            "categories",
		DefaultTTL:      cfg.CategoryCacheTTL,
		MaxSize:         cfg.CacheMaxSize,
		CleanupInterval: cfg.CacheCleanupInterval,
	})
	a.articleCache.Start()
	a.categoryCache.Start()

	a.Retrieval = services.NewRetrievalService(
		services.NewKnowledgeRepository(store, embedder, cfg.RetrievalMinScore),
		a.articleCache,
		a.categoryCache,
		services.RetrievalConfig{
			Limit:       cfg.RetrievalLimit,
			TTL:         cfg.RetrievalCacheTTL,
			CategoryTTL: cfg.CategoryCacheTTL,
		},
	)

	var indexer services.Indexer
	if embedder != nil {
		workerCtx, stop := context.WithCancel(context.Background())
		a.stopIndexer = stop
		a.indexer = ingestion_engine.NewArticleIndexer(
			store,
			a.ObjectClient,
			embedder,
			ingestion_engine.NewDocconvExtractor(false),
			ingestion_engine.IndexConfig{Bucket: cfg.BucketName, BatchSize: 16},
			func(slug string) {
				n := a.Retrieval.InvalidateArticles()
				logging.Info().Str("slug", slug).Int("invalidated", n).Msg("retrieval cache invalidated after indexing")
			},
		)
		a.indexer.Start(workerCtx, cfg.IndexWorkers)
		indexer = a.indexer
	}

	a.limiter = ratelimit.New(ratelimit.Config{Limit: cfg.ChatRateLimit, Window: cfg.ChatRateWindow})
	a.limiter.Start()

	sessions := services.NewSessionService(store)
	messages := services.NewMessageService(store)
	cls := classifier.New(classifier.Config{
		MinCategories:  cfg.AmbiguityMinCategories,
		Dominance:      cfg.AmbiguityDominance,
		ScoreMargin:    cfg.AmbiguityScoreMargin,
		MaxOptions:     cfg.AmbiguityMaxOptions,
		DomainKeywords: cfg.DomainKeywords,
	})

	a.Server = NewServer(cfg, Handlers{
		Chat: handlers.NewChatHandler(sessions, messages, a.Retrieval, cls, generator, a.limiter, handlers.ChatHandlerConfig{
			HistoryLimit:      cfg.HistoryLimit,
			MaxMessageLength:  cfg.MaxMessageLength,
			GenerationTimeout: cfg.GenerationTimeout,
		}),
		Articles: handlers.NewArticleHandler(
			services.NewArticleService(store, a.ObjectClient, cfg.BucketName, indexer),
			a.Retrieval,
		),
	})

	return a, nil
}

func newStore(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := db.NewMemoryClient()
		if cfg.SeedArticlesPath != "" {
			n, err := seedArticles(mem, cfg.SeedArticlesPath)
			if err != nil {
				return nil, err
			}
			logging.Info().Int("articles", n).Str("path", cfg.SeedArticlesPath).Msg("seeded memory store")
		}
		logging.Warn().Msg("using the in-memory store, data is lost on restart")
		return mem, nil
	case config.StorePostgres:
		dbClient, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logging.Info().Msg("Database initialized and ready.")
		return dbClient, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// Close stops background work and releases every client.
func (a *App) Close() {
	if a.stopIndexer != nil {
		a.stopIndexer()
		a.indexer.Wait()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.articleCache != nil {
		a.articleCache.Stop()
	}
	if a.categoryCache != nil {
		a.categoryCache.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logging.Warn().Err(err).Msg("errors while closing resources")
	}
}
