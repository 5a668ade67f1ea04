package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/kbchat/internal/logging"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	SslCertPath string
	JWTSecret   string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	AIAPIKey   string
	EmbedModel string
	EmbedDim   int
	GenModel   string

	LogLevel    string
	LogFormat   string
	CORSOrigins []string

	ChatRateLimit  int
	ChatRateWindow time.Duration
	IPRateLimit    int
	IPRateWindow   time.Duration

	RetrievalCacheTTL    time.Duration
	CategoryCacheTTL     time.Duration
	CacheMaxSize         int
	CacheCleanupInterval time.Duration

	RetrievalLimit    int
	RetrievalMinScore float64
	HistoryLimit      int
	MaxMessageLength  int
	GenerationTimeout time.Duration

	AmbiguityMinCategories int
	AmbiguityDominance     float64
	AmbiguityScoreMargin   float64
	AmbiguityMaxOptions    int
	DomainKeywords         []string

	IndexWorkers int

	// SeedArticlesPath is a JSON array of articles loaded into the memory store.
	SeedArticlesPath string
	ShutdownTimeout  time.Duration
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "kbchat-articles"),

		AIAPIKey:   getEnv("GEMINI_API_KEY", ""),
		EmbedModel: getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:   getEnvInt("EMBED_DIM", 768),
		GenModel:   getEnv("GEN_MODEL", "gemini-1.5-flash"),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		ChatRateLimit:  getEnvInt("CHAT_RATE_LIMIT", 20),
		ChatRateWindow: getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		IPRateLimit:    getEnvInt("IP_RATE_LIMIT", 300),
		IPRateWindow:   getEnvDuration("IP_RATE_WINDOW", time.Minute),

		RetrievalCacheTTL:    getEnvDuration("RETRIEVAL_CACHE_TTL", 5*time.Minute),
		CategoryCacheTTL:     getEnvDuration("CATEGORY_CACHE_TTL", 30*time.Minute),
		CacheMaxSize:         getEnvInt("CACHE_MAX_SIZE", 500),
		CacheCleanupInterval: getEnvDuration("CACHE_CLEANUP_INTERVAL", time.Minute),

		RetrievalLimit:    getEnvInt("RETRIEVAL_LIMIT", 5),
		RetrievalMinScore: getEnvFloat("RETRIEVAL_MIN_SCORE", 0.35),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 20),
		MaxMessageLength:  getEnvInt("MAX_MESSAGE_LENGTH", 4000),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 2*time.Minute),

		AmbiguityMinCategories: getEnvInt("AMBIGUITY_MIN_CATEGORIES", 2),
		AmbiguityDominance:     getEnvFloat("AMBIGUITY_DOMINANCE", 0.6),
		AmbiguityScoreMargin:   getEnvFloat("AMBIGUITY_SCORE_MARGIN", 0.15),
		AmbiguityMaxOptions:    getEnvInt("AMBIGUITY_MAX_OPTIONS", 4),
		DomainKeywords:         getEnvList("DOMAIN_KEYWORDS", nil),

		IndexWorkers:     getEnvInt("INDEX_WORKERS", 2),
		SeedArticlesPath: getEnv("SEED_ARTICLES_PATH", ""),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		logging.Fatal().Msg("DATABASE_URL not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("not an int, using default")
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logging.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("not a float, using default")
		return def
	}
	return f
}

// getEnvDuration accepts Go duration strings ("90s", "5m") or plain seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	logging.Warn().Str("key", key).Str("value", v).Dur("default", def).Msg("not a duration, using default")
	return def
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
