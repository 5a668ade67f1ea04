package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")

	cfg := LoadConfig()
	if cfg.StoreDriver != StoreMemory {
		t.Errorf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ChatRateLimit != 20 || cfg.ChatRateWindow != time.Minute {
		t.Errorf("chat rate = %d/%s, want 20/1m", cfg.ChatRateLimit, cfg.ChatRateWindow)
	}
	if cfg.RetrievalCacheTTL != 5*time.Minute || cfg.CategoryCacheTTL != 30*time.Minute {
		t.Errorf("cache ttls = %s/%s", cfg.RetrievalCacheTTL, cfg.CategoryCacheTTL)
	}
	if cfg.AmbiguityDominance != 0.6 || cfg.AmbiguityScoreMargin != 0.15 {
		t.Errorf("ambiguity thresholds = %v/%v", cfg.AmbiguityDominance, cfg.AmbiguityScoreMargin)
	}
	if cfg.DomainKeywords != nil {
		t.Errorf("DomainKeywords = %v, want nil", cfg.DomainKeywords)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("CHAT_RATE_LIMIT", "5")
	t.Setenv("CHAT_RATE_WINDOW", "30s")
	t.Setenv("GENERATION_TIMEOUT", "45")
	t.Setenv("AMBIGUITY_DOMINANCE", "0.75")
	t.Setenv("DOMAIN_KEYWORDS", "forum, event ,,profile")
	t.Setenv("HISTORY_LIMIT", "lots")

	cfg := LoadConfig()
	if cfg.ChatRateLimit != 5 || cfg.ChatRateWindow != 30*time.Second {
		t.Errorf("chat rate = %d/%s, want 5/30s", cfg.ChatRateLimit, cfg.ChatRateWindow)
	}
	if cfg.GenerationTimeout != 45*time.Second {
		t.Errorf("GenerationTimeout = %s, want 45s", cfg.GenerationTimeout)
	}
	if cfg.AmbiguityDominance != 0.75 {
		t.Errorf("AmbiguityDominance = %v, want 0.75", cfg.AmbiguityDominance)
	}
	if want := []string{"forum", "event", "profile"}; !reflect.DeepEqual(cfg.DomainKeywords, want) {
		t.Errorf("DomainKeywords = %v, want %v", cfg.DomainKeywords, want)
	}
	if cfg.HistoryLimit != 20 {
		t.Errorf("malformed HISTORY_LIMIT should fall back to 20, got %d", cfg.HistoryLimit)
	}
}

func TestLoadConfigRuntimeDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg := LoadConfig()
	if cfg.RetrievalMinScore != 0.35 {
		t.Errorf("RetrievalMinScore = %v, want 0.35", cfg.RetrievalMinScore)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 15s", cfg.ShutdownTimeout)
	}
	if cfg.SeedArticlesPath != "" {
		t.Errorf("SeedArticlesPath = %q, want empty", cfg.SeedArticlesPath)
	}
}
