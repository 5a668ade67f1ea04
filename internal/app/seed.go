package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	db "github.com/markdave123-py/kbchat/internal/core/database"
	"github.com/markdave123-py/kbchat/internal/models"
)

// seedArticles loads a JSON array of articles into the memory store.
// Articles without an id get one; articles without a slug are rejected.
func seedArticles(mem *db.MemoryClient, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed articles: %w", err)
	}

	var articles []models.Article
	if err := json.Unmarshal(raw, &articles); err != nil {
		return 0, fmt.Errorf("parse seed articles %s: %w", path, err)
	}
	for i := range articles {
		if strings.TrimSpace(articles[i].Slug) == "" {
			return 0, fmt.Errorf("seed article %d (%q) has no slug", i, articles[i].Title)
		}
		if articles[i].ID == "" {
			articles[i].ID = uuid.NewString()
		}
	}
	mem.SeedArticles(articles...)
	return len(articles), nil
}
