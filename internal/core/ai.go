package core

import (
	"context"

	"github.com/markdave123-py/kbchat/internal/models"
)

type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Interpretation is one candidate reading of an ambiguous query, grouped by category.
type Interpretation struct {
	Category string                 `json:"category"`
	Label    string                 `json:"label"`
	Articles []models.ArticleSource `json:"articles"`
}

// QueryFlags are advisory classifier outputs handed to generation.
type QueryFlags struct {
	IsRecommendation bool
	IsAmbiguous      bool
	IsOutOfScope     bool
	AmbiguityOptions []Interpretation
	// Categories is only populated when retrieval found nothing.
	Categories []models.Category
}

// GenerationRequest carries everything the generation backend needs for one turn.
type GenerationRequest struct {
	Prompt   string
	History  []models.ChatMessage
	Articles []models.Article
	Flags    QueryFlags
}

// TokenStream is a pull-based, cancellable sequence of generated tokens.
// Callers must always Close it, including after an error or early exit.
type TokenStream interface {
	// Next blocks until the next token is available. It returns io.EOF once
	// the sequence is exhausted.
	Next(ctx context.Context) (string, error)
	// Sources returns the articles the answer was grounded on. Valid after Next returned io.EOF.
	Sources() []models.ArticleSource
	Close() error
}

// Generator opens a token stream for a single chat turn.
type Generator interface {
	Stream(ctx context.Context, req GenerationRequest) (TokenStream, error)
}
