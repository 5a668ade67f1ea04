package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

// ExtractiveGenerator answers without a model by quoting the retrieved
// articles. It backs local runs where no GEMINI_API_KEY is configured.
type ExtractiveGenerator struct{}

func (ExtractiveGenerator) Stream(_ context.Context, req core.GenerationRequest) (core.TokenStream, error) {
	return &wordStream{words: strings.SplitAfter(extractiveAnswer(req), " "), sources: retrievedSources(req.Articles)}, nil
}

func extractiveAnswer(req core.GenerationRequest) string {
	var b strings.Builder
	switch {
	case req.Flags.IsOutOfScope || len(req.Articles) == 0:
		b.WriteString("I couldn't find anything about that in the knowledge base.")
		if len(req.Flags.Categories) > 0 {
			names := make([]string, len(req.Flags.Categories))
			for i, c := range req.Flags.Categories {
				names[i] = c.Name
			}
			fmt.Fprintf(&b, " You can browse these topics instead: %s.", strings.Join(names, ", "))
		}
	case req.Flags.IsAmbiguous && len(req.Flags.AmbiguityOptions) > 0:
		b.WriteString("Your question could mean a few things. Did you mean:")
		for _, opt := range req.Flags.AmbiguityOptions {
			fmt.Fprintf(&b, " %s?", opt.Label)
		}
	default:
		a := req.Articles[0]
		fmt.Fprintf(&b, "From \"%s\": %s", a.Title, truncateRunes(strings.TrimSpace(a.Content), 400))
	}
	return b.String()
}

type wordStream struct {
	words   []string
	sources []models.ArticleSource
}

func (s *wordStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.words) == 0 {
		return "", io.EOF
	}
	w := s.words[0]
	s.words = s.words[1:]
	return w, nil
}

func (s *wordStream) Sources() []models.ArticleSource { return s.sources }

func (s *wordStream) Close() error { return nil }

var _ core.Generator = ExtractiveGenerator{}
