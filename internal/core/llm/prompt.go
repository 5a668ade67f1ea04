package llm

import (
	"fmt"
	"strings"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

const maxArticleRunes = 2000

const basePrompt = `You are the help assistant of an online community platform.
Answer only from the knowledge-base articles provided below. If they do not
contain the answer, say so plainly instead of guessing. Be concise and friendly.
Refer to articles by their title when you use them.`

// BuildSystemInstruction assembles the system prompt for one turn: the
// retrieved articles as context plus guidance derived from the query flags.
func BuildSystemInstruction(req core.GenerationRequest) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	flags := req.Flags
	switch {
	case flags.IsOutOfScope:
		b.WriteString("\n\nThe question is outside what this knowledge base covers. Do not answer it. ")
		b.WriteString("Briefly explain that you can only help with the community platform")
		if len(flags.Categories) > 0 {
			b.WriteString(" and suggest these topics instead:\n")
			writeCategories(&b, flags.Categories)
		} else {
			b.WriteString(".\n")
		}
	case len(req.Articles) == 0:
		b.WriteString("\n\nNo matching articles were found. Say so, and do not invent an answer.")
		if len(flags.Categories) > 0 {
			b.WriteString(" Suggest browsing these topics:\n")
			writeCategories(&b, flags.Categories)
		}
	}

	if flags.IsAmbiguous && len(flags.AmbiguityOptions) > 0 {
		b.WriteString("\n\nThe question could mean several things. Ask the user which one they mean, offering:\n")
		for _, opt := range flags.AmbiguityOptions {
			titles := make([]string, 0, len(opt.Articles))
			for _, a := range opt.Articles {
				titles = append(titles, a.Title)
			}
			fmt.Fprintf(&b, "- %s (%s)\n", opt.Label, strings.Join(titles, ", "))
		}
	}

	if flags.IsRecommendation {
		b.WriteString("\n\nThe user wants a recommendation. Suggest the most relevant options from the articles and say why each fits.")
	}

	if len(req.Articles) > 0 {
		b.WriteString("\n\nKnowledge-base articles:\n")
		for i, a := range req.Articles {
			fmt.Fprintf(&b, "\n[%d] %s (category: %s, slug: %s)\n%s\n", i+1, a.Title, a.Category, a.Slug, truncateRunes(a.Content, maxArticleRunes))
		}
	}
	return b.String()
}

func writeCategories(b *strings.Builder, cats []models.Category) {
	for _, c := range cats {
		fmt.Fprintf(b, "- %s (%d articles)\n", c.Name, c.Count)
	}
}

// retrievedSources lists every article handed to generation, first occurrence
// per slug. Neither generator tracks which of them the answer actually quotes.
func retrievedSources(articles []models.Article) []models.ArticleSource {
	out := make([]models.ArticleSource, 0, len(articles))
	seen := make(map[string]struct{}, len(articles))
	for _, a := range articles {
		if _, dup := seen[a.Slug]; dup {
			continue
		}
		seen[a.Slug] = struct{}{}
		out = append(out, a.Source())
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
