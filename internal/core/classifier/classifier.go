// Package classifier derives advisory query flags from the user's text and
// the retrieved candidate articles. The flags steer generation; they never
// reject a request.
package classifier

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

// Config holds the tunable thresholds.
type Config struct {
	// MinCategories is how many distinct candidate categories make a query ambiguous.
	MinCategories int
	// Dominance is the share of candidates one category must reach to count as the clear match.
	Dominance float64
	// ScoreMargin is how far the best candidate must lead the runner-up to count as the clear match.
	ScoreMargin float64
	// MaxOptions caps the interpretations offered back to the user.
	MaxOptions int
	// DomainKeywords replaces the built-in keyword list when non-empty.
	DomainKeywords []string
}

// DefaultDomainKeywords are terms that place a query inside the community platform's knowledge base.
var DefaultDomainKeywords = []string{
	"account", "admin", "announcement", "article", "badge", "ban", "channel", "chat",
	"comment", "community", "dm", "event", "feed", "follow", "forum", "group", "guide",
	"guideline", "invite", "login", "meetup", "member", "message", "moderator", "moderation",
	"notification", "password", "post", "privacy", "profile", "reply", "report", "rsvp",
	"rule", "setting", "signup", "subscription", "thread", "topic", "upload", "username",
}

var recommendationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(recommend|recommendation|recommendations|suggest|suggestion|suggestions)\b`),
	regexp.MustCompile(`\bwhat should i\b`),
	regexp.MustCompile(`\bwhich\b.*\b(should|would|do you think) i\b`),
	regexp.MustCompile(`\bbest (way|place|option|options|approach|channel|forum|event|group)s?\b`),
	regexp.MustCompile(`\bany (tips|ideas|advice)\b`),
	regexp.MustCompile(`\bwhere (can|should) i\b`),
	regexp.MustCompile(`\blooking for\b`),
}

type Classifier struct {
	cfg      Config
	keywords map[string]struct{}
}

func New(cfg Config) *Classifier {
	if cfg.MinCategories < 2 {
		cfg.MinCategories = 2
	}
	if cfg.Dominance <= 0 || cfg.Dominance > 1 {
		cfg.Dominance = 0.6
	}
	if cfg.ScoreMargin <= 0 {
		cfg.ScoreMargin = 0.15
	}
	if cfg.MaxOptions <= 0 {
		cfg.MaxOptions = 4
	}

	words := cfg.DomainKeywords
	if len(words) == 0 {
		words = DefaultDomainKeywords
	}
	keywords := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			keywords[w] = struct{}{}
		}
	}
	return &Classifier{cfg: cfg, keywords: keywords}
}

// Classify computes every flag for one turn. Out-of-scope needs both an empty
// candidate list and no domain keyword in the text.
func (c *Classifier) Classify(text string, candidates []models.Article) core.QueryFlags {
	flags := core.QueryFlags{
		IsRecommendation: c.IsRecommendationQuery(text),
		IsAmbiguous:      c.IsAmbiguousQuery(text, candidates),
		IsOutOfScope:     len(candidates) == 0 && c.IsOutOfScopeQuery(text),
	}
	if flags.IsAmbiguous {
		flags.AmbiguityOptions = c.GetAmbiguityOptions(candidates)
	}
	return flags
}

// IsRecommendationQuery reports whether text asks for a suggestion.
func (c *Classifier) IsRecommendationQuery(text string) bool {
	lower := strings.ToLower(text)
	for _, re := range recommendationPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// IsAmbiguousQuery reports whether the candidates spread across several
// categories with neither a dominant category nor a clearly leading article.
// Text is accepted for future heuristics and currently unused.
func (c *Classifier) IsAmbiguousQuery(_ string, candidates []models.Article) bool {
	if len(candidates) < 2 {
		return false
	}

	counts := make(map[string]int)
	for _, a := range candidates {
		counts[categoryOf(a)]++
	}
	if len(counts) < c.cfg.MinCategories {
		return false
	}

	top := 0
	for _, n := range counts {
		if n > top {
			top = n
		}
	}
	if float64(top)/float64(len(candidates)) >= c.cfg.Dominance {
		return false
	}

	scores := make([]float64, len(candidates))
	for i, a := range candidates {
		scores[i] = a.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	return scores[0]-scores[1] < c.cfg.ScoreMargin
}

// GetAmbiguityOptions groups candidates by category, best-scoring group first.
func (c *Classifier) GetAmbiguityOptions(candidates []models.Article) []core.Interpretation {
	type group struct {
		best  float64
		first int
		opt   core.Interpretation
	}

	groups := make(map[string]*group)
	for i, a := range candidates {
		cat := categoryOf(a)
		g, ok := groups[cat]
		if !ok {
			g = &group{best: a.Score, first: i, opt: core.Interpretation{Category: cat, Label: labelFor(cat)}}
			groups[cat] = g
		}
		if a.Score > g.best {
			g.best = a.Score
		}
		g.opt.Articles = append(g.opt.Articles, a.Source())
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].best != ordered[j].best {
			return ordered[i].best > ordered[j].best
		}
		return ordered[i].first < ordered[j].first
	})

	if len(ordered) > c.cfg.MaxOptions {
		ordered = ordered[:c.cfg.MaxOptions]
	}
	out := make([]core.Interpretation, len(ordered))
	for i, g := range ordered {
		out[i] = g.opt
	}
	return out
}

// IsOutOfScopeQuery reports whether text contains none of the domain keywords.
func (c *Classifier) IsOutOfScopeQuery(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if _, ok := c.keywords[w]; ok {
			return false
		}
		// Plurals: "forums", "events".
		if strings.HasSuffix(w, "s") {
			if _, ok := c.keywords[strings.TrimSuffix(w, "s")]; ok {
				return false
			}
		}
	}
	return true
}

func categoryOf(a models.Article) string {
	if cat := strings.TrimSpace(a.Category); cat != "" {
		return cat
	}
	return "general"
}

func labelFor(category string) string {
	return "Questions about " + strings.ToLower(category)
}
