package classifier

import (
	"testing"

	"github.com/markdave123-py/kbchat/internal/models"
)

func article(slug, category string, score float64) models.Article {
	return models.Article{Title: slug, Slug: slug, Category: category, Score: score}
}

func TestIsRecommendationQuery(t *testing.T) {
	c := New(Config{})
	tests := []struct {
		text string
		want bool
	}{
		{"Can you recommend a good forum for beginners?", true},
		{"What should I post in my first thread?", true},
		{"Which channel would I join for design talk?", true},
		{"Best way to find local meetups", true},
		{"Any tips for running an event?", true},
		{"Where can I find the community guidelines?", true},
		{"I'm looking for a study group", true},
		{"How do I reset my password?", false},
		{"Delete my profile picture", false},
	}
	for _, tt := range tests {
		if got := c.IsRecommendationQuery(tt.text); got != tt.want {
			t.Errorf("IsRecommendationQuery(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsAmbiguousQuery(t *testing.T) {
	c := New(Config{MinCategories: 2, Dominance: 0.6, ScoreMargin: 0.15})
	tests := []struct {
		name       string
		candidates []models.Article
		want       bool
	}{
		{"no candidates", nil, false},
		{"single candidate", []models.Article{article("a", "events", 0.9)}, false},
		{
			"one category",
			[]models.Article{article("a", "events", 0.8), article("b", "events", 0.79)},
			false,
		},
		{
			"spread with close scores",
			[]models.Article{article("a", "events", 0.71), article("b", "forums", 0.70), article("c", "profiles", 0.65)},
			true,
		},
		{
			"spread but clear leader",
			[]models.Article{article("a", "events", 0.92), article("b", "forums", 0.60), article("c", "profiles", 0.55)},
			false,
		},
		{
			"dominant category",
			[]models.Article{
				article("a", "events", 0.7), article("b", "events", 0.69),
				article("c", "events", 0.68), article("d", "forums", 0.69),
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsAmbiguousQuery("how do I join", tt.candidates); got != tt.want {
				t.Errorf("IsAmbiguousQuery() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAmbiguityOptions(t *testing.T) {
	c := New(Config{MaxOptions: 2})
	candidates := []models.Article{
		article("rsvp", "events", 0.70),
		article("new-thread", "forums", 0.72),
		article("edit-event", "events", 0.66),
		article("avatar", "profiles", 0.50),
	}

	opts := c.GetAmbiguityOptions(candidates)
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2 (capped)", len(opts))
	}
	if opts[0].Category != "forums" || opts[1].Category != "events" {
		t.Errorf("order = [%s %s], want [forums events]", opts[0].Category, opts[1].Category)
	}
	if len(opts[1].Articles) != 2 || opts[1].Articles[0].Slug != "rsvp" {
		t.Errorf("events group = %+v, want rsvp then edit-event", opts[1].Articles)
	}
	if opts[0].Label == "" {
		t.Error("expected a label")
	}
}

func TestIsOutOfScopeQuery(t *testing.T) {
	c := New(Config{})
	tests := []struct {
		text string
		want bool
	}{
		{"What's the weather in Lisbon?", true},
		{"Write me a poem about the sea", true},
		{"How do I create a new forum thread?", false},
		{"Are there events this weekend?", false},
		{"change my PROFILE photo", false},
	}
	for _, tt := range tests {
		if got := c.IsOutOfScopeQuery(tt.text); got != tt.want {
			t.Errorf("IsOutOfScopeQuery(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestCustomDomainKeywords(t *testing.T) {
	c := New(Config{DomainKeywords: []string{" Recipe ", "kitchen"}})
	if c.IsOutOfScopeQuery("share a recipe") {
		t.Error("custom keyword not honoured")
	}
	if !c.IsOutOfScopeQuery("open a forum thread") {
		t.Error("custom list should replace the built-in one")
	}
}

func TestClassify(t *testing.T) {
	c := New(Config{})

	flags := c.Classify("what's the capital of France", nil)
	if !flags.IsOutOfScope {
		t.Error("expected out-of-scope with no candidates and no domain keyword")
	}

	flags = c.Classify("what's the capital of France", []models.Article{article("a", "events", 0.4)})
	if flags.IsOutOfScope {
		t.Error("retrieved candidates must keep the query in scope")
	}

	flags = c.Classify("how do I report a post", nil)
	if flags.IsOutOfScope {
		t.Error("domain keyword must keep the query in scope")
	}

	flags = c.Classify("which group should I join", []models.Article{
		article("a", "groups", 0.5), article("b", "events", 0.5),
	})
	if !flags.IsRecommendation || !flags.IsAmbiguous || len(flags.AmbiguityOptions) != 2 {
		t.Errorf("flags = %+v, want recommendation + ambiguous with 2 options", flags)
	}
}
