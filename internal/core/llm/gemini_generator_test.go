package llm

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/models"
)

type step struct {
	texts []string
	err   error
}

type fakeIterator struct {
	steps []step
	pos   int
}

func (f *fakeIterator) Next() (*genai.GenerateContentResponse, error) {
	if f.pos >= len(f.steps) {
		return nil, iterator.Done
	}
	s := f.steps[f.pos]
	f.pos++
	if s.err != nil {
		return nil, s.err
	}
	parts := make([]genai.Part, len(s.texts))
	for i, t := range s.texts {
		parts[i] = genai.Text(t)
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: parts}}},
	}, nil
}

func staticOpener(steps ...step) (opener, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, system string, history []*genai.Content, prompt string) responseIterator {
		calls.Add(1)
		return &fakeIterator{steps: steps}
	}, &calls
}

func drain(t *testing.T, s core.TokenStream) ([]string, error) {
	t.Helper()
	var toks []string
	for {
		tok, err := s.Next(context.Background())
		if err == io.EOF {
			return toks, nil
		}
		if err != nil {
			return toks, err
		}
		toks = append(toks, tok)
	}
}

func TestStreamYieldsTokensThenSources(t *testing.T) {
	open, _ := staticOpener(step{texts: []string{"Hel"}}, step{texts: []string{"", "lo"}})
	g := newGenerator(open, GeneratorConfig{Timeout: time.Second})

	req := core.GenerationRequest{
		Prompt: "hi",
		Articles: []models.Article{
			{Title: "X", Slug: "x", Category: "c"},
			{Title: "X again", Slug: "x", Category: "c"},
		},
	}
	s, err := g.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	toks, err := drain(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(toks, "|") != "Hel|lo" {
		t.Errorf("tokens = %q, want [Hel lo]", toks)
	}
	src := s.Sources()
	if len(src) != 1 || src[0] != (models.ArticleSource{Title: "X", Slug: "x", Category: "c"}) {
		t.Errorf("sources = %+v", src)
	}
}

func TestStreamStartFailureIsClassified(t *testing.T) {
	open, _ := staticOpener(step{err: status.Error(codes.ResourceExhausted, "quota")})
	g := newGenerator(open, GeneratorConfig{})

	_, err := g.Stream(context.Background(), core.GenerationRequest{Prompt: "hi"})
	var gerr *core.GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if gerr.Retryable {
		t.Error("quota errors must not be retryable")
	}
}

func TestStreamMidStreamError(t *testing.T) {
	open, _ := staticOpener(step{texts: []string{"partial"}}, step{err: status.Error(codes.Unavailable, "backend gone")})
	g := newGenerator(open, GeneratorConfig{})

	s, err := g.Stream(context.Background(), core.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	toks, err := drain(t, s)
	if len(toks) != 1 || toks[0] != "partial" {
		t.Errorf("tokens = %q", toks)
	}
	if !core.IsRetryable(err) {
		t.Errorf("err = %v, want retryable GenerationError", err)
	}
}

func TestStreamStopsOnCancelledContext(t *testing.T) {
	open, _ := staticOpener(step{texts: []string{"a"}}, step{texts: []string{"b"}})
	g := newGenerator(open, GeneratorConfig{})

	s, err := g.Stream(context.Background(), core.GenerationRequest{Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if tok, _ := s.Next(ctx); tok != "a" {
		t.Fatalf("first token = %q", tok)
	}
	cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBreakerOpensAfterRepeatedOutages(t *testing.T) {
	open, calls := staticOpener(step{err: status.Error(codes.Unavailable, "down")})
	g := newGenerator(open, GeneratorConfig{BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := g.Stream(context.Background(), core.GenerationRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := g.Stream(context.Background(), core.GenerationRequest{})
	if !core.IsRetryable(err) {
		t.Errorf("open circuit err = %v, want retryable", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("backend called %d times, want 2 (third rejected by breaker)", n)
	}
}

func TestBreakerIgnoresNonRetryableFailures(t *testing.T) {
	open, calls := staticOpener(step{err: status.Error(codes.InvalidArgument, "bad prompt")})
	g := newGenerator(open, GeneratorConfig{BreakerFailures: 1})

	for i := 0; i < 3; i++ {
		_, _ = g.Stream(context.Background(), core.GenerationRequest{})
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("backend called %d times, want 3", n)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"quota", status.Error(codes.ResourceExhausted, "quota"), false},
		{"permission", status.Error(codes.PermissionDenied, "key"), false},
		{"unauthenticated", status.Error(codes.Unauthenticated, "key"), false},
		{"invalid", status.Error(codes.InvalidArgument, "bad"), false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"internal", status.Error(codes.Internal, "oops"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"blocked", &genai.BlockedError{}, false},
		{"plain", errors.New("mystery"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError("stream", tt.err).Retryable; got != tt.want {
				t.Errorf("Retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistoryContents(t *testing.T) {
	history := []models.ChatMessage{
		{Role: models.RoleAssistant, Content: "welcome"},
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleUser, Content: "q1 again"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "  "},
	}
	got := historyContents(history)
	if len(got) != 2 {
		t.Fatalf("got %d contents, want 2", len(got))
	}
	if got[0].Role != "user" || len(got[0].Parts) != 2 {
		t.Errorf("first = %+v, want merged user turn", got[0])
	}
	if got[1].Role != "model" {
		t.Errorf("second role = %s, want model", got[1].Role)
	}
}

func TestHistoryContentsDropsUnansweredTurns(t *testing.T) {
	tests := []struct {
		name    string
		history []models.ChatMessage
		want    []string
	}{
		{
			name: "failed turn after an answer",
			history: []models.ChatMessage{
				{Role: models.RoleUser, Content: "q1"},
				{Role: models.RoleAssistant, Content: "a1"},
				{Role: models.RoleUser, Content: "q2"},
			},
			want: []string{"user", "model"},
		},
		{
			name: "several failed turns",
			history: []models.ChatMessage{
				{Role: models.RoleUser, Content: "q1"},
				{Role: models.RoleAssistant, Content: "a1"},
				{Role: models.RoleUser, Content: "q2"},
				{Role: models.RoleUser, Content: "q3"},
			},
			want: []string{"user", "model"},
		},
		{
			name:    "first turn failed",
			history: []models.ChatMessage{{Role: models.RoleUser, Content: "q1"}},
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var roles []string
			for _, c := range historyContents(tt.history) {
				roles = append(roles, c.Role)
			}
			if !reflect.DeepEqual(roles, tt.want) {
				t.Errorf("roles = %v, want %v", roles, tt.want)
			}
		})
	}
}

func TestBuildSystemInstruction(t *testing.T) {
	cats := []models.Category{{Name: "events", Count: 4}}

	out := BuildSystemInstruction(core.GenerationRequest{Flags: core.QueryFlags{IsOutOfScope: true, Categories: cats}})
	if !strings.Contains(out, "outside") || !strings.Contains(out, "events (4 articles)") {
		t.Errorf("out-of-scope prompt missing redirect:\n%s", out)
	}

	out = BuildSystemInstruction(core.GenerationRequest{
		Articles: []models.Article{{Title: "RSVP", Slug: "rsvp", Category: "events", Content: "Press RSVP."}},
		Flags: core.QueryFlags{
			IsRecommendation: true,
			IsAmbiguous:      true,
			AmbiguityOptions: []core.Interpretation{{Category: "events", Label: "Questions about events"}},
		},
	})
	for _, want := range []string{"[1] RSVP", "Press RSVP.", "recommendation", "Questions about events"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRetrievedSourcesListsEveryArticleOnce(t *testing.T) {
	got := retrievedSources([]models.Article{
		{Title: "RSVP", Slug: "rsvp", Category: "events"},
		{Title: "Forum rules", Slug: "forum-rules", Category: "forums"},
		{Title: "RSVP", Slug: "rsvp", Category: "events"},
	})
	want := []models.ArticleSource{
		{Title: "RSVP", Slug: "rsvp", Category: "events"},
		{Title: "Forum rules", Slug: "forum-rules", Category: "forums"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("retrievedSources = %+v, want %+v", got, want)
	}
	if got := retrievedSources(nil); got == nil || len(got) != 0 {
		t.Errorf("retrievedSources(nil) = %#v, want empty slice", got)
	}
}
