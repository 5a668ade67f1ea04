package llm

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	gobreaker "github.com/sony/gobreaker/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/metrics"
	"github.com/markdave123-py/kbchat/internal/models"
)

// responseIterator is the part of *genai.GenerateContentResponseIterator the stream consumes.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// opener starts a streamed chat turn.
type opener func(ctx context.Context, system string, history []*genai.Content, prompt string) responseIterator

// opened is what the breaker guards: a live iterator plus its first response.
type opened struct {
	iter  responseIterator
	first *genai.GenerateContentResponse
	done  bool
}

// GeneratorConfig configures a GeminiGenerator.
type GeneratorConfig struct {
	APIKey    string
	ModelName string
	// Timeout bounds a whole turn, from opening the stream to the last token.
	Timeout time.Duration
	// Breaker* tune the circuit breaker around stream start.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// GeminiGenerator streams chat completions from Gemini behind a circuit breaker.
type GeminiGenerator struct {
	client  *genai.Client
	open    opener
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[opened]
}

func NewGeminiGenerator(ctx context.Context, cfg GeneratorConfig) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, err
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-1.5-flash"
	}

	modelName := cfg.ModelName
	open := func(ctx context.Context, system string, history []*genai.Content, prompt string) responseIterator {
		m := cl.GenerativeModel(modelName)
		if system != "" {
			m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		}
		cs := m.StartChat()
		cs.History = history
		return cs.SendMessageStream(ctx, genai.Text(prompt))
	}

	g := newGenerator(open, cfg)
	g.client = cl
	return g, nil
}

func newGenerator(open opener, cfg GeneratorConfig) *GeminiGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Callers hanging up and rejected prompts say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !core.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}
	metrics.CircuitBreakerState.WithLabelValues(settings.Name).Set(float64(gobreaker.StateClosed))

	return &GeminiGenerator{
		open:    open,
		timeout: cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker[opened](settings),
	}
}

func (g *GeminiGenerator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Stream opens a token stream for one turn. The first response is awaited
// here so connection, auth and quota failures surface before any token.
func (g *GeminiGenerator) Stream(ctx context.Context, req core.GenerationRequest) (core.TokenStream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, g.timeout)

	system := BuildSystemInstruction(req)
	history := historyContents(req.History)

	res, err := g.breaker.Execute(func() (opened, error) {
		it := g.open(streamCtx, system, history, req.Prompt)
		first, err := it.Next()
		if err == iterator.Done {
			return opened{iter: it, done: true}, nil
		}
		if err != nil {
			return opened{}, classifyError("stream", err)
		}
		return opened{iter: it, first: first}, nil
	})
	if err != nil {
		cancel()
		gerr := classifyError("stream", err)
		metrics.GenerationErrors.WithLabelValues(boolLabel(gerr.Retryable)).Inc()
		return nil, gerr
	}

	s := &tokenStream{
		iter:    res.iter,
		cancel:  cancel,
		sources: retrievedSources(req.Articles),
		done:    res.done,
	}
	if res.first != nil {
		s.pending = responseText(res.first)
	}
	return s, nil
}

// tokenStream adapts a Gemini response iterator to core.TokenStream.
type tokenStream struct {
	iter    responseIterator
	cancel  context.CancelFunc
	pending []string
	sources []models.ArticleSource
	done    bool

	closeOnce sync.Once
}

func (s *tokenStream) Next(ctx context.Context) (string, error) {
	for {
		if len(s.pending) > 0 {
			tok := s.pending[0]
			s.pending = s.pending[1:]
			return tok, nil
		}
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.done = true
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			gerr := classifyError("stream", err)
			metrics.GenerationErrors.WithLabelValues(boolLabel(gerr.Retryable)).Inc()
			return "", gerr
		}
		s.pending = responseText(resp)
	}
}

func (s *tokenStream) Sources() []models.ArticleSource {
	return s.sources
}

// Close cancels the underlying request. Safe to call more than once.
func (s *tokenStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

// responseText extracts the non-empty text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) []string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok && t != "" {
			out = append(out, string(t))
		}
	}
	return out
}

// historyContents maps stored turns to Gemini roles. Gemini expects the
// history to open with a user turn and alternate, so consecutive turns of the
// same role are merged and leading assistant turns dropped. Trailing user
// turns were never answered (their generation failed or was abandoned) and
// are dropped so the new prompt follows a model turn.
func historyContents(history []models.ChatMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range history {
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if len(out) == 0 && role == "model" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, genai.Text(m.Content))
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if n := len(out); n > 0 && out[n-1].Role == "user" {
		out = out[:n-1]
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ core.Generator = (*GeminiGenerator)(nil)
