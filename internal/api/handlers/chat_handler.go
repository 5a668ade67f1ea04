package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/markdave123-py/kbchat/internal/core"
	"github.com/markdave123-py/kbchat/internal/core/classifier"
	"github.com/markdave123-py/kbchat/internal/core/ratelimit"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/metrics"
	"github.com/markdave123-py/kbchat/internal/models"
	"github.com/markdave123-py/kbchat/internal/services"
)

// Chat turn outcomes, used as the chat_requests_total label.
const (
	outcomeDone            = "done"
	outcomeUnauthenticated = "unauthenticated"
	outcomeRejected        = "rejected"
	outcomeInvalid         = "invalid"
	outcomeForbidden       = "forbidden"
	outcomeNotFound        = "not_found"
	outcomeError           = "error"
	outcomeAborted         = "aborted"
)

const (
	retryableGenerationMessage = "the assistant is temporarily unavailable, please try again"
	fatalGenerationMessage     = "the assistant could not answer this request"
)

// Retriever supplies candidate articles and, when nothing matched, the
// category list used for redirection.
type Retriever interface {
	RetrieveRelevantArticles(ctx context.Context, query string) ([]models.Article, error)
	Categories(ctx context.Context) ([]models.Category, error)
}

type ChatHandlerConfig struct {
	// HistoryLimit bounds the prior messages handed to generation.
	HistoryLimit     int
	MaxMessageLength int
	// GenerationTimeout bounds one whole generated answer.
	GenerationTimeout time.Duration
}

type ChatHandler struct {
	sessions   *services.SessionService
	messages   *services.MessageService
	retriever  Retriever
	classifier *classifier.Classifier
	generator  core.Generator
	limiter    *ratelimit.Limiter
	cfg        ChatHandlerConfig
}

func NewChatHandler(
	sessions *services.SessionService,
	messages *services.MessageService,
	retriever Retriever,
	cls *classifier.Classifier,
	gen core.Generator,
	limiter *ratelimit.Limiter,
	cfg ChatHandlerConfig,
) *ChatHandler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	return &ChatHandler{
		sessions:   sessions,
		messages:   messages,
		retriever:  retriever,
		classifier: cls,
		generator:  gen,
		limiter:    limiter,
		cfg:        cfg,
	}
}

type streamRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=64"`
	Message   string `json:"message" validate:"required"`
}

type createSessionRequest struct {
	Title string `json:"title"`
}

// turn is everything gathered before generation starts.
type turn struct {
	userID   string
	session  *models.ChatSession
	message  string
	history  []models.ChatMessage
	articles []models.Article
	flags    core.QueryFlags
}

// Stream answers one chat message over an event stream. Every failure up to
// and including the session check is an HTTP error; from the first frame on,
// failures become error frames.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	outcome := h.stream(w, r)
	metrics.ChatRequests.WithLabelValues(outcome).Inc()
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()

	userID := logging.UserIDFromContext(ctx)
	if userID == "" {
		writeError(w, r, "chat.authenticate", core.ErrUnauthenticated)
		return outcomeUnauthenticated
	}

	decision := h.limiter.Check(userID)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.Allowed {
		writeError(w, r, "chat.rate_limit", &core.RateLimitError{Remaining: decision.Remaining, WaitTime: decision.WaitTime})
		return outcomeRejected
	}

	req, err := h.decodeStreamRequest(w, r)
	if err != nil {
		writeError(w, r, "chat.validate", err)
		return outcomeInvalid
	}

	session, err := h.sessions.GetSession(ctx, req.SessionID, userID)
	if err != nil {
		writeError(w, r, "chat.verify_session", err)
		return outcomeFor(err)
	}

	ctx = logging.ContextWithSessionID(ctx, session.ID)
	r = r.WithContext(ctx)
	log := *logging.Ctx(ctx)

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, r, "chat.stream", errors.New("response writer cannot flush"))
		return outcomeError
	}

	history, err := h.messages.RecentMessages(ctx, session.ID, h.cfg.HistoryLimit)
	if err != nil {
		writeError(w, r, "chat.load_history", err)
		return outcomeError
	}
	if _, err := h.messages.SaveMessage(ctx, session.ID, userID, models.RoleUser, req.Message, nil); err != nil {
		writeError(w, r, "chat.persist_user_message", err)
		return outcomeError
	}
	if len(history) == 0 {
		if _, err := h.sessions.TitleFromFirstMessage(ctx, session, req.Message); err != nil {
			log.Warn().Err(err).Str("op", "chat.title").Msg("failed to title session")
		}
	}

	t := turn{
		userID:   userID,
		session:  session,
		message:  req.Message,
		history:  history,
		articles: h.retrieve(ctx, log, req.Message),
	}
	t.flags = h.classifier.Classify(req.Message, t.articles)
	if len(t.articles) == 0 {
		t.flags.Categories = h.categories(ctx, log)
	}

	return h.generate(ctx, sse, log, t)
}

func (h *ChatHandler) decodeStreamRequest(w http.ResponseWriter, r *http.Request) (streamRequest, error) {
	var req streamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return req, err
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)

	if err := validateStruct(&req); err != nil {
		return req, err
	}
	if err := validateVar(req.Message, "message", "max="+strconv.Itoa(h.cfg.MaxMessageLength)); err != nil {
		return req, err
	}
	return req, nil
}

// retrieve degrades to no candidates when the repository is unavailable.
func (h *ChatHandler) retrieve(ctx context.Context, log zerolog.Logger, query string) []models.Article {
	articles, err := h.retriever.RetrieveRelevantArticles(ctx, query)
	if err != nil {
		log.Warn().Err(err).Str("op", "chat.retrieve").Msg("retrieval failed, continuing without articles")
		return nil
	}
	return articles
}

func (h *ChatHandler) categories(ctx context.Context, log zerolog.Logger) []models.Category {
	cats, err := h.retriever.Categories(ctx)
	if err != nil {
		log.Warn().Err(err).Str("op", "chat.categories").Msg("category lookup failed")
		return nil
	}
	return cats
}

// generate streams the answer, then persists it and closes with sources and
// done frames. A failed or abandoned generation persists nothing.
func (h *ChatHandler) generate(ctx context.Context, sse *sseWriter, log zerolog.Logger, t turn) string {
	sse.start()
	start := time.Now()

	genCtx, cancel := context.WithTimeout(ctx, h.cfg.GenerationTimeout)
	defer cancel()

	stream, err := h.generator.Stream(genCtx, core.GenerationRequest{
		Prompt:   t.message,
		History:  t.history,
		Articles: t.articles,
		Flags:    t.flags,
	})
	if err != nil {
		return h.streamFailed(ctx, sse, log, "open", err)
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		tok, err := stream.Next(genCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return h.streamFailed(ctx, sse, log, "next", err)
		}
		answer.WriteString(tok)
		metrics.ChatGeneratedTokens.Inc()
		if err := sse.content(tok); err != nil {
			log.Debug().Err(err).Msg("client went away mid-stream")
			return outcomeAborted
		}
	}
	metrics.ChatStreamDuration.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return outcomeAborted
	}

	sources := stream.Sources()
	if _, err := h.messages.SaveMessage(ctx, t.session.ID, t.userID, models.RoleAssistant, answer.String(), sources); err != nil {
		if ctx.Err() != nil {
			return outcomeAborted
		}
		log.Error().Err(err).Str("op", "chat.persist_assistant_message").Msg("failed to save answer")
		_ = sse.fail(genericErrorMessage, true)
		return outcomeError
	}

	if err := sse.sources(sources); err != nil {
		return outcomeAborted
	}
	if err := sse.done(); err != nil {
		return outcomeAborted
	}
	return outcomeDone
}

func (h *ChatHandler) streamFailed(ctx context.Context, sse *sseWriter, log zerolog.Logger, op string, err error) string {
	if ctx.Err() != nil {
		log.Info().Str("op", "chat.generate."+op).Msg("client disconnected during generation")
		return outcomeAborted
	}

	var gerr *core.GenerationError
	if !errors.As(err, &gerr) {
		gerr = &core.GenerationError{Op: op, Err: err, Retryable: errors.Is(err, context.DeadlineExceeded)}
	}
	log.Error().Err(err).Str("op", "chat.generate."+op).Bool("retryable", gerr.Retryable).Msg("generation failed")

	msg := fatalGenerationMessage
	if gerr.Retryable {
		msg = retryableGenerationMessage
	}
	_ = sse.fail(msg, gerr.Retryable)
	return outcomeError
}

func outcomeFor(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return outcomeInvalid
	case http.StatusUnauthorized:
		return outcomeUnauthenticated
	case http.StatusForbidden:
		return outcomeForbidden
	case http.StatusNotFound:
		return outcomeNotFound
	case http.StatusTooManyRequests:
		return outcomeRejected
	default:
		return outcomeError
	}
}

// CreateSession starts a conversation. The body and its title are optional.
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, "sessions.create", err)
		return
	}
	session, err := h.sessions.CreateSession(r.Context(), logging.UserIDFromContext(r.Context()), req.Title)
	if err != nil {
		writeError(w, r, "sessions.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, r, "sessions.list", core.ErrUnauthenticated)
		return
	}
	sessions, err := h.sessions.ListSessions(r.Context(), userID)
	if err != nil {
		writeError(w, r, "sessions.list", err)
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetMessages returns the session's history after the ownership check.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := logging.UserIDFromContext(ctx)
	if userID == "" {
		writeError(w, r, "messages.list", core.ErrUnauthenticated)
		return
	}

	session, err := h.sessions.GetSession(ctx, chi.URLParam(r, "sessionId"), userID)
	if err != nil {
		writeError(w, r, "messages.list", err)
		return
	}
	msgs, err := h.messages.GetMessages(ctx, session.ID)
	if err != nil {
		writeError(w, r, "messages.list", err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := logging.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, r, "sessions.delete", core.ErrUnauthenticated)
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), chi.URLParam(r, "sessionId"), userID); err != nil {
		writeError(w, r, "sessions.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
