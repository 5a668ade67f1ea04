package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markdave123-py/kbchat/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/kbchat/internal/api/middlewares"
	"github.com/markdave123-py/kbchat/internal/config"
	"github.com/markdave123-py/kbchat/internal/logging"
)

const (
	restTimeout   = 30 * time.Second
	uploadTimeout = 5 * time.Minute
)

// Handlers groups the HTTP handlers the router mounts.
type Handlers struct {
	Chat     *handlers.ChatHandler
	Articles *handlers.ArticleHandler
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, h Handlers) *Server {
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: chat answers are streamed for as long as generation runs.
	}
	return &Server{httpServer: httpSrv}
}

// NewRouter mounts every route. The chat stream is kept out of the request
// timeout, which would otherwise cut long answers.
func NewRouter(cfg *config.Config, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORSOrigins),
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.IPRateLimit, cfg.IPRateWindow))
		api.Use(appMiddleware.JWTMiddleware([]byte(cfg.JWTSecret)))

		api.Post("/chat/stream", h.Chat.Stream)

		api.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(restTimeout))
			rest.Post("/chat/sessions", h.Chat.CreateSession)
			rest.Get("/chat/sessions", h.Chat.ListSessions)
			rest.Get("/chat/sessions/{sessionId}/messages", h.Chat.GetMessages)
			rest.Delete("/chat/sessions/{sessionId}", h.Chat.DeleteSession)
			rest.Get("/articles/categories", h.Articles.Categories)
		})

		api.Group(func(admin chi.Router) {
			admin.Use(appMiddleware.RequireRole(appMiddleware.RoleAdmin))
			admin.Use(middleware.Timeout(uploadTimeout))
			admin.Post("/articles/{slug}/reindex", h.Articles.Reindex)
			admin.Put("/articles/{slug}/body", h.Articles.UploadBody)
			admin.Get("/admin/cache", h.Articles.CacheStats)
		})
	})

	return r
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info().Msg("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
