package handlers

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/kbchat/internal/core/cache"
	"github.com/markdave123-py/kbchat/internal/core/ingestion_engine"
	"github.com/markdave123-py/kbchat/internal/logging"
	"github.com/markdave123-py/kbchat/internal/models"
	"github.com/markdave123-py/kbchat/internal/services"
)

const maxUploadBytes = 32 << 20

// CategorySource lists categories and reports cache health.
type CategorySource interface {
	Categories(ctx context.Context) ([]models.Category, error)
	CacheStats() map[string]cache.Stats
}

type ArticleHandler struct {
	articles *services.ArticleService
	catalog  CategorySource
}

func NewArticleHandler(articles *services.ArticleService, catalog CategorySource) *ArticleHandler {
	return &ArticleHandler{articles: articles, catalog: catalog}
}

type indexResponse struct {
	Slug   string `json:"slug"`
	Status string `json:"status"`
}

// Categories lists knowledge-base categories with their article counts.
func (h *ArticleHandler) Categories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.catalog.Categories(r.Context())
	if err != nil {
		writeError(w, r, "articles.categories", err)
		return
	}
	if cats == nil {
		cats = []models.Category{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// Reindex queues an article for chunking and embedding.
func (h *ArticleHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	a, err := h.articles.Reindex(r.Context(), slug)
	if err != nil {
		h.writeIndexError(w, r, "articles.reindex", err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "article not found"})
		return
	}
	writeJSON(w, http.StatusAccepted, indexResponse{Slug: a.Slug, Status: ingestion_engine.StatusPending})
}

// UploadBody replaces an article's raw body with the multipart "file" field
// and queues a reindex.
func (h *ArticleHandler) UploadBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid file"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	slug := chi.URLParam(r, "slug")
	a, err := h.articles.UploadBody(r.Context(), slug, filepath.Base(header.Filename), contentType, file)
	if err != nil {
		h.writeIndexError(w, r, "articles.upload", err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "article not found"})
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("slug", slug).
		Str("storage_key", a.StorageKey).
		Int64("size", header.Size).
		Msg("article body uploaded")
	writeJSON(w, http.StatusAccepted, indexResponse{Slug: a.Slug, Status: ingestion_engine.StatusPending})
}

// CacheStats reports hit and miss counters of the retrieval caches.
func (h *ArticleHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.CacheStats())
}

func (h *ArticleHandler) writeIndexError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ingestion_engine.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrStorageDisabled), errors.Is(err, services.ErrIndexingDisabled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		writeError(w, r, op, err)
	}
}
