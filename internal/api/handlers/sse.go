package handlers

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/markdave123-py/kbchat/internal/models"
)

// Frame types on the chat event stream.
const (
	frameContent = "content"
	frameSources = "sources"
	frameDone    = "done"
	frameError   = "error"
)

// frame is one `data: <json>` event. Data is always present, null included.
type frame struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// sseWriter emits frames and flushes after each so tokens reach the client
// as soon as they are produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

// start commits the event-stream headers. Status changes are impossible afterwards.
func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.started = true
}

func (s *sseWriter) send(f frame) error {
	s.start()
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) content(token string) error {
	return s.send(frame{Type: frameContent, Data: token})
}

func (s *sseWriter) sources(src []models.ArticleSource) error {
	if src == nil {
		src = []models.ArticleSource{}
	}
	return s.send(frame{Type: frameSources, Data: src})
}

func (s *sseWriter) done() error {
	return s.send(frame{Type: frameDone})
}

func (s *sseWriter) fail(msg string, retryable bool) error {
	return s.send(frame{Type: frameError, Data: msg, Retryable: &retryable})
}
