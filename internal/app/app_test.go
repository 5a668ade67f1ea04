package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/kbchat/internal/config"
	db "github.com/markdave123-py/kbchat/internal/core/database"
	"github.com/markdave123-py/kbchat/internal/models"
)

const testSecret = "app-test-secret"

const seedJSON = `[
  {"title": "Event RSVP", "slug": "rsvp", "category": "events",
   "content": "To RSVP to an event open the event page and press the RSVP button."},
  {"title": "Forum rules", "slug": "forum-rules", "category": "forums",
   "content": "Be civil in every forum thread."}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "articles.json")
	if err := os.WriteFile(seed, []byte(seedJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Port:                 "0",
		StoreDriver:          config.StoreMemory,
		JWTSecret:            testSecret,
		BucketName:           "kb",
		CORSOrigins:          []string{"*"},
		ChatRateLimit:        20,
		ChatRateWindow:       time.Minute,
		IPRateLimit:          1000,
		IPRateWindow:         time.Minute,
		RetrievalCacheTTL:    time.Minute,
		CategoryCacheTTL:     time.Minute,
		CacheMaxSize:         100,
		CacheCleanupInterval: time.Minute,
		RetrievalLimit:       5,
		HistoryLimit:         20,
		MaxMessageLength:     4000,
		GenerationTimeout:    10 * time.Second,
		IndexWorkers:         1,
		SeedArticlesPath:     seed,
		ShutdownTimeout:      time.Second,
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := NewApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func bearer(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + s
}

func call(h http.Handler, method, target, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPublicEndpoints(t *testing.T) {
	h := newTestApp(t).Server.Handler()

	if rec := call(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	rec := call(h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := newTestApp(t).Server.Handler()

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/api/chat/stream"},
		{http.MethodGet, "/api/chat/sessions"},
		{http.MethodGet, "/api/articles/categories"},
	} {
		if rec := call(h, tc.method, tc.target, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", tc.method, tc.target, rec.Code)
		}
	}
}

func TestChatTurnEndToEnd(t *testing.T) {
	a := newTestApp(t)
	h := a.Server.Handler()
	auth := bearer(t, jwt.MapClaims{"user_id": "u1"})

	rec := call(h, http.MethodPost, "/api/chat/sessions", auth, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session = %d (%s)", rec.Code, rec.Body.String())
	}
	var session models.ChatSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatal(err)
	}

	body := `{"sessionId":"` + session.ID + `","message":"How do I RSVP to an event?"}`
	rec = call(h, http.MethodPost, "/api/chat/stream", auth, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "19" {
		t.Errorf("X-RateLimit-Remaining = %q, want 19", got)
	}

	out := rec.Body.String()
	if !strings.HasPrefix(out, `data: {"type":"content"`) {
		t.Errorf("stream does not start with content: %q", out)
	}
	if !strings.Contains(out, `data: {"type":"sources","data":[{"title":"Event RSVP","slug":"rsvp","category":"events"}]}`) {
		t.Errorf("stream lacks rsvp source: %q", out)
	}
	if !strings.HasSuffix(out, `data: {"type":"done","data":null}`+"\n\n") {
		t.Errorf("stream does not end with done: %q", out)
	}

	rec = call(h, http.MethodGet, "/api/chat/sessions/"+session.ID+"/messages", auth, "")
	var msgs []models.ChatMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Role != models.RoleAssistant || len(msgs[1].Sources) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}

	rec = call(h, http.MethodGet, "/api/chat/sessions", auth, "")
	var sessions []models.ChatSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Title != "How do I RSVP to an event?" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestArticleRoutes(t *testing.T) {
	h := newTestApp(t).Server.Handler()
	member := bearer(t, jwt.MapClaims{"user_id": "u1"})
	admin := bearer(t, jwt.MapClaims{"user_id": "root", "role": "admin"})

	rec := call(h, http.MethodGet, "/api/articles/categories", member, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"events"`) {
		t.Errorf("categories = %d %s", rec.Code, rec.Body.String())
	}

	if rec := call(h, http.MethodPost, "/api/articles/rsvp/reindex", member, ""); rec.Code != http.StatusForbidden {
		t.Errorf("member reindex = %d, want 403", rec.Code)
	}
	// no embedding backend configured, so indexing is unavailable
	if rec := call(h, http.MethodPost, "/api/articles/rsvp/reindex", admin, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("admin reindex = %d, want 503", rec.Code)
	}
	if rec := call(h, http.MethodGet, "/api/admin/cache", admin, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"categories"`) {
		t.Errorf("cache stats = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSeedArticlesRequiresSlug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`[{"title":"No slug"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := seedArticles(db.NewMemoryClient(), path); err == nil {
		t.Fatal("expected error for article without slug")
	}
}

func TestNewAppRejectsUnknownStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "sqlite"
	if _, err := NewApp(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}
