package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	db "github.com/markdave123-py/kbchat/internal/core/database"
	"github.com/markdave123-py/kbchat/internal/models"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeObjects struct {
	files map[string][]byte
}

func (f *fakeObjects) UploadFile(_ context.Context, bucket, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.files[bucket+"/"+key] = b
	return "mem://" + bucket + "/" + key, nil
}

func (f *fakeObjects) DeleteFile(_ context.Context, bucket, key string) error {
	delete(f.files, bucket+"/"+key)
	return nil
}

func (f *fakeObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := f.files[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no such key %s/%s", bucket, key)
	}
	return b, nil
}

func collect(t *testing.T, frags []string, target, overlap int) []chunk {
	t.Helper()
	g, ctx := errgroup.WithContext(context.Background())
	in := make(chan string)
	g.Go(func() error {
		defer close(in)
		for _, f := range frags {
			in <- f
		}
		return nil
	})
	var out []chunk
	for c := range streamChunk(ctx, g, in, target, overlap) {
		out = append(out, c)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestStreamChunkTargetsAndOverlap(t *testing.T) {
	// Each fragment is 8 runes, 2 tokens.
	frags := []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd", "eeeeeeee"}
	chunks := collect(t, frags, 4, 2)

	want := []string{
		"aaaaaaaa\nbbbbbbbb",
		"bbbbbbbb\ncccccccc",
		"cccccccc\ndddddddd",
		"dddddddd\neeeeeeee",
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %+v", len(chunks), len(want), chunks)
	}
	for i, c := range chunks {
		if c.Pos != i || c.Text != want[i] || c.TokenCnt != 4 {
			t.Errorf("chunk %d = %+v, want pos %d text %q tokens 4", i, c, i, want[i])
		}
	}
}

func TestStreamChunkNoOverlapEmitsTail(t *testing.T) {
	chunks := collect(t, []string{"aaaaaaaa", "bbbbbbbb", "cc"}, 4, 0)
	if len(chunks) != 2 || chunks[1].Text != "cc" || chunks[1].TokenCnt != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestApproxTokens(t *testing.T) {
	for s, want := range map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2, "ééééé": 2} {
		if got := approxTokens(s); got != want {
			t.Errorf("approxTokens(%q) = %d, want %d", s, got, want)
		}
	}
}

func seededStore() *db.MemoryClient {
	store := db.NewMemoryClient()
	store.SeedArticles(
		models.Article{ID: "a1", Title: "RSVP to events", Slug: "rsvp", Category: "events",
			Content: strings.Repeat("Press the RSVP button on the event page.\n", 40)},
		models.Article{ID: "a2", Title: "Moderation guide", Slug: "moderation", Category: "moderation",
			StorageKey: "articles/moderation.txt", ContentType: "text/plain"},
	)
	return store
}

func TestProcessOneFromStoredContent(t *testing.T) {
	store := seededStore()
	var indexed []string
	ix := NewArticleIndexer(store, nil, &fakeEmbedder{}, NewDocconvExtractor(false),
		IndexConfig{TargetTokens: 60, OverlapTokens: 10, BatchSize: 4},
		func(slug string) { indexed = append(indexed, slug) })

	if err := ix.ProcessOne(context.Background(), "rsvp"); err != nil {
		t.Fatal(err)
	}

	chunks := store.Chunks("a1")
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if c.Position != i || c.ID == "" || len(c.Embedding) != 2 {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
	a, _ := store.GetArticleBySlug(context.Background(), "rsvp")
	if a.IndexStatus != StatusReady {
		t.Errorf("status = %s, want ready", a.IndexStatus)
	}
	if len(indexed) != 1 || indexed[0] != "rsvp" {
		t.Errorf("onIndexed calls = %v", indexed)
	}
}

func TestProcessOneFromObjectStorage(t *testing.T) {
	store := seededStore()
	objs := &fakeObjects{files: map[string][]byte{}}
	_, _ = objs.UploadFile(context.Background(), "kb", "articles/moderation.txt",
		strings.NewReader("Be kind.\nReport spam with the flag icon.\n"), "text/plain")

	ix := NewArticleIndexer(store, objs, &fakeEmbedder{}, NewDocconvExtractor(false), IndexConfig{Bucket: "kb"}, nil)
	if err := ix.ProcessOne(context.Background(), "moderation"); err != nil {
		t.Fatal(err)
	}
	chunks := store.Chunks("a2")
	if len(chunks) != 1 || !strings.Contains(chunks[0].Text, "flag icon") {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestProcessOneFailureKeepsOldChunks(t *testing.T) {
	store := seededStore()
	old := []models.ArticleChunk{{ID: "old", Text: "old", Embedding: []float32{1, 1}}}
	_ = store.ReplaceArticleChunks(context.Background(), "a1", old)

	var called bool
	ix := NewArticleIndexer(store, nil, &fakeEmbedder{err: errors.New("quota")}, NewDocconvExtractor(false),
		IndexConfig{}, func(string) { called = true })

	if err := ix.ProcessOne(context.Background(), "rsvp"); err == nil {
		t.Fatal("expected embedding failure")
	}
	if chunks := store.Chunks("a1"); len(chunks) != 1 || chunks[0].ID != "old" {
		t.Errorf("chunks = %+v, want previous set untouched", chunks)
	}
	a, _ := store.GetArticleBySlug(context.Background(), "rsvp")
	if a.IndexStatus != StatusFailed {
		t.Errorf("status = %s, want failed", a.IndexStatus)
	}
	if called {
		t.Error("onIndexed must not run for failed jobs")
	}
}

func TestProcessOneUnknownSlug(t *testing.T) {
	ix := NewArticleIndexer(seededStore(), nil, &fakeEmbedder{}, NewDocconvExtractor(false), IndexConfig{}, nil)
	if err := ix.ProcessOne(context.Background(), "nope"); !errors.Is(err, ErrArticleNotFound) {
		t.Errorf("err = %v, want ErrArticleNotFound", err)
	}
}

func TestEnqueueAndWorkers(t *testing.T) {
	store := seededStore()
	done := make(chan string, 1)
	ix := NewArticleIndexer(store, nil, &fakeEmbedder{}, NewDocconvExtractor(false),
		IndexConfig{QueueSize: 1}, func(slug string) { done <- slug })

	if err := ix.Enqueue("rsvp"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Enqueue("rsvp"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Enqueue err = %v, want ErrQueueFull", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ix.Start(ctx, 1)
	if slug := <-done; slug != "rsvp" {
		t.Errorf("indexed %q", slug)
	}
	cancel()
	ix.Wait()
}
