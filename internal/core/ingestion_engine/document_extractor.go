package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/kbchat/internal/core"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

// ExtractText converts data with docconv and emits one fragment per non-blank line.
// Plain text bodies skip the converter.
func (e *DocconvExtractor) ExtractText(ctx context.Context, g *errgroup.Group, data []byte, contentType string) <-chan string {
	out := make(chan string, 32)

	g.Go(func() error {
		defer close(out)

		var text string
		if isPlainText(contentType) {
			text = string(data)
		} else {
			res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
			if err != nil {
				return fmt.Errorf("docconv %q: %w", contentType, err)
			}
			text = res.Body
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("docconv %q: extracted empty text", contentType)
		}
		return emitLines(ctx, out, text)
	})

	return out
}

// TextFragments streams an already-extracted body through the same line splitting.
func TextFragments(ctx context.Context, g *errgroup.Group, text string) <-chan string {
	out := make(chan string, 32)
	g.Go(func() error {
		defer close(out)
		return emitLines(ctx, out, text)
	})
	return out
}

func emitLines(ctx context.Context, out chan<- string, text string) error {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isPlainText(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == "" || strings.HasPrefix(ct, "text/plain") || strings.HasPrefix(ct, "text/markdown")
}
