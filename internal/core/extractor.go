package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DocumentExtractor turns a raw article body into text fragments.
type DocumentExtractor interface {
	// ExtractText runs inside g and streams non-empty text fragments. The
	// contentType hint selects the parsing strategy. The channel is closed
	// when extraction ends; failures are reported through g.
	ExtractText(ctx context.Context, g *errgroup.Group, data []byte, contentType string) <-chan string
}
