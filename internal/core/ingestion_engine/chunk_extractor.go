package ingestion_engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/kbchat/internal/logging"
)

// chunk is the internal representation passed through the pipeline.
type chunk struct {
	Pos      int
	Text     string
	TokenCnt int
}

// streamChunk groups incoming fragments into token-bounded chunks. Each chunk
// is seeded with a tail of the previous one worth at most overlapTokens.
func streamChunk(
	ctx context.Context,
	g *errgroup.Group,
	frags <-chan string,
	targetTokens int,
	overlapTokens int,
) <-chan chunk {
	out := make(chan chunk, 8)

	g.Go(func() error {
		defer close(out)

		var (
			buf    []string
			tokSum int
			pos    int
			fresh  int // fragments added since the last flush
		)

		flush := func() error {
			if fresh == 0 {
				return nil
			}
			ch := chunk{Pos: pos, Text: strings.Join(buf, "\n"), TokenCnt: tokSum}
			pos++

			select {
			case out <- ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			logging.Debug().Int("pos", ch.Pos).Int("tokens", tokSum).Int("lines", len(buf)).Msg("chunk emitted")

			var keep []string
			remain := overlapTokens
			for j := len(buf) - 1; j >= 0; j-- {
				t := approxTokens(buf[j])
				if t > remain {
					break
				}
				keep = append([]string{buf[j]}, keep...)
				remain -= t
			}
			buf = keep
			tokSum = overlapTokens - remain
			fresh = 0
			return nil
		}

		for frag := range frags {
			if err := ctx.Err(); err != nil {
				return err
			}
			buf = append(buf, frag)
			tokSum += approxTokens(frag)
			fresh++

			if tokSum >= targetTokens {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
