package cache

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/kbchat/internal/metrics"
)

// Deduplicator guarantees at most one in-flight upstream call per key.
// Concurrent callers for the same key share the result, error included.
// The key is forgotten as soon as the call settles, so failures are never replayed.
type Deduplicator[T any] struct {
	name    string
	timeout time.Duration
	group   singleflight.Group
}

// NewDeduplicator creates a deduplicator. timeout bounds each upstream call,
// which runs detached from any single caller's cancellation.
func NewDeduplicator[T any](name string, timeout time.Duration) *Deduplicator[T] {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Deduplicator[T]{name: name, timeout: timeout}
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call. A caller whose ctx ends stops waiting; the
// shared call keeps running for the others.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	ch := d.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return fn(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Shared && d.name != "" {
			metrics.DedupShared.WithLabelValues(d.name).Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Forget drops any in-flight registration for key so the next call starts fresh.
func (d *Deduplicator[T]) Forget(key string) {
	d.group.Forget(key)
}

// GetOrFetch serves key from c, otherwise loads it through d and stores the
// result with ttl. Errors are returned to every waiter and never cached.
// A load that overlaps an invalidation of c is returned but not stored, and
// callers arriving after the invalidation start a fresh load.
func GetOrFetch[T any](ctx context.Context, c *Cache[T], d *Deduplicator[T], key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	epoch := c.Epoch()
	return d.Do(ctx, key+"#"+strconv.FormatUint(epoch, 10), func(fetchCtx context.Context) (T, error) {
		v, err := fn(fetchCtx)
		if err != nil {
			var zero T
			return zero, err
		}
		c.SetIfEpoch(key, v, ttl, epoch)
		return v, nil
	})
}
