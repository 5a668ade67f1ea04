// Package cache provides a generic in-memory TTL cache and a request
// deduplicator that collapses concurrent fetches for the same key.
//
// Both are constructed once at startup and shared by all requests:
//
//	articles := cache.New[[]models.Article](cache.Options{Name: "retrieval", DefaultTTL: 5 * time.Minute, MaxSize: 500})
//	articles.Start()
//	defer articles.Stop()
package cache

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/markdave123-py/kbchat/internal/metrics"
)

const (
	defaultTTL             = 5 * time.Minute
	defaultMaxSize         = 1000
	defaultCleanupInterval = time.Minute
)

// Options configures a Cache.
type Options struct {
	// Name labels the cache in metrics. Empty disables metrics.
	Name string
	// DefaultTTL applies when Set is called without a ttl.
	DefaultTTL time.Duration
	// MaxSize bounds the number of entries; the oldest-created entry is evicted first.
	MaxSize int
	// CleanupInterval is the period of the background expiry sweep.
	CleanupInterval time.Duration
	// Clock is the time source. Defaults to time.Now, whose monotonic reading
	// keeps expiry immune to wall clock adjustments.
	Clock func() time.Time
}

type entry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
	hitCount  atomic.Int64
}

// Stats is a point-in-time snapshot of cache performance.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"maxSize"`
}

// Cache is a thread-safe TTL cache. Expired entries are invisible to Get,
// removed by a periodic sweep, and evicted oldest-first when over capacity.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	opts    Options
	// epoch advances on every Delete, Clear and InvalidatePattern.
	epoch uint64

	hits   atomic.Int64
	misses atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a cache. Call Start to run the background sweep and Stop at shutdown.
func New[T any](opts Options) *Cache[T] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache[T]{
		entries: make(map[string]*entry[T]),
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start launches the periodic cleanup sweep. It runs on its own ticker,
// independent of request volume.
func (c *Cache[T]) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.cleanupLoop()
	})
}

// Stop cancels the cleanup sweep and waits for it to exit.
func (c *Cache[T]) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Cache[T]) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Get returns the value for key. An expired entry is deleted and counts as a miss.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	now := c.opts.Clock()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.recordMiss()
		return zero, false
	}

	if !now.Before(e.expiresAt) {
		c.mu.Lock()
		// Only delete if nobody replaced the entry in between.
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.recordMiss()
		c.updateSizeGauge()
		return zero, false
	}

	e.hitCount.Add(1)
	c.recordHit()
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, c.opts.DefaultTTL)
}

// SetWithTTL stores value under key. A non-positive ttl means the default TTL.
func (c *Cache[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	c.setLocked(key, value, ttl)
	c.mu.Unlock()

	c.updateSizeGauge()
}

// Epoch returns the current invalidation epoch. Pair it with SetIfEpoch to
// store a value loaded from upstream only if nothing was invalidated meanwhile.
func (c *Cache[T]) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SetIfEpoch stores value only while the cache is still at epoch and reports
// whether it did.
func (c *Cache[T]) SetIfEpoch(key string, value T, ttl time.Duration, epoch uint64) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	c.setLocked(key, value, ttl)
	c.mu.Unlock()

	c.updateSizeGauge()
	return true
}

func (c *Cache[T]) setLocked(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := c.opts.Clock()
	c.entries[key] = &entry[T]{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	if len(c.entries) > c.opts.MaxSize {
		c.evictLocked(now)
	}
}

// evictLocked drops expired entries, then the oldest-created ones, until the
// cache fits. Must be called with mu held.
func (c *Cache[T]) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.opts.MaxSize {
		var (
			oldestKey string
			oldest    *entry[T]
		)
		for key, e := range c.entries {
			if oldest == nil || e.createdAt.Before(oldest.createdAt) {
				oldestKey, oldest = key, e
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Has reports whether key holds a live entry. It does not touch stats.
func (c *Cache[T]) Has(key string) bool {
	now := c.opts.Clock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && now.Before(e.expiresAt)
}

// Delete removes key. Missing keys are a no-op.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.epoch++
	c.mu.Unlock()
	c.updateSizeGauge()
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry[T])
	c.epoch++
	c.mu.Unlock()
	c.updateSizeGauge()
}

// InvalidatePattern removes every key matching re and returns how many were removed.
func (c *Cache[T]) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	c.epoch++
	c.mu.Unlock()
	c.updateSizeGauge()
	return removed
}

// Cleanup removes all expired entries and returns how many were removed.
func (c *Cache[T]) Cleanup() int {
	now := c.opts.Clock()
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	c.updateSizeGauge()
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetStats returns a snapshot of hit/miss counters and size.
func (c *Cache[T]) GetStats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		Size:    c.Len(),
		MaxSize: c.opts.MaxSize,
	}
}

func (c *Cache[T]) recordHit() {
	c.hits.Add(1)
	if c.opts.Name != "" {
		metrics.CacheRequests.WithLabelValues(c.opts.Name, "hit").Inc()
	}
}

func (c *Cache[T]) recordMiss() {
	c.misses.Add(1)
	if c.opts.Name != "" {
		metrics.CacheRequests.WithLabelValues(c.opts.Name, "miss").Inc()
	}
}

func (c *Cache[T]) updateSizeGauge() {
	if c.opts.Name != "" {
		metrics.CacheEntries.WithLabelValues(c.opts.Name).Set(float64(c.Len()))
	}
}

// GenerateKey builds a deterministic key from a namespace and parameters.
// The namespace stays readable so keys can be invalidated by prefix.
func GenerateKey(namespace string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", namespace, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", namespace, hash[:16])
}
