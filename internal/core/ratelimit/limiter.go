// Package ratelimit implements per-user sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"

	"github.com/markdave123-py/kbchat/internal/metrics"
)

// Config configures a Limiter.
type Config struct {
	// Limit is the number of requests admitted per key inside any rolling Window.
	Limit  int
	Window time.Duration
	// SweepInterval is how often idle keys are dropped. Defaults to Window.
	SweepInterval time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// WaitTime is how long until the oldest counted request leaves the
	// window. Zero when the request was allowed.
	WaitTime time.Duration
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set once the sweep removed this window from the map.
	dead bool
}

// Limiter tracks admitted-request timestamps per key. State lives in memory
// only; a restart resets every budget.
type Limiter struct {
	cfg Config

	mu      sync.RWMutex
	windows map[string]*window

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Window
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
}

// Limit returns the configured per-window budget.
func (l *Limiter) Limit() int { return l.cfg.Limit }

// Check prunes expired timestamps for key and admits the request if the
// window still has room. Prune, admit and record happen under the key's lock,
// so concurrent checks for one key can never overshoot the limit.
func (l *Limiter) Check(key string) Result {
	for {
		w := l.window(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		res := l.checkLocked(w)
		w.mu.Unlock()

		if res.Allowed {
			metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
		} else {
			metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
		}
		return res
	}
}

func (l *Limiter) checkLocked(w *window) Result {
	now := l.cfg.Clock()
	cutoff := now.Add(-l.cfg.Window)

	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		// A timestamp in the future means the clock went backwards; treat it
		// as recorded now so it still expires after one window.
		if ts.After(now) {
			ts = now
		}
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) < l.cfg.Limit {
		w.stamps = append(w.stamps, now)
		return Result{Allowed: true, Remaining: l.cfg.Limit - len(w.stamps)}
	}

	wait := w.stamps[0].Add(l.cfg.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	if wait > l.cfg.Window {
		wait = l.cfg.Window
	}
	return Result{Allowed: false, Remaining: 0, WaitTime: wait}
}

func (l *Limiter) window(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{stamps: make([]time.Time, 0, l.cfg.Limit)}
	l.windows[key] = w
	return w
}

// Sweep drops keys whose every timestamp has left the window and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.cfg.Clock().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		idle := true
		for _, ts := range w.stamps {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// Start runs Sweep on a ticker until Stop is called.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-l.done:
					return
				case <-ticker.C:
					l.Sweep()
				}
			}
		}()
	})
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}
