package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	clock := newClock()
	l := New(Config{Limit: 3, Window: time.Minute, Clock: clock.Now})

	for i, want := range []int{2, 1, 0} {
		res := l.Check("user-1")
		if !res.Allowed {
			t.Fatalf("request %d rejected", i)
		}
		if res.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, want)
		}
		clock.Advance(10 * time.Second)
	}

	res := l.Check("user-1")
	if res.Allowed {
		t.Fatal("expected 4th request in window to be rejected")
	}
	// Oldest was recorded 30s ago, so it leaves the window in 30s.
	if res.WaitTime != 30*time.Second {
		t.Errorf("WaitTime = %s, want 30s", res.WaitTime)
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", res.Remaining)
	}
}

func TestLimiterSlidesWithOldestTimestamp(t *testing.T) {
	clock := newClock()
	l := New(Config{Limit: 2, Window: time.Minute, Clock: clock.Now})

	l.Check("u")
	clock.Advance(20 * time.Second)
	l.Check("u")

	clock.Advance(39 * time.Second)
	if res := l.Check("u"); res.Allowed || res.WaitTime != time.Second {
		t.Fatalf("got %+v, want rejection with 1s wait", res)
	}

	clock.Advance(time.Second)
	if res := l.Check("u"); !res.Allowed {
		t.Fatal("expected admission once the oldest request left the window")
	}
	// The second request (t=20s) is still counted alongside the new one.
	if res := l.Check("u"); res.Allowed || res.WaitTime != 20*time.Second {
		t.Fatalf("got %+v, want rejection with 20s wait", res)
	}
}

func TestLimiterRejectionsAreNotRecorded(t *testing.T) {
	clock := newClock()
	l := New(Config{Limit: 1, Window: time.Minute, Clock: clock.Now})

	l.Check("u")
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		l.Check("u")
	}
	clock.Advance(55 * time.Second)
	if res := l.Check("u"); !res.Allowed {
		t.Fatal("rejected checks must not extend the window")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{Limit: 1, Window: time.Minute, Clock: newClock().Now})

	if !l.Check("alice").Allowed {
		t.Fatal("alice rejected")
	}
	if !l.Check("bob").Allowed {
		t.Fatal("bob should not share alice's budget")
	}
	if l.Check("alice").Allowed {
		t.Fatal("alice's second request should be rejected")
	}
}

func TestLimiterConcurrentSameKey(t *testing.T) {
	l := New(Config{Limit: 10, Window: time.Minute})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("same-user").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := allowed.Load(); n != 10 {
		t.Errorf("allowed = %d, want exactly 10", n)
	}
}

func TestLimiterClockMovesBackwards(t *testing.T) {
	clock := newClock()
	l := New(Config{Limit: 1, Window: time.Minute, Clock: clock.Now})

	l.Check("u")
	clock.Advance(-time.Hour)

	res := l.Check("u")
	if res.Allowed {
		t.Fatal("expected rejection right after the admitted request")
	}
	if res.WaitTime < 0 || res.WaitTime > time.Minute {
		t.Fatalf("WaitTime = %s, want within [0, 1m]", res.WaitTime)
	}

	clock.Advance(time.Minute)
	if !l.Check("u").Allowed {
		t.Fatal("a backwards clock must not lock the key out for longer than one window")
	}
}

func TestLimiterSweepDropsIdleKeys(t *testing.T) {
	clock := newClock()
	l := New(Config{Limit: 5, Window: time.Minute, Clock: clock.Now})

	l.Check("idle")
	clock.Advance(45 * time.Second)
	l.Check("active")
	clock.Advance(30 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d keys, want 1", n)
	}
	if l.Keys() != 1 {
		t.Errorf("Keys() = %d, want 1", l.Keys())
	}

	// A swept key starts with a fresh budget.
	if res := l.Check("idle"); !res.Allowed || res.Remaining != 4 {
		t.Errorf("got %+v after sweep, want allowed with 4 remaining", res)
	}
}
