package admission

import (
	"sync"
	"time"

	"nodeimage/internal/clock"
)

// RateLimiter is a fixed-window counter per client key.
type RateLimiter struct {
	clock   clock.Clock
	window  time.Duration
	windows sync.Map // string -> *window
}

type window struct {
	mu    sync.Mutex
	count int
	start time.Time
	// dead marks an entry the janitor removed; holders must reload.
	dead bool
}

// RateResult is the outcome of a single Check.
type RateResult struct {
	Allowed           bool
	RetryAfterSeconds int

	windowStart time.Time
}

func NewRateLimiter(length time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{clock: clk, window: length}
}

func (l *RateLimiter) Window() time.Duration { return l.window }

// Check counts one request for key when fewer than maxPerWindow were accepted
// in the current window. A non-positive maxPerWindow disables the limit.
func (l *RateLimiter) Check(key string, maxPerWindow int) RateResult {
	if maxPerWindow <= 0 {
		return RateResult{Allowed: true}
	}

	for {
		w := l.load(key)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}

		now := l.clock.Now()
		if w.start.IsZero() || now.Sub(w.start) >= l.window {
			w.start = now
			w.count = 0
		}

		if w.count >= maxPerWindow {
			remaining := l.window - now.Sub(w.start)
			w.mu.Unlock()
			return RateResult{Allowed: false, RetryAfterSeconds: ceilSeconds(remaining)}
		}

		w.count++
		start := w.start
		w.mu.Unlock()
		return RateResult{Allowed: true, windowStart: start}
	}
}

// Refund returns the unit taken by an allowed result, as long as its window
// is still the current one.
func (l *RateLimiter) Refund(key string, res RateResult) {
	if !res.Allowed || res.windowStart.IsZero() {
		return
	}
	v, ok := l.windows.Load(key)
	if !ok {
		return
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dead && w.start.Equal(res.windowStart) && w.count > 0 {
		w.count--
	}
}

// Prune drops windows untouched for longer than idle (and at least one window).
func (l *RateLimiter) Prune(idle time.Duration) int {
	if idle < l.window {
		idle = l.window
	}
	now := l.clock.Now()
	removed := 0
	l.windows.Range(func(k, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		if now.Sub(w.start) >= idle {
			w.dead = true
			l.windows.CompareAndDelete(k, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

func (l *RateLimiter) load(key string) *window {
	if v, ok := l.windows.Load(key); ok {
		return v.(*window)
	}
	v, _ := l.windows.LoadOrStore(key, &window{})
	return v.(*window)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
