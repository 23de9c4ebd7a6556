package admission

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nodeimage/internal/clock"
)

func TestRateLimiter_RejectsAfterMaxAndResetsAfterWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := NewRateLimiter(time.Minute, clk)

	for i := 0; i < 3; i++ {
		if res := l.Check("a", 3); !res.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}

	clk.Advance(20 * time.Second)
	res := l.Check("a", 3)
	if res.Allowed {
		t.Fatal("expected fourth request to be rejected")
	}
	if res.RetryAfterSeconds != 40 {
		t.Fatalf("retry after = %d, want 40", res.RetryAfterSeconds)
	}

	clk.Advance(40 * time.Second)
	if res := l.Check("a", 3); !res.Allowed {
		t.Fatal("expected request after window to be allowed")
	}
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewRateLimiter(time.Minute, clk)
	l.Check("a", 1)

	clk.Advance(59*time.Second + 100*time.Millisecond)
	res := l.Check("a", 1)
	if res.Allowed || res.RetryAfterSeconds != 1 {
		t.Fatalf("got %+v, want rejected with 1s", res)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(time.Minute, clock.NewManual(time.Unix(0, 0)))
	l.Check("a", 1)
	if res := l.Check("b", 1); !res.Allowed {
		t.Fatal("expected other key to be allowed")
	}
}

func TestRateLimiter_RejectionDoesNotCount(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewRateLimiter(10*time.Second, clk)
	l.Check("a", 1)
	for i := 0; i < 5; i++ {
		l.Check("a", 1)
	}
	clk.Advance(10 * time.Second)
	if !l.Check("a", 1).Allowed {
		t.Fatal("rejections must not carry into the next window")
	}
}

func TestRateLimiter_RefundSameWindowOnly(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewRateLimiter(time.Minute, clk)

	res := l.Check("a", 1)
	l.Refund("a", res)
	if !l.Check("a", 1).Allowed {
		t.Fatal("expected refunded unit to be available")
	}

	stale := l.Check("b", 1)
	clk.Advance(time.Minute)
	l.Check("b", 1)
	l.Refund("b", stale)
	if l.Check("b", 1).Allowed {
		t.Fatal("refund from an old window must not free the new one")
	}
}

func TestRateLimiter_ConcurrentChecksNeverExceedMax(t *testing.T) {
	l := NewRateLimiter(time.Hour, clock.NewManual(time.Unix(0, 0)))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot", 10).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 10 {
		t.Fatalf("allowed = %d, want 10", allowed.Load())
	}
}

func TestRateLimiter_PruneRemovesIdleWindows(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	l := NewRateLimiter(time.Minute, clk)
	l.Check("a", 1)

	if n := l.Prune(5 * time.Minute); n != 0 {
		t.Fatalf("pruned %d fresh windows", n)
	}
	clk.Advance(5 * time.Minute)
	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if !l.Check("a", 1).Allowed {
		t.Fatal("expected fresh window after prune")
	}
}
