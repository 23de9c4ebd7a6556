package admission

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLeaseManager_AcquireReleaseCycle(t *testing.T) {
	m := NewLeaseManager()

	if !m.TryAcquire("a") {
		t.Fatal("expected first acquire to succeed")
	}
	if m.TryAcquire("a") {
		t.Fatal("expected second acquire on held key to fail")
	}
	m.Release("a")
	if !m.TryAcquire("a") {
		t.Fatal("expected acquire after release to succeed")
	}
}

func TestLeaseManager_ReleaseFreeKeyIsNoop(t *testing.T) {
	m := NewLeaseManager()
	m.Release("never-held")
	m.Release("never-held")

	m.TryAcquire("a")
	m.Release("a")
	m.Release("a")
	if m.Held("a") {
		t.Fatal("expected key to be free")
	}
	if !m.TryAcquire("a") {
		t.Fatal("expected acquire to succeed after double release")
	}
	if m.TryAcquire("a") {
		t.Fatal("double release must not create two leases")
	}
}

func TestLeaseManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewLeaseManager()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryAcquire("k") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("winners = %d, want 1", winners.Load())
	}
}

func TestLeaseManager_PruneKeepsHeldLeases(t *testing.T) {
	m := NewLeaseManager()
	m.TryAcquire("held")
	m.TryAcquire("free")
	m.Release("free")

	if n := m.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if !m.Held("held") {
		t.Fatal("held lease was pruned")
	}
	if !m.TryAcquire("free") {
		t.Fatal("expected pruned key to be acquirable")
	}
}
