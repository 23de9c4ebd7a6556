package admission

import (
	"sync"
	"sync/atomic"
)

const (
	leaseFree int32 = iota
	leaseHeld
	leaseRetired
)

// LeaseManager holds at most one in-flight submission lease per client key.
type LeaseManager struct {
	leases sync.Map // string -> *atomic.Int32
}

func NewLeaseManager() *LeaseManager {
	return &LeaseManager{}
}

func (m *LeaseManager) TryAcquire(key string) bool {
	for {
		state := m.load(key)
		if state.CompareAndSwap(leaseFree, leaseHeld) {
			return true
		}
		if state.Load() == leaseRetired {
			// pruned between load and swap; the janitor deletes it right after
			continue
		}
		return false
	}
}

// Release frees the lease for key. Releasing a free key does nothing.
func (m *LeaseManager) Release(key string) {
	v, ok := m.leases.Load(key)
	if !ok {
		return
	}
	v.(*atomic.Int32).CompareAndSwap(leaseHeld, leaseFree)
}

func (m *LeaseManager) Held(key string) bool {
	v, ok := m.leases.Load(key)
	return ok && v.(*atomic.Int32).Load() == leaseHeld
}

// Prune removes free leases. Held leases are never touched.
func (m *LeaseManager) Prune() int {
	removed := 0
	m.leases.Range(func(k, v any) bool {
		state := v.(*atomic.Int32)
		if state.CompareAndSwap(leaseFree, leaseRetired) {
			m.leases.CompareAndDelete(k, state)
			removed++
		}
		return true
	})
	return removed
}

func (m *LeaseManager) load(key string) *atomic.Int32 {
	if v, ok := m.leases.Load(key); ok {
		return v.(*atomic.Int32)
	}
	v, _ := m.leases.LoadOrStore(key, new(atomic.Int32))
	return v.(*atomic.Int32)
}
