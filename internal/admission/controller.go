// Package admission decides whether an upload may proceed for a client key:
// a fixed-window rate limit first, then an optional single in-flight lease.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"nodeimage/internal/clock"
	"nodeimage/internal/metrics"
)

// ErrRejected is matched by every RejectedError.
var ErrRejected = errors.New("admission rejected")

type Kind int

const (
	Accepted Kind = iota
	RateLimited
	ConcurrencyBusy
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case RateLimited:
		return "rate_limited"
	case ConcurrencyBusy:
		return "concurrency_busy"
	default:
		return "unknown"
	}
}

// Policy is the per-request admission configuration.
type Policy struct {
	MaxPerWindow    int
	AllowConcurrent bool
}

// Decision is the result of Admit. An accepted decision may hold a lease that
// the caller must give back with Release on every exit path.
type Decision struct {
	Kind              Kind
	RetryAfterSeconds int

	lease *heldLease
}

type heldLease struct {
	once    sync.Once
	release func()
}

func (d Decision) Accepted() bool { return d.Kind == Accepted }

// HoldsLease reports whether Release has an obligation to fulfil.
func (d Decision) HoldsLease() bool { return d.lease != nil }

// Release gives back the lease, if any. Safe to call more than once.
func (d Decision) Release() {
	if d.lease != nil {
		d.lease.once.Do(d.lease.release)
	}
}

// Err returns a *RejectedError for rejected decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Kind == Accepted {
		return nil
	}
	return &RejectedError{Kind: d.Kind, RetryAfterSeconds: d.RetryAfterSeconds}
}

// RejectedError is surfaced to uploaders as a retryable client error.
type RejectedError struct {
	Kind              Kind
	RetryAfterSeconds int
}

func (e *RejectedError) Error() string {
	if e.Kind == RateLimited {
		return fmt.Sprintf("admission rejected: rate limited, retry after %ds", e.RetryAfterSeconds)
	}
	return "admission rejected: " + e.Kind.String()
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type Controller struct {
	limiter *RateLimiter
	leases  *LeaseManager
}

func NewController(limiter *RateLimiter, leases *LeaseManager) *Controller {
	return &Controller{limiter: limiter, leases: leases}
}

// NewDefaultController builds a controller with fresh in-memory state.
func NewDefaultController(window time.Duration, clk clock.Clock) *Controller {
	return NewController(NewRateLimiter(window, clk), NewLeaseManager())
}

func (c *Controller) Admit(clientKey string, policy Policy) Decision {
	decision := c.admit(clientKey, policy)
	metrics.AdmissionDecisions.WithLabelValues(decision.Kind.String()).Inc()
	return decision
}

func (c *Controller) admit(clientKey string, policy Policy) Decision {
	rate := c.limiter.Check(clientKey, policy.MaxPerWindow)
	if !rate.Allowed {
		return Decision{Kind: RateLimited, RetryAfterSeconds: rate.RetryAfterSeconds}
	}

	if policy.AllowConcurrent {
		return Decision{Kind: Accepted}
	}

	if !c.leases.TryAcquire(clientKey) {
		c.limiter.Refund(clientKey, rate)
		return Decision{Kind: ConcurrencyBusy}
	}

	return Decision{
		Kind: Accepted,
		lease: &heldLease{release: func() {
			c.leases.Release(clientKey)
		}},
	}
}

// Prune drops idle admission state. Held leases survive.
func (c *Controller) Prune(idle time.Duration) (windows, leases int) {
	return c.limiter.Prune(idle), c.leases.Prune()
}
