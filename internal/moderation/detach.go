package moderation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Detacher runs side effects nobody waits for. Failures are the sink's
// business and never reach the caller.
type Detacher interface {
	Go(name string, fn func(ctx context.Context) error)
}

// AsyncDetacher runs each job on its own goroutine with a deadline.
type AsyncDetacher struct {
	log     zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncDetacher(log zerolog.Logger, timeout time.Duration) *AsyncDetacher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AsyncDetacher{log: log, timeout: timeout}
}

func (d *AsyncDetacher) Go(name string, fn func(ctx context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Str("job", name).Interface("panic", r).Msg("detached job panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			d.log.Warn().Err(err).Str("job", name).Msg("detached job failed")
		}
	}()
}

// Wait blocks until running jobs finish or ctx is done.
func (d *AsyncDetacher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait detached jobs: %w", ctx.Err())
	}
}

// DetachedJob is a job captured by RecordingDetacher.
type DetachedJob struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RecordingDetacher keeps jobs instead of running them.
type RecordingDetacher struct {
	mu   sync.Mutex
	jobs []DetachedJob
}

func (r *RecordingDetacher) Go(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, DetachedJob{Name: name, Fn: fn})
}

func (r *RecordingDetacher) Jobs() []DetachedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DetachedJob, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// RunAll executes the recorded jobs in order and returns their errors.
func (r *RecordingDetacher) RunAll(ctx context.Context) []error {
	var errs []error
	for _, job := range r.Jobs() {
		if err := job.Fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
