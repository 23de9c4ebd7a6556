package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"nodeimage/internal/metrics"
	"nodeimage/internal/models"
)

// Pruner drops idle admission state.
type Pruner interface {
	Prune(idle time.Duration) (windows, leases int)
}

// Counter reports moderation tasks per status.
type Counter interface {
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

type Config struct {
	JanitorSchedule string
	IdleTTL         time.Duration
	DepthSchedule   string
}

type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	pruner  Pruner
	counter Counter
	log     zerolog.Logger
}

func NewScheduler(cfg Config, pruner Pruner, counter Counter, log zerolog.Logger) *Scheduler {
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "0 */2 * * * *"
	}
	if cfg.DepthSchedule == "" {
		cfg.DepthSchedule = "0 * * * * *"
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		cfg:     cfg,
		pruner:  pruner,
		counter: counter,
		log:     log.With().Str("component", "jobs").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.pruner != nil {
		if _, err := s.cron.AddFunc(s.cfg.JanitorSchedule, s.pruneAdmission); err != nil {
			return fmt.Errorf("schedule admission janitor: %w", err)
		}
	}
	if s.counter != nil {
		if _, err := s.cron.AddFunc(s.cfg.DepthSchedule, s.reportQueueDepth); err != nil {
			return fmt.Errorf("schedule queue depth: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) pruneAdmission() {
	windows, leases := s.pruner.Prune(s.cfg.IdleTTL)
	if windows > 0 || leases > 0 {
		s.log.Debug().Int("windows", windows).Int("leases", leases).Msg("admission state pruned")
	}
}

func (s *Scheduler) reportQueueDepth() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ReportQueueDepth(ctx, s.counter); err != nil {
		s.log.Error().Err(err).Msg("queue depth report failed")
	}
}

// ReportQueueDepth refreshes the queue depth gauge.
func ReportQueueDepth(ctx context.Context, counter Counter) error {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	for _, status := range models.AllTaskStatuses {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
