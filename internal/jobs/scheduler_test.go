package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"nodeimage/internal/metrics"
	"nodeimage/internal/models"
)

type stubCounter struct {
	counts map[models.TaskStatus]int
	err    error
}

func (s stubCounter) CountByStatus(context.Context) (map[models.TaskStatus]int, error) {
	return s.counts, s.err
}

type stubPruner struct{ idle time.Duration }

func (p *stubPruner) Prune(idle time.Duration) (int, int) {
	p.idle = idle
	return 1, 0
}

func TestReportQueueDepth(t *testing.T) {
	counter := stubCounter{counts: map[models.TaskStatus]int{
		models.TaskStatusPending: 4,
		models.TaskStatusError:   1,
	}}
	if err := ReportQueueDepth(context.Background(), counter); err != nil {
		t.Fatalf("report: %v", err)
	}

	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("pending")); got != 4 {
		t.Fatalf("pending gauge = %v", got)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("failed")); got != 0 {
		t.Fatalf("failed gauge = %v", got)
	}
}

func TestReportQueueDepthError(t *testing.T) {
	err := ReportQueueDepth(context.Background(), stubCounter{err: errors.New("db down")})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSchedulerStartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(Config{JanitorSchedule: "not a schedule"}, &stubPruner{}, nil, zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestSchedulerPrunesWithIdleTTL(t *testing.T) {
	pruner := &stubPruner{}
	s := NewScheduler(Config{IdleTTL: 10 * time.Minute}, pruner, nil, zerolog.Nop())
	s.pruneAdmission()
	if pruner.idle != 10*time.Minute {
		t.Fatalf("idle = %s", pruner.idle)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
