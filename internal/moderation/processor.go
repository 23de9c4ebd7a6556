package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nodeimage/internal/clock"
	"nodeimage/internal/metrics"
	"nodeimage/internal/models"
)

// State is the poll loop state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateBackingOff:
		return "backing_off"
	default:
		return "unknown"
	}
}

// Outcome describes what a single poll cycle did.
type Outcome string

const (
	OutcomeBusy      Outcome = "busy"
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

type PollResult struct {
	Outcome   Outcome
	TaskID    string
	Escalated int
	// Backoff is set when the failure asks the scheduler to pause polling.
	Backoff bool
}

type Config struct {
	PollInterval     time.Duration
	BackoffInterval  time.Duration
	MaxRetries       int
	ProviderTimeout  time.Duration
	ScreeningEnabled bool
	AutoEnforce      bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Second,
		BackoffInterval:  60 * time.Second,
		MaxRetries:       3,
		ProviderTimeout:  30 * time.Second,
		ScreeningEnabled: true,
		AutoEnforce:      true,
	}
}

type Deps struct {
	Store     TaskStore
	Provider  Provider
	Subjects  SubjectUpdater
	Blacklist Blacklister
	Notifier  Notifier
	Detacher  Detacher
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Processor executes at most one moderation task at a time.
type Processor struct {
	cfg       Config
	store     TaskStore
	provider  Provider
	subjects  SubjectUpdater
	blacklist Blacklister
	notifier  Notifier
	detacher  Detacher
	clock     clock.Clock
	log       zerolog.Logger

	busy        atomic.Bool
	screening   atomic.Bool
	autoEnforce atomic.Bool

	// flightMu guards the busy transitions and flightDone, which is closed
	// when the running cycle ends.
	flightMu   sync.Mutex
	flightDone chan struct{}
	// current is the task in processing, owned by the flight holder.
	current string

	mu      sync.Mutex
	state   State
	ticker  clock.Timer
	resume  clock.Timer
	baseCtx context.Context
}

func NewProcessor(cfg Config, deps Deps) *Processor {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = defaults.BackoffInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Detacher == nil {
		deps.Detacher = NewAsyncDetacher(deps.Logger, 0)
	}

	p := &Processor{
		cfg:       cfg,
		store:     deps.Store,
		provider:  deps.Provider,
		subjects:  deps.Subjects,
		blacklist: deps.Blacklist,
		notifier:  deps.Notifier,
		detacher:  deps.Detacher,
		clock:     deps.Clock,
		log:       deps.Logger.With().Str("component", "moderation").Logger(),
		baseCtx:   context.Background(),
	}
	p.screening.Store(cfg.ScreeningEnabled)
	p.autoEnforce.Store(cfg.AutoEnforce)
	return p
}

// Start fails tasks a previous run left in processing, then arms the
// repeating poll timer. It returns false if the loop is already running or
// backing off.
func (p *Processor) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return false
	}
	// in-flight tasks must finish even when the caller's ctx ends
	p.baseCtx = context.WithoutCancel(ctx)
	p.recoverInterrupted(p.baseCtx)
	p.state = StatePolling
	p.ticker = p.clock.Every(p.cfg.PollInterval, p.tick)

	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("max_retries", p.cfg.MaxRetries).
		Msg("moderation processor started")
	return true
}

// Stop cancels every timer. A task already in flight runs to completion.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTimersLocked()
	if p.state != StateIdle {
		p.log.Info().Msg("moderation processor stopped")
	}
	p.state = StateIdle
}

// Drain waits for the in-flight task, if any, to finish.
func (p *Processor) Drain(ctx context.Context) error {
	p.flightMu.Lock()
	done := p.flightDone
	p.flightMu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain processor: %w", ctx.Err())
	}
}

func (p *Processor) acquire() bool {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()

	if p.busy.Load() {
		return false
	}
	p.busy.Store(true)
	p.flightDone = make(chan struct{})
	metrics.ProcessorBusy.Set(1)
	return true
}

func (p *Processor) release() {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()

	p.current = ""
	p.busy.Store(false)
	close(p.flightDone)
	p.flightDone = nil
	metrics.ProcessorBusy.Set(0)
}

// recoverInterrupted fails tasks stranded in processing. Only one processor
// runs per deployment, so while no cycle is in flight here every processing
// row belongs to a run that died.
func (p *Processor) recoverInterrupted(ctx context.Context) {
	if !p.acquire() {
		return
	}
	defer p.release()

	n, err := p.store.RecoverProcessing(ctx, p.clock.Now())
	if err != nil {
		p.log.Error().Err(err).Msg("recover interrupted tasks failed")
		return
	}
	if n > 0 {
		p.log.Warn().Int("count", n).Msg("interrupted moderation tasks returned to failed")
	}
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) Busy() bool { return p.busy.Load() }

// SetScreeningEnabled toggles provider calls. The flag is read when a task is
// processed, so tasks already queued follow the value current at that time.
func (p *Processor) SetScreeningEnabled(enabled bool) {
	p.screening.Store(enabled)
	p.log.Info().Bool("enabled", enabled).Msg("content screening toggled")
}

func (p *Processor) ScreeningEnabled() bool { return p.screening.Load() }

func (p *Processor) SetAutoEnforce(enabled bool) {
	p.autoEnforce.Store(enabled)
	p.log.Info().Bool("enabled", enabled).Msg("automatic enforcement toggled")
}

func (p *Processor) AutoEnforce() bool { return p.autoEnforce.Load() }

func (p *Processor) tick() {
	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		return
	}
	ctx := p.baseCtx
	p.mu.Unlock()

	if _, err := p.Poll(ctx); err != nil {
		p.log.Error().Err(err).Msg("poll cycle failed")
	}
}

// Poll runs one cycle: escalate exhausted tasks, then process at most one
// eligible task. A call made while another cycle is running returns
// OutcomeBusy without touching the store.
func (p *Processor) Poll(ctx context.Context) (res PollResult, err error) {
	if !p.acquire() {
		return PollResult{Outcome: OutcomeBusy}, nil
	}
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			res, err = p.recoverPanic(ctx, r)
		}
	}()

	res, err = p.cycle(ctx)
	if res.Backoff {
		p.enterBackoff()
	}
	return res, err
}

// recoverPanic fails the task still in processing when a collaborator
// panicked outside the provider call.
func (p *Processor) recoverPanic(ctx context.Context, r any) (PollResult, error) {
	cause := fmt.Errorf("%w: %v", ErrProcessingPanic, r)
	res := PollResult{Outcome: OutcomeFailed, TaskID: p.current}

	p.log.Error().Err(cause).Str("task_id", p.current).Msg("moderation cycle panicked")
	if p.current != "" {
		// no-op when the task already reached completed or failed
		if _, err := p.store.MarkFailed(ctx, p.current, cause.Error(), p.clock.Now()); err == nil {
			metrics.TasksProcessed.WithLabelValues(string(OutcomeFailed)).Inc()
		}
	}
	return res, cause
}

func (p *Processor) cycle(ctx context.Context) (PollResult, error) {
	var res PollResult
	for {
		task, ok, err := p.store.NextEligible(ctx)
		if err != nil {
			return res, fmt.Errorf("select task: %w", err)
		}
		if !ok {
			res.Outcome = OutcomeIdle
			return res, nil
		}

		if task.Status == models.TaskStatusFailed && task.RetryCount >= p.cfg.MaxRetries {
			if err := p.escalate(ctx, task); err != nil {
				return res, err
			}
			res.Escalated++
			continue
		}

		return p.process(ctx, task, res)
	}
}

func (p *Processor) escalate(ctx context.Context, task models.ModerationTask) error {
	if err := p.store.MarkError(ctx, task.ID, p.clock.Now()); err != nil {
		return fmt.Errorf("escalate task %s: %w", task.ID, err)
	}
	metrics.TasksEscalated.Inc()

	event := p.log.Error().Err(ErrMaxRetriesExceeded).
		Str("task_id", task.ID).
		Str("subject_id", task.SubjectID).
		Int("retry_count", task.RetryCount)
	if task.LastError != nil {
		event = event.Str("last_error", *task.LastError)
	}
	event.Msg("moderation task escalated to error")
	return nil
}

func (p *Processor) process(ctx context.Context, task models.ModerationTask, res PollResult) (PollResult, error) {
	res.TaskID = task.ID
	if err := p.store.MarkProcessing(ctx, task.ID, p.clock.Now()); err != nil {
		return res, fmt.Errorf("mark processing %s: %w", task.ID, err)
	}
	p.current = task.ID

	result, err := p.execute(ctx, task)
	if err != nil {
		return p.fail(ctx, task, err, res)
	}
	return p.complete(ctx, task, result, res)
}

func (p *Processor) execute(ctx context.Context, task models.ModerationTask) (result models.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessingPanic, r)
		}
	}()

	if !p.screening.Load() {
		return models.TaskResult{Skipped: true, Reason: "content screening disabled"}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	started := time.Now()
	verdict, err := p.provider.Moderate(callCtx, Request{
		TaskID:       task.ID,
		SubjectID:    task.SubjectID,
		SubjectRef:   task.SubjectRef,
		ArtifactName: task.ArtifactName,
	})
	metrics.ProviderLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
		}
		return models.TaskResult{}, err
	}
	return models.TaskResult{Verdict: verdict}, nil
}

func (p *Processor) complete(ctx context.Context, task models.ModerationTask, result models.TaskResult, res PollResult) (PollResult, error) {
	if err := p.store.MarkCompleted(ctx, task.ID, result, p.clock.Now()); err != nil {
		return res, fmt.Errorf("mark completed %s: %w", task.ID, err)
	}

	p.updateSubject(ctx, task, models.ModerationRecord{
		Status:    models.TaskStatusCompleted,
		Result:    &result,
		Checked:   !result.Skipped,
		IsFlagged: result.IsFlagged,
	})

	log := p.log.With().Str("task_id", task.ID).Str("subject_id", task.SubjectID).Logger()
	if result.Skipped {
		res.Outcome = OutcomeSkipped
		metrics.TasksProcessed.WithLabelValues(string(OutcomeSkipped)).Inc()
		log.Info().Str("reason", result.Reason).Msg("moderation skipped")
		return res, nil
	}

	res.Outcome = OutcomeCompleted
	metrics.TasksProcessed.WithLabelValues(string(OutcomeCompleted)).Inc()
	log.Info().
		Bool("flagged", result.IsFlagged).
		Float64("score", result.Score).
		Str("provider", result.Provider).
		Msg("moderation completed")

	if result.IsFlagged {
		p.enforce(ctx, task, result.Verdict)
	}
	return res, nil
}

func (p *Processor) enforce(ctx context.Context, task models.ModerationTask, verdict models.Verdict) {
	blacklisted := false
	if p.autoEnforce.Load() && p.blacklist != nil && task.ClientKey != "" {
		reason := fmt.Sprintf("flagged content %s (score %.2f, %s)", task.SubjectID, verdict.Score, verdict.Provider)
		if err := p.blacklist.Add(ctx, task.ClientKey, reason); err != nil {
			p.log.Warn().Err(err).
				Str("task_id", task.ID).
				Str("client_key", task.ClientKey).
				Msg("blacklist client failed")
		} else {
			blacklisted = true
		}
	}

	if p.notifier == nil {
		return
	}
	alert := models.FlagAlert{
		TaskID:       task.ID,
		SubjectID:    task.SubjectID,
		ArtifactName: task.ArtifactName,
		ClientKey:    task.ClientKey,
		Verdict:      verdict,
		Blacklisted:  blacklisted,
		FlaggedAt:    p.clock.Now(),
	}
	notifier := p.notifier
	p.detacher.Go("notify flagged "+task.SubjectID, func(ctx context.Context) error {
		return notifier.Notify(ctx, alert)
	})
}

func (p *Processor) fail(ctx context.Context, task models.ModerationTask, cause error, res PollResult) (PollResult, error) {
	updated, err := p.store.MarkFailed(ctx, task.ID, cause.Error(), p.clock.Now())
	if err != nil {
		return res, fmt.Errorf("mark failed %s: %w", task.ID, err)
	}

	p.updateSubject(ctx, task, models.ModerationRecord{Status: models.TaskStatusFailed})

	res.Outcome = OutcomeFailed
	res.Backoff = errors.Is(cause, ErrProviderUnavailable)
	metrics.TasksProcessed.WithLabelValues(string(OutcomeFailed)).Inc()

	p.log.Warn().Err(cause).
		Str("task_id", task.ID).
		Str("subject_id", task.SubjectID).
		Int("retry_count", updated.RetryCount).
		Bool("backoff", res.Backoff).
		Msg("moderation attempt failed")
	return res, nil
}

func (p *Processor) updateSubject(ctx context.Context, task models.ModerationTask, record models.ModerationRecord) {
	if p.subjects == nil {
		return
	}
	if err := p.subjects.UpdateModeration(ctx, task.SubjectID, record); err != nil {
		p.log.Warn().Err(err).
			Str("task_id", task.ID).
			Str("subject_id", task.SubjectID).
			Msg("update subject moderation failed")
	}
}

// enterBackoff swaps the repeating timer for one one-shot resume timer.
func (p *Processor) enterBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePolling {
		return
	}
	p.stopTimersLocked()
	p.state = StateBackingOff
	p.resume = p.clock.After(p.cfg.BackoffInterval, p.resumePolling)
	metrics.Backoffs.Inc()

	p.log.Warn().Dur("backoff", p.cfg.BackoffInterval).Msg("moderation provider unavailable, polling paused")
}

func (p *Processor) resumePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateBackingOff {
		return
	}
	p.resume = nil
	p.state = StatePolling
	p.ticker = p.clock.Every(p.cfg.PollInterval, p.tick)
	p.log.Info().Msg("moderation polling resumed")
}

func (p *Processor) stopTimersLocked() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.resume != nil {
		p.resume.Stop()
		p.resume = nil
	}
}

// QueueStatus is the administrative view of the queue.
type QueueStatus struct {
	Counts           map[models.TaskStatus]int `json:"counts"`
	Busy             bool                      `json:"busy"`
	State            string                    `json:"state"`
	ScreeningEnabled bool                      `json:"screeningEnabled"`
	AutoEnforce      bool                      `json:"autoEnforce"`
}

func (p *Processor) Status(ctx context.Context) (QueueStatus, error) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("count tasks: %w", err)
	}
	if counts == nil {
		counts = make(map[models.TaskStatus]int, len(models.AllTaskStatuses))
	}
	for _, status := range models.AllTaskStatuses {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return QueueStatus{
		Counts:           counts,
		Busy:             p.busy.Load(),
		State:            p.State().String(),
		ScreeningEnabled: p.screening.Load(),
		AutoEnforce:      p.autoEnforce.Load(),
	}, nil
}

// RetryFailed resets every failed and error task to pending.
func (p *Processor) RetryFailed(ctx context.Context) (int, error) {
	n, err := p.store.ResetFailed(ctx, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reset failed tasks: %w", err)
	}
	p.log.Info().Int("count", n).Msg("failed moderation tasks reset")
	return n, nil
}
