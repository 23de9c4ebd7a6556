package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nodeimage/internal/clock"
	"nodeimage/internal/models"
	"nodeimage/internal/repository"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu    sync.Mutex
	calls []Request
	fn    func(ctx context.Context, req Request) (models.Verdict, error)
}

func (f *fakeProvider) Moderate(ctx context.Context, req Request) (models.Verdict, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return models.Verdict{Score: 0.1, Provider: "fake"}, nil
	}
	return fn(ctx, req)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBlacklist struct {
	mu    sync.Mutex
	added map[string]string
	panic bool
}

func (f *fakeBlacklist) Add(_ context.Context, clientKey, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("blacklist backend exploded")
	}
	if f.added == nil {
		f.added = make(map[string]string)
	}
	f.added[clientKey] = reason
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []models.FlagAlert
}

func (f *fakeNotifier) Notify(_ context.Context, alert models.FlagAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

type harness struct {
	proc      *Processor
	store     *repository.MemoryTaskStore
	images    *repository.MemoryImageStore
	provider  *fakeProvider
	blacklist *fakeBlacklist
	notifier  *fakeNotifier
	detacher  *RecordingDetacher
	clock     *clock.Manual
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	h := &harness{
		store:     repository.NewMemoryTaskStore(),
		images:    repository.NewMemoryImageStore(clk.Now),
		provider:  &fakeProvider{},
		blacklist: &fakeBlacklist{},
		notifier:  &fakeNotifier{},
		detacher:  &RecordingDetacher{},
		clock:     clk,
	}
	h.proc = NewProcessor(cfg, Deps{
		Store:     h.store,
		Provider:  h.provider,
		Subjects:  h.images,
		Blacklist: h.blacklist,
		Notifier:  h.notifier,
		Detacher:  h.detacher,
		Clock:     clk,
		Logger:    zerolog.Nop(),
	})
	return h
}

func (h *harness) enqueue(t *testing.T, id, clientKey string, offset time.Duration) {
	t.Helper()
	ctx := context.Background()
	subject := "img-" + id
	if err := h.images.Create(ctx, models.Image{ID: subject, ClientKey: clientKey, Status: models.ImageStatusProcessing}); err != nil {
		t.Fatalf("create image: %v", err)
	}
	task := models.ModerationTask{
		ID:           id,
		SubjectID:    subject,
		SubjectRef:   "originals/" + subject,
		ArtifactName: subject + ".png",
		ClientKey:    clientKey,
		Status:       models.TaskStatusPending,
		CreatedAt:    epoch.Add(offset),
	}
	if err := h.store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
}

func (h *harness) task(t *testing.T, id string) models.ModerationTask {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func TestPollProcessesOldestTaskFirst(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enqueue(t, "second", "", time.Second)
	h.enqueue(t, "first", "", 0)

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeCompleted || res.TaskID != "first" {
		t.Fatalf("unexpected result: %+v", res)
	}

	task := h.task(t, "first")
	if task.Status != models.TaskStatusCompleted || task.Result == nil || task.Result.Provider != "fake" {
		t.Fatalf("task not completed: %+v", task)
	}

	image, _ := h.images.GetByID(context.Background(), "img-first")
	if image.Status != models.ImageStatusReady || !image.ModerationChecked {
		t.Fatalf("image not updated: %+v", image)
	}
}

func TestPollIdleWhenQueueEmpty(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeIdle || h.provider.Calls() != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFailuresEscalateWithoutFurtherProviderCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{}, ErrProviderRejected
	}
	h.enqueue(t, "t1", "", 0)

	for i := 1; i <= 3; i++ {
		res, err := h.proc.Poll(context.Background())
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if res.Outcome != OutcomeFailed || res.Backoff {
			t.Fatalf("poll %d: unexpected result %+v", i, res)
		}
		if got := h.task(t, "t1").RetryCount; got != i {
			t.Fatalf("poll %d: retry count %d", i, got)
		}
	}
	h.assertSubjectFailed(t, "img-t1")

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("escalation poll: %v", err)
	}
	if res.Outcome != OutcomeIdle || res.Escalated != 1 {
		t.Fatalf("unexpected escalation result: %+v", res)
	}
	if h.provider.Calls() != 3 {
		t.Fatalf("provider called %d times, want 3", h.provider.Calls())
	}

	task := h.task(t, "t1")
	if task.Status != models.TaskStatusError || task.RetryCount != 3 {
		t.Fatalf("task not escalated: %+v", task)
	}
	if task.LastError == nil || !strings.Contains(*task.LastError, "rejected") {
		t.Fatalf("last error lost: %+v", task.LastError)
	}
	// escalation leaves the image record where the last attempt put it
	h.assertSubjectFailed(t, "img-t1")
}

func (h *harness) assertSubjectFailed(t *testing.T, subjectID string) {
	t.Helper()
	image, err := h.images.GetByID(context.Background(), subjectID)
	if err != nil {
		t.Fatalf("get image %s: %v", subjectID, err)
	}
	if image.ModerationStatus != models.TaskStatusFailed {
		t.Fatalf("moderation status = %s, want failed", image.ModerationStatus)
	}
	if image.Status != models.ImageStatusProcessing || image.ModerationChecked {
		t.Fatalf("unexpected image state: status=%s checked=%v", image.Status, image.ModerationChecked)
	}
}

func TestEscalationThenProcessesNextTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.provider.fn = func(_ context.Context, req Request) (models.Verdict, error) {
		if req.TaskID == "bad" {
			return models.Verdict{}, errors.New("decode failure")
		}
		return models.Verdict{Score: 0.2, Provider: "fake"}, nil
	}
	h.enqueue(t, "bad", "", 0)
	h.enqueue(t, "good", "", time.Second)

	if res, _ := h.proc.Poll(context.Background()); res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %+v", res)
	}

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Escalated != 1 || res.Outcome != OutcomeCompleted || res.TaskID != "good" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestScreeningDisabledSkipsProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScreeningEnabled = false
	h := newHarness(t, cfg)
	h.enqueue(t, "t1", "", 0)

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.provider.Calls() != 0 {
		t.Fatal("provider called while screening disabled")
	}

	task := h.task(t, "t1")
	if task.Status != models.TaskStatusCompleted || task.Result == nil || !task.Result.Skipped {
		t.Fatalf("task not skipped: %+v", task)
	}
	image, _ := h.images.GetByID(context.Background(), "img-t1")
	if image.ModerationChecked || image.IsFlagged || image.Status != models.ImageStatusReady {
		t.Fatalf("unexpected image state: %+v", image)
	}
}

func TestScreeningToggleAppliesAtProcessingTime(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enqueue(t, "t1", "", 0)
	h.proc.SetScreeningEnabled(false)

	if res, _ := h.proc.Poll(context.Background()); res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skip, got %+v", res)
	}
}

func TestPollIsSingleFlight(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		close(entered)
		<-release
		return models.Verdict{Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "", 0)
	h.enqueue(t, "t2", "", time.Second)

	done := make(chan PollResult)
	go func() {
		res, _ := h.proc.Poll(context.Background())
		done <- res
	}()
	<-entered

	if !h.proc.Busy() {
		t.Fatal("processor should report busy")
	}
	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("concurrent poll: %v", err)
	}
	if res.Outcome != OutcomeBusy {
		t.Fatalf("expected busy, got %+v", res)
	}
	if got := h.task(t, "t2").Status; got != models.TaskStatusPending {
		t.Fatalf("second task touched: %s", got)
	}

	close(release)
	if first := <-done; first.Outcome != OutcomeCompleted || first.TaskID != "t1" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if h.proc.Busy() {
		t.Fatal("busy flag not cleared")
	}
}

func TestUnavailableProviderBacksOffAndResumes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	failures := 1
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		if failures > 0 {
			failures--
			return models.Verdict{}, ErrProviderUnavailable
		}
		return models.Verdict{Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "", 0)

	if !h.proc.Start(context.Background()) {
		t.Fatal("start returned false")
	}
	if h.proc.Start(context.Background()) {
		t.Fatal("second start should be refused")
	}

	h.clock.Advance(5 * time.Second)
	if h.proc.State() != StateBackingOff {
		t.Fatalf("state = %s, want backing_off", h.proc.State())
	}
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want only the resume timer", h.clock.Pending())
	}
	if got := h.task(t, "t1"); got.Status != models.TaskStatusFailed || got.RetryCount != 1 {
		t.Fatalf("task not failed: %+v", got)
	}

	h.clock.Advance(59 * time.Second)
	if h.provider.Calls() != 1 {
		t.Fatalf("provider called during backoff: %d", h.provider.Calls())
	}

	h.clock.Advance(time.Second)
	if h.proc.State() != StatePolling {
		t.Fatalf("state = %s, want polling", h.proc.State())
	}

	h.clock.Advance(5 * time.Second)
	if got := h.task(t, "t1"); got.Status != models.TaskStatusCompleted {
		t.Fatalf("task not retried after backoff: %+v", got)
	}
	if h.provider.Calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", h.provider.Calls())
	}
}

func TestRejectedProviderDoesNotBackOff(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{}, ErrProviderRejected
	}
	h.enqueue(t, "t1", "", 0)

	h.proc.Start(context.Background())
	h.clock.Advance(5 * time.Second)

	if h.proc.State() != StatePolling {
		t.Fatalf("state = %s, want polling", h.proc.State())
	}
	h.clock.Advance(5 * time.Second)
	if h.provider.Calls() != 2 {
		t.Fatalf("provider calls = %d, want 2", h.provider.Calls())
	}
	h.proc.Stop()
}

func TestProviderTimeoutCountsAsUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProviderTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.provider.fn = func(ctx context.Context, _ Request) (models.Verdict, error) {
		<-ctx.Done()
		return models.Verdict{}, ctx.Err()
	}
	h.enqueue(t, "t1", "", 0)

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeFailed || !res.Backoff {
		t.Fatalf("unexpected result: %+v", res)
	}
	// manual polls never change the loop state
	if h.proc.State() != StateIdle {
		t.Fatalf("state = %s, want idle", h.proc.State())
	}
}

func TestStopCancelsTimers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enqueue(t, "t1", "", 0)

	h.proc.Start(context.Background())
	h.proc.Stop()
	if h.clock.Pending() != 0 {
		t.Fatalf("pending timers = %d after stop", h.clock.Pending())
	}

	h.clock.Advance(time.Minute)
	if h.provider.Calls() != 0 {
		t.Fatal("stopped processor polled")
	}
	if !h.proc.Start(context.Background()) {
		t.Fatal("restart refused")
	}
	h.proc.Stop()
}

func TestStopDuringBackoffCancelsResume(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{}, ErrProviderUnavailable
	}
	h.enqueue(t, "t1", "", 0)

	h.proc.Start(context.Background())
	h.clock.Advance(5 * time.Second)
	h.proc.Stop()

	h.clock.Advance(5 * time.Minute)
	if h.proc.State() != StateIdle || h.provider.Calls() != 1 {
		t.Fatalf("state=%s calls=%d", h.proc.State(), h.provider.Calls())
	}
}

func TestFlaggedContentBlacklistsAndNotifies(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{IsFlagged: true, Score: 0.97, Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "ip:203.0.113.9", 0)

	if res, _ := h.proc.Poll(context.Background()); res.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, ok := h.blacklist.added["ip:203.0.113.9"]; !ok {
		t.Fatalf("client not blacklisted: %v", h.blacklist.added)
	}
	image, _ := h.images.GetByID(context.Background(), "img-t1")
	if image.Status != models.ImageStatusBlocked || !image.IsFlagged {
		t.Fatalf("image not blocked: %+v", image)
	}

	if len(h.notifier.alerts) != 0 {
		t.Fatal("notification should be detached")
	}
	if errs := h.detacher.RunAll(context.Background()); len(errs) != 0 {
		t.Fatalf("detached jobs failed: %v", errs)
	}
	if len(h.notifier.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(h.notifier.alerts))
	}
	alert := h.notifier.alerts[0]
	if !alert.Blacklisted || alert.SubjectID != "img-t1" || alert.Verdict.Score != 0.97 {
		t.Fatalf("unexpected alert: %+v", alert)
	}
}

func TestFlaggedWithoutAutoEnforceOnlyNotifies(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.proc.SetAutoEnforce(false)
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{IsFlagged: true, Score: 0.95, Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "ip:198.51.100.1", 0)

	_, _ = h.proc.Poll(context.Background())
	if len(h.blacklist.added) != 0 {
		t.Fatalf("unexpected blacklist entries: %v", h.blacklist.added)
	}
	h.detacher.RunAll(context.Background())
	if len(h.notifier.alerts) != 1 || h.notifier.alerts[0].Blacklisted {
		t.Fatalf("unexpected alerts: %+v", h.notifier.alerts)
	}
}

func TestPanicMarksTaskFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		panic("nil map")
	}
	h.enqueue(t, "t1", "", 0)

	res, err := h.proc.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Backoff {
		t.Fatalf("unexpected result: %+v", res)
	}
	task := h.task(t, "t1")
	if task.Status != models.TaskStatusFailed || task.LastError == nil || !strings.Contains(*task.LastError, "panicked") {
		t.Fatalf("unexpected task: %+v", task)
	}
	if h.proc.Busy() {
		t.Fatal("busy flag stuck after panic")
	}
}

func TestRetryFailedAndStatus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{}, ErrProviderRejected
	}
	h.enqueue(t, "t1", "", 0)
	h.enqueue(t, "t2", "", time.Second)

	_, _ = h.proc.Poll(context.Background()) // t1 failed
	_, _ = h.proc.Poll(context.Background()) // t1 escalated, t2 failed

	status, err := h.proc.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Counts[models.TaskStatusError] != 1 || status.Counts[models.TaskStatusFailed] != 1 {
		t.Fatalf("unexpected counts: %v", status.Counts)
	}
	if status.Counts[models.TaskStatusPending] != 0 || len(status.Counts) != len(models.AllTaskStatuses) {
		t.Fatalf("missing zero counts: %v", status.Counts)
	}
	if status.State != "idle" || !status.ScreeningEnabled {
		t.Fatalf("unexpected status: %+v", status)
	}

	n, err := h.proc.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d, want 2", n)
	}
	for _, id := range []string{"t1", "t2"} {
		if task := h.task(t, id); task.Status != models.TaskStatusPending || task.RetryCount != 0 {
			t.Fatalf("%s not reset: %+v", id, task)
		}
	}
}

func TestDrainReturnsWhenIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.proc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestStartRecoversInterruptedTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enqueue(t, "t1", "", 0)
	// a previous run died after claiming the task
	if err := h.store.MarkProcessing(context.Background(), "t1", epoch); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	if !h.proc.Start(context.Background()) {
		t.Fatal("start refused")
	}
	defer h.proc.Stop()

	task := h.task(t, "t1")
	if task.Status != models.TaskStatusFailed || task.RetryCount != 1 {
		t.Fatalf("task not recovered: %+v", task)
	}
	if task.LastError == nil || *task.LastError != repository.InterruptedReason {
		t.Fatalf("last error = %v", task.LastError)
	}

	h.clock.Advance(5 * time.Second)
	if got := h.task(t, "t1").Status; got != models.TaskStatusCompleted {
		t.Fatalf("recovered task not reprocessed: %s", got)
	}
}

func TestStartLeavesInFlightTaskAlone(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		close(entered)
		<-release
		return models.Verdict{Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "", 0)

	done := make(chan PollResult)
	go func() {
		res, _ := h.proc.Poll(context.Background())
		done <- res
	}()
	<-entered

	h.proc.Start(context.Background())
	defer h.proc.Stop()
	if got := h.task(t, "t1"); got.Status != models.TaskStatusProcessing || got.RetryCount != 0 {
		t.Fatalf("in-flight task touched: %+v", got)
	}

	close(release)
	if res := <-done; res.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPanicInEnforcementDoesNotEscapePoll(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.blacklist.panic = true
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		return models.Verdict{IsFlagged: true, Score: 0.99, Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "ip:192.0.2.7", 0)

	res, err := h.proc.Poll(context.Background())
	if !errors.Is(err, ErrProcessingPanic) {
		t.Fatalf("err = %v, want processing panic", err)
	}
	if res.TaskID != "t1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// the verdict was stored before enforcement ran
	if got := h.task(t, "t1").Status; got != models.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if h.proc.Busy() {
		t.Fatal("busy flag stuck after panic")
	}
}

type panickingCompleteStore struct {
	*repository.MemoryTaskStore
}

func (panickingCompleteStore) MarkCompleted(context.Context, string, models.TaskResult, time.Time) error {
	panic("connection pool corrupted")
}

func TestPanicBeforeCompletionMarksTaskFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.proc = NewProcessor(DefaultConfig(), Deps{
		Store:    panickingCompleteStore{h.store},
		Provider: h.provider,
		Subjects: h.images,
		Detacher: h.detacher,
		Clock:    h.clock,
		Logger:   zerolog.Nop(),
	})
	h.enqueue(t, "t1", "", 0)

	res, err := h.proc.Poll(context.Background())
	if !errors.Is(err, ErrProcessingPanic) {
		t.Fatalf("err = %v, want processing panic", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("unexpected result: %+v", res)
	}
	task := h.task(t, "t1")
	if task.Status != models.TaskStatusFailed || task.RetryCount != 1 {
		t.Fatalf("task left in %s: %+v", task.Status, task)
	}
}

func TestDrainWaitsForInFlightTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	entered := make(chan struct{})
	release := make(chan struct{})
	h.provider.fn = func(context.Context, Request) (models.Verdict, error) {
		close(entered)
		<-release
		return models.Verdict{Provider: "fake"}, nil
	}
	h.enqueue(t, "t1", "", 0)

	go func() { _, _ = h.proc.Poll(context.Background()) }()
	<-entered

	short, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.proc.Drain(short); !errors.Is(err, context.Canceled) {
		t.Fatalf("drain with cancelled ctx = %v", err)
	}

	drained := make(chan error)
	go func() { drained <- h.proc.Drain(context.Background()) }()
	close(release)
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.task(t, "t1").Status; got != models.TaskStatusCompleted {
		t.Fatalf("status after drain = %s", got)
	}
}
