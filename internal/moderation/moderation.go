// Package moderation runs the asynchronous screening queue: a single-flight
// processor that polls the task store, calls the moderation provider and
// applies the retry, escalation and backoff policy.
package moderation

import (
	"context"
	"errors"
	"time"

	"nodeimage/internal/models"
)

var (
	// ErrProviderUnavailable means the provider could not be reached or asked
	// us to come back later. Polling backs off when a task fails with it.
	ErrProviderUnavailable = errors.New("moderation provider unavailable")
	// ErrProviderRejected means the provider refused the input itself.
	ErrProviderRejected = errors.New("moderation provider rejected request")
	// ErrMaxRetriesExceeded is logged when a task is escalated to error.
	ErrMaxRetriesExceeded = errors.New("moderation retries exhausted")
	// ErrProcessingPanic wraps a panic recovered while processing a task.
	ErrProcessingPanic = errors.New("moderation processing panicked")
)

// Request identifies the image a provider should classify.
type Request struct {
	TaskID       string
	SubjectID    string
	SubjectRef   string
	ArtifactName string
}

// Provider classifies an image. Calls are retried with the same request, so
// implementations must be idempotent.
type Provider interface {
	Moderate(ctx context.Context, req Request) (models.Verdict, error)
}

// TaskStore is the durable queue state. Each mutation is a single-record
// update that only applies from the expected source status.
type TaskStore interface {
	// NextEligible returns the oldest pending or failed task.
	NextEligible(ctx context.Context) (models.ModerationTask, bool, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, result models.TaskResult, at time.Time) error
	// MarkFailed increments the retry count and stores reason.
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) (models.ModerationTask, error)
	MarkError(ctx context.Context, id string, at time.Time) error
	// ResetFailed moves failed and error tasks back to pending with zero retries.
	ResetFailed(ctx context.Context, at time.Time) (int, error)
	// RecoverProcessing fails tasks left in processing by a previous run.
	RecoverProcessing(ctx context.Context, at time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

// SubjectUpdater mirrors moderation state onto the image record.
type SubjectUpdater interface {
	UpdateModeration(ctx context.Context, subjectID string, record models.ModerationRecord) error
}

// Blacklister bans client keys that submitted flagged content.
type Blacklister interface {
	Add(ctx context.Context, clientKey, reason string) error
}

// Notifier alerts operators about flagged content.
type Notifier interface {
	Notify(ctx context.Context, alert models.FlagAlert) error
}
