package models

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusError      TaskStatus = "error"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusProcessing,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusError,
}

func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves the status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError
}

// Verdict is what a moderation provider concluded about an image.
type Verdict struct {
	IsFlagged bool    `json:"isFlagged"`
	Score     float64 `json:"score"`
	Provider  string  `json:"provider"`
}

// TaskResult is either a provider verdict or a skip marker.
type TaskResult struct {
	Verdict
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ModerationTask struct {
	ID           string
	SubjectID    string
	SubjectRef   string
	ArtifactName string
	ClientKey    string
	Status       TaskStatus
	RetryCount   int
	Result       *TaskResult
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FlagAlert is the payload sent to notification channels for flagged content.
type FlagAlert struct {
	TaskID       string    `json:"taskId"`
	SubjectID    string    `json:"subjectId"`
	ArtifactName string    `json:"artifactName"`
	ClientKey    string    `json:"clientKey"`
	Verdict      Verdict   `json:"verdict"`
	Blacklisted  bool      `json:"blacklisted"`
	FlaggedAt    time.Time `json:"flaggedAt"`
}
