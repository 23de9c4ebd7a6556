package models

import "time"

type ImageStatus string

const (
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusReady      ImageStatus = "ready"
	ImageStatusBlocked    ImageStatus = "blocked"
)

type Image struct {
	ID                string
	ClientKey         string
	Bucket            string
	ObjectKey         string
	Format            string
	SizeBytes         int64
	NSFWScore         *float32
	Visibility        string
	Status            ImageStatus
	Checksum          []byte
	Signature         []byte
	ModerationStatus  TaskStatus
	ModerationResult  *TaskResult
	ModerationChecked bool
	IsFlagged         bool
	ExpireAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ModerationRecord is the moderation outcome mirrored onto an image.
type ModerationRecord struct {
	Status    TaskStatus
	Result    *TaskResult
	Checked   bool
	IsFlagged bool
}

// ImageStatus derives the serving status implied by the record.
func (r ModerationRecord) ImageStatus() ImageStatus {
	switch {
	case r.IsFlagged:
		return ImageStatusBlocked
	case r.Status == TaskStatusCompleted:
		return ImageStatusReady
	default:
		return ImageStatusProcessing
	}
}
