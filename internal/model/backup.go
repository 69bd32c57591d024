package model

import "time"

// BackupStatus tracks an encrypted database snapshot through upload.
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusUploading BackupStatus = "uploading"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
)

// Backup is one snapshot of the schedule database stored in the bucket
// under S3Key.
type Backup struct {
	ID           int64        `json:"id"`
	Filename     string       `json:"filename"`
	S3Key        string       `json:"key"`
	SizeBytes    int64        `json:"sizeBytes"`
	Status       BackupStatus `json:"status"`
	ErrorMessage string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"startedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// Restorable reports whether the snapshot finished uploading.
func (b *Backup) Restorable() bool {
	return b.Status == BackupStatusCompleted && b.CompletedAt != nil
}

// Duration is how long the snapshot took, or zero while it is running.
func (b *Backup) Duration() time.Duration {
	if b.CompletedAt == nil {
		return 0
	}
	return b.CompletedAt.Sub(b.StartedAt)
}
