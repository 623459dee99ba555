package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the lifecycle of a queued job.
// PENDING -> RUNNING -> COMPLETED | FAILED -> (retry) | DEAD
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobDead      JobStatus = "DEAD"
)

// JobType discriminates the payload carried by a job.
type JobType string

const (
	JobFeePosting       JobType = "FEE_POSTING"
	JobReminderRun      JobType = "REMINDER_RUN"
	JobReminderDelivery JobType = "REMINDER_DELIVERY"
	JobWebhookCallback  JobType = "WEBHOOK_CALLBACK"
)

// Job is a durable unit of work. Jobs are never deleted, only transitioned.
type Job struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Type           JobType        `gorm:"size:40;not null;index" json:"type"`
	Queue          string         `gorm:"size:50;not null;index:idx_job_claim,priority:1" json:"queue"`
	Payload        datatypes.JSON `json:"payload"`
	IdempotencyKey *string        `gorm:"size:255;uniqueIndex" json:"idempotency_key,omitempty"`
	Priority       int            `gorm:"not null;default:0" json:"priority"`

	Status      JobStatus `gorm:"size:20;not null;default:'PENDING';index:idx_job_claim,priority:2" json:"status"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int       `gorm:"not null;default:3" json:"max_attempts"`
	RunAt       time.Time `gorm:"not null;index:idx_job_claim,priority:3" json:"run_at"`

	LockedAt    *time.Time     `json:"locked_at,omitempty"`
	LockedBy    string         `gorm:"size:100" json:"locked_by,omitempty"`
	Result      datatypes.JSON `json:"result,omitempty"`
	LastError   string         `gorm:"type:text" json:"last_error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DeadAt      *time.Time     `json:"dead_at,omitempty"`
}

// IsDead returns true once retries are exhausted.
func (j *Job) IsDead() bool {
	return j.Status == JobDead
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}
