package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostingRunStatus represents the lifecycle of a posting run.
type PostingRunStatus string

const (
	PostingPending   PostingRunStatus = "PENDING"
	PostingRunning   PostingRunStatus = "RUNNING"
	PostingCompleted PostingRunStatus = "COMPLETED"
	PostingFailed    PostingRunStatus = "FAILED"
)

// PostingRun records one fee posting for a (tenant, campus, period).
// The unique idempotency key guarantees at most one run per period.
type PostingRun struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID       string `gorm:"size:36;index;not null" json:"tenant_id"`
	CampusID       *uint  `gorm:"index" json:"campus_id,omitempty"`
	AcademicYearID *uint  `json:"academic_year_id,omitempty"`
	Month          int    `gorm:"not null" json:"month"`
	Year           int    `gorm:"not null" json:"year"`
	IdempotencyKey string `gorm:"size:120;not null;uniqueIndex" json:"idempotency_key"`

	Status       PostingRunStatus `gorm:"size:20;not null;default:'PENDING'" json:"status"`
	DueDate      time.Time        `json:"due_date"`
	CreatedCount int              `gorm:"not null;default:0" json:"created_count"`
	SkippedCount int              `gorm:"not null;default:0" json:"skipped_count"`
	TotalAmount  decimal.Decimal  `gorm:"type:decimal(14,2);not null;default:0" json:"total_amount"`
	ErrorMessage string           `gorm:"type:text" json:"error_message,omitempty"`
	RequestedBy  string           `gorm:"size:100" json:"requested_by,omitempty"`
	JobID        string           `gorm:"size:36" json:"job_id,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true once the run has completed or failed.
func (r *PostingRun) IsTerminal() bool {
	return r.Status == PostingCompleted || r.Status == PostingFailed
}

// PostingKey builds the idempotency key for a posting period.
// A nil campus means every campus of the tenant.
func PostingKey(tenantID string, campusID *uint, month, year int) string {
	campus := "all"
	if campusID != nil {
		campus = fmt.Sprintf("%d", *campusID)
	}
	return fmt.Sprintf("posting:%s:%s:%04d-%02d", tenantID, campus, year, month)
}
