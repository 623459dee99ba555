package models

import (
	"time"

	"gorm.io/gorm"
)

// ReminderChannel is the delivery medium of a reminder.
type ReminderChannel string

const (
	ReminderSMS      ReminderChannel = "SMS"
	ReminderWhatsApp ReminderChannel = "WHATSAPP"
	ReminderEmail    ReminderChannel = "EMAIL"
)

// ReminderStatus tracks one delivery attempt.
type ReminderStatus string

const (
	ReminderQueued    ReminderStatus = "QUEUED"
	ReminderSent      ReminderStatus = "SENT"
	ReminderDelivered ReminderStatus = "DELIVERED"
	ReminderRead      ReminderStatus = "READ"
	ReminderFailed    ReminderStatus = "FAILED"
)

// reminderRank orders statuses so delivery callbacks never move a log backwards.
var reminderRank = map[ReminderStatus]int{
	ReminderQueued:    0,
	ReminderSent:      1,
	ReminderDelivered: 2,
	ReminderRead:      3,
}

// CanTransition reports whether a log may move from one status to another.
// FAILED is reachable from any non-terminal state; READ and FAILED are final.
func (s ReminderStatus) CanTransition(to ReminderStatus) bool {
	if s == ReminderFailed || s == ReminderRead {
		return false
	}
	if to == ReminderFailed {
		return true
	}
	return reminderRank[to] > reminderRank[s]
}

// ReminderRule selects a template and channel for an overdue window.
// A rule with CampusID set wins over a tenant-wide rule.
type ReminderRule struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID string `gorm:"size:36;index;not null" json:"tenant_id"`
	CampusID *uint  `gorm:"index" json:"campus_id,omitempty"`
	Name     string `gorm:"size:255;not null" json:"name"`

	MinDaysOverdue int             `gorm:"not null" json:"min_days_overdue"`
	MaxDaysOverdue *int            `json:"max_days_overdue,omitempty"`
	Channel        ReminderChannel `gorm:"size:20;not null" json:"channel"`
	Template       string          `gorm:"type:text;not null" json:"template"`
	FrequencyDays  int             `gorm:"not null;default:1" json:"frequency_days"`
	IsActive       bool            `gorm:"not null;default:true" json:"is_active"`
}

// Matches reports whether the rule covers a challan that is daysOverdue late.
func (r *ReminderRule) Matches(daysOverdue int) bool {
	if !r.IsActive || daysOverdue < r.MinDaysOverdue {
		return false
	}
	return r.MaxDaysOverdue == nil || daysOverdue <= *r.MaxDaysOverdue
}

// Cooldown returns the minimum gap between two reminders of this rule to one student.
func (r *ReminderRule) Cooldown() time.Duration {
	days := r.FrequencyDays
	if days < 1 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// ReminderLog records one reminder delivery attempt.
type ReminderLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID  string          `gorm:"size:36;index;not null" json:"tenant_id"`
	StudentID uint            `gorm:"not null;index:idx_reminder_cooldown" json:"student_id"`
	RuleID    uint            `gorm:"not null;index:idx_reminder_cooldown" json:"rule_id"`
	ChallanID uint            `gorm:"index;not null" json:"challan_id"`
	Channel   ReminderChannel `gorm:"size:20;not null" json:"channel"`
	// SlotKey allows one reminder per student, rule and day.
	SlotKey   *string         `gorm:"size:120;uniqueIndex" json:"slot_key,omitempty"`
	Bucket    string          `gorm:"size:20" json:"bucket"`
	Recipient string          `gorm:"size:255" json:"recipient"`
	Message   string          `gorm:"type:text" json:"message"`

	Status      ReminderStatus `gorm:"size:20;not null;default:'QUEUED';index" json:"status"`
	ExternalRef *string        `gorm:"size:255;index" json:"external_ref,omitempty"`
	JobID       string         `gorm:"size:36" json:"job_id,omitempty"`
	Error       string         `gorm:"type:text" json:"error,omitempty"`

	QueuedAt    time.Time  `gorm:"not null;index:idx_reminder_cooldown" json:"queued_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
