package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TenantStatus represents the lifecycle state of an organization.
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "ACTIVE"
	TenantStatusSuspended TenantStatus = "SUSPENDED"
)

// RevenueCalculationMode decides which students count towards platform revenue.
type RevenueCalculationMode string

const (
	RevenueOnGeneratedFee RevenueCalculationMode = "ON_GENERATED_FEE"
	RevenueOnCollectedFee RevenueCalculationMode = "ON_COLLECTED_FEE"
)

// Tenant is the top-level isolation boundary (an organization / school group).
type Tenant struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name   string       `gorm:"size:255;not null" json:"name"`
	Status TenantStatus `gorm:"size:20;not null;default:'ACTIVE'" json:"status"`

	// Billing plan
	PerStudentFee          decimal.Decimal        `gorm:"type:decimal(14,2);not null;default:0" json:"per_student_fee"`
	RevenueCalculationMode RevenueCalculationMode `gorm:"size:30;not null;default:'ON_GENERATED_FEE'" json:"revenue_calculation_mode"`
	ClosingDay             int                    `gorm:"not null;default:10" json:"closing_day"`

	Campuses []Campus `gorm:"foreignKey:TenantID" json:"campuses,omitempty"`
}

// IsActive returns true if the tenant can be billed.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// Mode returns the configured calculation mode, defaulting to generated fees.
func (t *Tenant) Mode() RevenueCalculationMode {
	if t.RevenueCalculationMode == "" {
		return RevenueOnGeneratedFee
	}
	return t.RevenueCalculationMode
}

// Campus is a physical school belonging to a tenant.
type Campus struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID string `gorm:"size:36;index;not null" json:"tenant_id"`
	Name     string `gorm:"size:255;not null" json:"name"`
	Code     string `gorm:"size:50" json:"code,omitempty"`
}

// Student is a learner billed through challans.
type Student struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID    string `gorm:"size:36;index;not null" json:"tenant_id"`
	CampusID    uint   `gorm:"index;not null" json:"campus_id"`
	FullName    string `gorm:"size:255;not null" json:"full_name"`
	AdmissionNo string `gorm:"size:50" json:"admission_no"`
	Grade       string `gorm:"size:20" json:"grade"`

	// Guardian contact used by the reminder channels
	GuardianName  string `gorm:"size:255" json:"guardian_name,omitempty"`
	GuardianPhone string `gorm:"size:30" json:"guardian_phone,omitempty"`
	GuardianEmail string `gorm:"size:255" json:"guardian_email,omitempty"`

	Campus *Campus `gorm:"foreignKey:CampusID" json:"campus,omitempty"`
}

// EnrollmentStatus represents whether a student is still attending.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// Enrollment binds a student to a campus for an academic year.
type Enrollment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID       string           `gorm:"size:36;index;not null" json:"tenant_id"`
	CampusID       uint             `gorm:"index;not null" json:"campus_id"`
	StudentID      uint             `gorm:"index;not null" json:"student_id"`
	AcademicYearID uint             `gorm:"index" json:"academic_year_id"`
	Grade          string           `gorm:"size:20" json:"grade"`
	Status         EnrollmentStatus `gorm:"size:20;not null;default:'ACTIVE'" json:"status"`
	StartDate      time.Time        `gorm:"not null" json:"start_date"`
	EndDate        *time.Time       `json:"end_date,omitempty"`

	Student *Student `gorm:"foreignKey:StudentID" json:"student,omitempty"`
}

// ActiveDuring reports whether the enrollment overlaps [from, to).
func (e *Enrollment) ActiveDuring(from, to time.Time) bool {
	if e.Status != EnrollmentActive {
		return false
	}
	if !e.StartDate.Before(to) {
		return false
	}
	return e.EndDate == nil || !e.EndDate.Before(from)
}
