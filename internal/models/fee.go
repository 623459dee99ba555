package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FeeFrequency tells the posting engine how often a fee head recurs.
type FeeFrequency string

const (
	FeeMonthly FeeFrequency = "MONTHLY"
	FeeAnnual  FeeFrequency = "ANNUAL"
	FeeOneTime FeeFrequency = "ONE_TIME"
)

// FeeStructure is a priced fee head for a campus, optionally limited to a grade
// and a month window.
type FeeStructure struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID string          `gorm:"size:36;index;not null" json:"tenant_id"`
	CampusID uint            `gorm:"index;not null" json:"campus_id"`
	Name     string          `gorm:"size:255;not null" json:"name"`
	Amount   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`

	Frequency       FeeFrequency `gorm:"size:20;not null;default:'MONTHLY'" json:"frequency"`
	ApplicableGrade string       `gorm:"size:20" json:"applicable_grade,omitempty"`
	StartMonth      *int         `json:"start_month,omitempty"`
	EndMonth        *int         `json:"end_month,omitempty"`

	// AmountFormula is an optional expression over base, month, year and grade,
	// e.g. "grade == '10' ? base * 1.1 : base".
	AmountFormula string `gorm:"size:500" json:"amount_formula,omitempty"`

	IsActive bool `gorm:"not null;default:true" json:"is_active"`
}

// AppliesTo reports whether the structure bills a student of the given grade in month.
func (f *FeeStructure) AppliesTo(grade string, month int) bool {
	if !f.IsActive || f.Frequency != FeeMonthly {
		return false
	}
	if f.ApplicableGrade != "" && f.ApplicableGrade != grade {
		return false
	}
	if f.StartMonth != nil && month < *f.StartMonth {
		return false
	}
	if f.EndMonth != nil && month > *f.EndMonth {
		return false
	}
	return true
}
