package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus represents the lifecycle of a revenue cycle.
type CycleStatus string

const (
	CycleOpen   CycleStatus = "OPEN"
	CycleClosed CycleStatus = "CLOSED"
)

// RevenueCycle is the monthly accounting period of a tenant.
// Snapshot fields are only meaningful once the cycle is CLOSED.
type RevenueCycle struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID string      `gorm:"size:36;not null;uniqueIndex:idx_cycle_period" json:"tenant_id"`
	Month    int         `gorm:"not null;uniqueIndex:idx_cycle_period" json:"month"`
	Year     int         `gorm:"not null;uniqueIndex:idx_cycle_period" json:"year"`
	Status   CycleStatus `gorm:"size:20;not null;default:'OPEN'" json:"status"`
	OpenedAt time.Time   `gorm:"not null" json:"opened_at"`
	ClosedAt *time.Time  `json:"closed_at,omitempty"`

	CalculationMode   RevenueCalculationMode `gorm:"size:30;not null" json:"calculation_mode"`
	PerStudentFeeUsed decimal.Decimal        `gorm:"type:decimal(14,2);not null;default:0" json:"per_student_fee_used"`
	ClosingDayUsed    int                    `gorm:"not null;default:10" json:"closing_day_used"`

	TotalStudents     int             `gorm:"not null;default:0" json:"total_students"`
	GeneratedAmount   decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"generated_amount"`
	CollectedAmount   decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"collected_amount"`
	OutstandingAmount decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"outstanding_amount"`
	PlatformRevenue   decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"platform_revenue"`

	Adjustments []RevenueAdjustment `gorm:"foreignKey:CycleID" json:"adjustments,omitempty"`
}

// IsClosed returns true if the cycle has been closed.
func (c *RevenueCycle) IsClosed() bool {
	return c.Status == CycleClosed
}

// RevenueAdjustment is a signed, append-only correction to a cycle.
type RevenueAdjustment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CycleID   uint            `gorm:"index;not null" json:"cycle_id"`
	TenantID  string          `gorm:"size:36;index;not null" json:"tenant_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Reason    string          `gorm:"size:500;not null" json:"reason"`
	CreatedBy string          `gorm:"size:100;not null" json:"created_by"`
}
