package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChallanStatus represents the payment state of a challan.
type ChallanStatus string

const (
	ChallanUnpaid        ChallanStatus = "UNPAID"
	ChallanPartiallyPaid ChallanStatus = "PARTIALLY_PAID"
	ChallanPaid          ChallanStatus = "PAID"
)

// Challan is a student fee invoice for one billing period.
// Invariant: Balance = TotalAmount - PaidAmount and Balance >= 0.
type Challan struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID     string `gorm:"size:36;not null;uniqueIndex:idx_challan_tenant_no;index:idx_challan_period" json:"tenant_id"`
	CampusID     uint   `gorm:"index;not null" json:"campus_id"`
	StudentID    uint   `gorm:"index;not null" json:"student_id"`
	PostingRunID *uint  `gorm:"index" json:"posting_run_id,omitempty"`

	ChallanNo string `gorm:"size:50;not null;uniqueIndex:idx_challan_tenant_no" json:"challan_no"`
	Month     int    `gorm:"not null;index:idx_challan_period" json:"month"`
	Year      int    `gorm:"not null;index:idx_challan_period" json:"year"`

	IssueDate time.Time `gorm:"not null" json:"issue_date"`
	DueDate   time.Time `gorm:"not null;index" json:"due_date"`

	TotalAmount decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_amount"`
	PaidAmount  decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"paid_amount"`
	Balance     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"balance"`
	Status      ChallanStatus   `gorm:"size:20;not null;default:'UNPAID';index" json:"status"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`

	LineItems []ChallanLineItem `gorm:"foreignKey:ChallanID" json:"line_items,omitempty"`
	Student   *Student          `gorm:"foreignKey:StudentID" json:"student,omitempty"`
}

// ChallanLineItem is one fee head on a challan.
type ChallanLineItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ChallanID      uint            `gorm:"index;not null" json:"challan_id"`
	FeeStructureID uint            `gorm:"index" json:"fee_structure_id"`
	Description    string          `gorm:"size:255;not null" json:"description"`
	Amount         decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
}

// DeriveChallanStatus maps paid/total amounts to a status.
func DeriveChallanStatus(paid, total decimal.Decimal) ChallanStatus {
	switch {
	case paid.LessThanOrEqual(decimal.Zero):
		return ChallanUnpaid
	case paid.LessThan(total):
		return ChallanPartiallyPaid
	default:
		return ChallanPaid
	}
}

// IsPaid returns true if nothing is left to collect.
func (c *Challan) IsPaid() bool {
	return c.Status == ChallanPaid
}

// Recompute refreshes Balance and Status from TotalAmount and PaidAmount.
func (c *Challan) Recompute() {
	c.Balance = c.TotalAmount.Sub(c.PaidAmount)
	if c.Balance.IsNegative() {
		c.Balance = decimal.Zero
	}
	c.Status = DeriveChallanStatus(c.PaidAmount, c.TotalAmount)
}

// Apply credits amount to the challan and returns the applied part and the
// excess that did not fit in the outstanding balance.
func (c *Challan) Apply(amount decimal.Decimal) (applied, excess decimal.Decimal) {
	outstanding := c.TotalAmount.Sub(c.PaidAmount)
	applied = decimal.Min(amount, outstanding)
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	excess = amount.Sub(applied)
	c.PaidAmount = c.PaidAmount.Add(applied)
	c.Recompute()
	return applied, excess
}

// DaysOverdue returns the number of whole days past the due date, 0 when not due.
func (c *Challan) DaysOverdue(now time.Time) int {
	if !now.After(c.DueDate) {
		return 0
	}
	return int(now.Sub(c.DueDate).Hours() / 24)
}

// IsOverdue reports whether an outstanding balance is past its due date.
func (c *Challan) IsOverdue(now time.Time) bool {
	return c.Balance.IsPositive() && c.DueDate.Before(now)
}

// TotalFromItems sums the line items.
func (c *Challan) TotalFromItems() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.LineItems {
		total = total.Add(item.Amount)
	}
	return total
}

// ChallanNumber builds the posting challan number.
// Format: FP-YYYYMM-<studentID> (e.g., FP-202501-42)
func ChallanNumber(year, month int, studentID uint) string {
	return fmt.Sprintf("FP-%04d%02d-%d", year, month, studentID)
}
