package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerEntryType classifies student ledger movements.
type LedgerEntryType string

const (
	LedgerChallanCreated  LedgerEntryType = "CHALLAN_CREATED"
	LedgerPaymentReceived LedgerEntryType = "PAYMENT_RECEIVED"
	LedgerAdvanceCredit   LedgerEntryType = "ADVANCE_CREDIT"
)

// LedgerDirection is the accounting side of an entry.
type LedgerDirection string

const (
	Debit  LedgerDirection = "DEBIT"
	Credit LedgerDirection = "CREDIT"
)

// LedgerEntry is an append-only student ledger line.
type LedgerEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TenantID        string          `gorm:"size:36;not null;index:idx_ledger_scope" json:"tenant_id"`
	CampusID        uint            `gorm:"not null;index:idx_ledger_scope" json:"campus_id"`
	StudentID       uint            `gorm:"index;not null" json:"student_id"`
	ChallanID       *uint           `gorm:"index" json:"challan_id,omitempty"`
	PaymentRecordID *uint           `gorm:"index" json:"payment_record_id,omitempty"`
	EntryType       LedgerEntryType `gorm:"size:30;not null" json:"entry_type"`
	Direction       LedgerDirection `gorm:"size:10;not null" json:"direction"`
	Amount          decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	EntryDate       time.Time       `gorm:"not null;index:idx_ledger_scope" json:"entry_date"`
}

// StudentFinancialSummary is the running balance per student.
type StudentFinancialSummary struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID       string          `gorm:"size:36;not null;uniqueIndex:idx_summary_student" json:"tenant_id"`
	StudentID      uint            `gorm:"not null;uniqueIndex:idx_summary_student" json:"student_id"`
	CampusID       uint            `gorm:"index;not null" json:"campus_id"`
	TotalDebit     decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"total_debit"`
	TotalCredit    decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"total_credit"`
	Balance        decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"balance"`
	AdvanceBalance decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"advance_balance"`
}

// BumpSummary upserts the student's summary row, adding the given deltas.
// It must run inside the transaction that wrote the matching ledger entries.
func BumpSummary(tx *gorm.DB, tenantID string, campusID, studentID uint, debit, credit, advance decimal.Decimal) error {
	row := StudentFinancialSummary{
		TenantID:       tenantID,
		StudentID:      studentID,
		CampusID:       campusID,
		TotalDebit:     debit,
		TotalCredit:    credit,
		Balance:        debit.Sub(credit),
		AdvanceBalance: advance,
	}
	const t = "student_financial_summaries"
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "student_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_debit":     gorm.Expr(t+".total_debit + ?", debit),
			"total_credit":    gorm.Expr(t+".total_credit + ?", credit),
			"balance":         gorm.Expr(t+".balance + ?", debit.Sub(credit)),
			"advance_balance": gorm.Expr(t+".advance_balance + ?", advance),
			"updated_at":      time.Now(),
		}),
	}).Create(&row).Error
}
