package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the state of a payment record.
type PaymentStatus string

const (
	PaymentReconciled PaymentStatus = "RECONCILED"
)

// PaymentChannel is how the money arrived.
type PaymentChannel string

const (
	ChannelCash         PaymentChannel = "CASH"
	ChannelBankTransfer PaymentChannel = "BANK_TRANSFER"
	ChannelCheque       PaymentChannel = "CHEQUE"
	ChannelOnline       PaymentChannel = "ONLINE"
	ChannelMobileWallet PaymentChannel = "MOBILE_WALLET"
)

// PaymentRecord is one payment applied against a challan.
// IdempotencyKey and GatewayRef are unique per tenant so replays never double-credit.
type PaymentRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID  string `gorm:"size:36;not null;uniqueIndex:idx_payment_tenant_key;uniqueIndex:idx_payment_tenant_ref" json:"tenant_id"`
	ChallanID uint   `gorm:"index;not null" json:"challan_id"`
	StudentID uint   `gorm:"index;not null" json:"student_id"`
	CampusID  uint   `gorm:"index;not null" json:"campus_id"`

	// Amount is what was received; AppliedAmount went to the challan and
	// AdvanceAmount was carried as student credit.
	Amount        decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	AppliedAmount decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"applied_amount"`
	AdvanceAmount decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"advance_amount"`

	Channel        PaymentChannel `gorm:"size:30;not null" json:"channel"`
	GatewayRef     *string        `gorm:"size:255;uniqueIndex:idx_payment_tenant_ref" json:"gateway_ref,omitempty"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:idx_payment_tenant_key" json:"idempotency_key"`
	ReceiptNo      string         `gorm:"size:40;index" json:"receipt_no"`

	Status     PaymentStatus `gorm:"size:20;not null;default:'RECONCILED'" json:"status"`
	PaidAt     time.Time     `gorm:"not null;index" json:"paid_at"`
	Notes      string        `gorm:"type:text" json:"notes,omitempty"`
	RecordedBy string        `gorm:"size:100" json:"recorded_by,omitempty"`
}

// AdvanceStatus represents whether a credit is still available.
type AdvanceStatus string

const (
	AdvanceAvailable AdvanceStatus = "AVAILABLE"
	AdvanceApplied   AdvanceStatus = "APPLIED"
)

// AdvanceCredit is excess payment carried as a student credit balance.
type AdvanceCredit struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TenantID        string          `gorm:"size:36;index;not null" json:"tenant_id"`
	StudentID       uint            `gorm:"index;not null" json:"student_id"`
	ChallanID       uint            `gorm:"index;not null" json:"challan_id"`
	PaymentRecordID uint            `gorm:"uniqueIndex;not null" json:"payment_record_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Status          AdvanceStatus   `gorm:"size:20;not null;default:'AVAILABLE'" json:"status"`
}
