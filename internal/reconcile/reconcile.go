// Package reconcile applies received payments to challans. Every payment is
// idempotent: a replay with the same key or gateway reference returns the
// original record instead of crediting twice.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var channels = []models.PaymentChannel{
	models.ChannelCash,
	models.ChannelBankTransfer,
	models.ChannelCheque,
	models.ChannelOnline,
	models.ChannelMobileWallet,
}

// Request is one payment against a challan.
type Request struct {
	TenantID        string
	ChallanID       uint
	Amount          decimal.Decimal
	PaymentDate     time.Time
	Channel         models.PaymentChannel
	ReferenceNumber string
	IdempotencyKey  string
	Notes           string
	RecordedBy      string
}

// Result describes the payment and the challan state after it.
type Result struct {
	PaymentRecord *models.PaymentRecord `json:"paymentRecord"`
	ChallanID     uint                  `json:"challanId"`
	ChallanStatus models.ChallanStatus  `json:"challanStatus"`
	PaidAmount    decimal.Decimal       `json:"paidAmount"`
	Balance       decimal.Decimal       `json:"balance"`
	AppliedAmount decimal.Decimal       `json:"appliedAmount"`
	AdvanceAmount decimal.Decimal       `json:"advanceAmount"`
	ReceiptNo     string                `json:"receiptNo"`
	Replayed      bool                  `json:"replayed"`
}

type Service struct {
	db   *gorm.DB
	bus  events.Bus
	node *snowflake.Node
	log  *slog.Logger
	now  func() time.Time
}

// NewService creates the service. nodeID distinguishes receipt number
// generators across processes and must be in [0, 1023].
func NewService(d *gorm.DB, bus events.Bus, nodeID int64) (*Service, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("receipt node: %w", err)
	}
	return &Service{
		db:   d,
		bus:  bus,
		node: node,
		log:  slog.Default().With("component", "reconcile"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// EffectiveKey returns the idempotency key used for req.
func EffectiveKey(req Request) string {
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		return k
	}
	if ref := normalizeRef(req.ReferenceNumber); ref != "" {
		return fmt.Sprintf("ref:%s:%s", req.Channel, ref)
	}
	parts := []string{
		req.TenantID,
		fmt.Sprint(req.ChallanID),
		req.Amount.StringFixed(2),
		req.PaymentDate.UTC().Format(time.DateOnly),
		string(req.Channel),
		strings.TrimSpace(req.Notes),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "manual:" + hex.EncodeToString(sum[:])[:32]
}

func normalizeRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

func (s *Service) validate(req *Request) error {
	if !req.Amount.IsPositive() {
		return apperr.Payment(apperr.CodeInvalidAmount, "amount must be greater than zero")
	}
	if req.Channel == "" || !lo.Contains(channels, req.Channel) {
		return apperr.Payment(apperr.CodeInvalidChannel, "unknown payment channel %q", req.Channel)
	}
	if req.PaymentDate.IsZero() {
		req.PaymentDate = s.now()
	}
	req.Amount = req.Amount.Round(2)
	return nil
}

// ReconcilePayment records a payment and applies it to the challan. Amounts
// above the outstanding balance are kept as an advance credit for the student.
func (s *Service) ReconcilePayment(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	key := EffectiveKey(req)
	var ref *string
	if r := normalizeRef(req.ReferenceNumber); r != "" {
		ref = &r
	}

	if existing, err := s.findDuplicate(s.db.WithContext(ctx), req.TenantID, key, ref); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replay(ctx, existing)
	}

	var (
		challan   models.Challan
		record    models.PaymentRecord
		duplicate *models.PaymentRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND tenant_id = ?", req.ChallanID, req.TenantID).
			Take(&challan).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Payment(apperr.CodeChallanNotFound, "challan %d not found", req.ChallanID)
		}
		if err != nil {
			return err
		}

		// a concurrent request may have committed while we waited on the lock
		dup, err := s.findDuplicate(tx, req.TenantID, key, ref)
		if err != nil {
			return err
		}
		if dup != nil {
			duplicate = dup
			return nil
		}
		if challan.IsPaid() {
			return apperr.Payment(apperr.CodeChallanAlreadyPaid, "challan %s is already paid", challan.ChallanNo)
		}

		applied, excess := challan.Apply(req.Amount)
		paidAt := req.PaymentDate.UTC()
		record = models.PaymentRecord{
			TenantID:       req.TenantID,
			ChallanID:      challan.ID,
			StudentID:      challan.StudentID,
			CampusID:       challan.CampusID,
			Amount:         req.Amount,
			AppliedAmount:  applied,
			AdvanceAmount:  excess,
			Channel:        req.Channel,
			GatewayRef:     ref,
			IdempotencyKey: key,
			ReceiptNo:      "RCPT-" + s.node.Generate().String(),
			Status:         models.PaymentReconciled,
			PaidAt:         paidAt,
			Notes:          req.Notes,
			RecordedBy:     req.RecordedBy,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		fields := map[string]any{
			"paid_amount": challan.PaidAmount,
			"balance":     challan.Balance,
			"status":      challan.Status,
		}
		if challan.IsPaid() {
			challan.PaidAt = &paidAt
			fields["paid_at"] = paidAt
		}
		if err := tx.Model(&models.Challan{}).Where("id = ?", challan.ID).Updates(fields).Error; err != nil {
			return fmt.Errorf("update challan: %w", err)
		}

		challanID, paymentID := challan.ID, record.ID
		entries := []models.LedgerEntry{{
			TenantID:        req.TenantID,
			CampusID:        challan.CampusID,
			StudentID:       challan.StudentID,
			ChallanID:       &challanID,
			PaymentRecordID: &paymentID,
			EntryType:       models.LedgerPaymentReceived,
			Direction:       models.Credit,
			Amount:          applied,
			EntryDate:       paidAt,
		}}
		if excess.IsPositive() {
			credit := models.AdvanceCredit{
				TenantID:        req.TenantID,
				StudentID:       challan.StudentID,
				ChallanID:       challan.ID,
				PaymentRecordID: record.ID,
				Amount:          excess,
				Status:          models.AdvanceAvailable,
			}
			if err := tx.Create(&credit).Error; err != nil {
				return fmt.Errorf("insert advance credit: %w", err)
			}
			entries = append(entries, models.LedgerEntry{
				TenantID:        req.TenantID,
				CampusID:        challan.CampusID,
				StudentID:       challan.StudentID,
				ChallanID:       &challanID,
				PaymentRecordID: &paymentID,
				EntryType:       models.LedgerAdvanceCredit,
				Direction:       models.Credit,
				Amount:          excess,
				EntryDate:       paidAt,
			})
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("insert ledger entries: %w", err)
		}
		return models.BumpSummary(tx, req.TenantID, challan.CampusID, challan.StudentID, decimal.Zero, applied, excess)
	})
	if err != nil {
		// lost an insert race on the unique key: the winner's record is the answer
		if db.IsUniqueViolation(err) {
			existing, ferr := s.findDuplicate(s.db.WithContext(ctx), req.TenantID, key, ref)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return s.replay(ctx, existing)
			}
		}
		return nil, err
	}
	if duplicate != nil {
		return s.replay(ctx, duplicate)
	}

	s.log.InfoContext(ctx, "payment reconciled",
		"tenant_id", req.TenantID, "challan_id", challan.ID, "receipt_no", record.ReceiptNo,
		"applied", record.AppliedAmount.StringFixed(2), "advance", record.AdvanceAmount.StringFixed(2),
		"status", challan.Status)

	topic := events.ChallanPartiallyPaid
	if challan.IsPaid() {
		topic = events.ChallanPaid
	}
	events.PublishSafe(ctx, s.bus, events.New(topic, req.TenantID, map[string]any{
		"challanId":       challan.ID,
		"challanNo":       challan.ChallanNo,
		"studentId":       challan.StudentID,
		"paymentRecordId": record.ID,
		"amount":          record.Amount.StringFixed(2),
		"balance":         challan.Balance.StringFixed(2),
		"status":          challan.Status,
	}))

	return &Result{
		PaymentRecord: &record,
		ChallanID:     challan.ID,
		ChallanStatus: challan.Status,
		PaidAmount:    challan.PaidAmount,
		Balance:       challan.Balance,
		AppliedAmount: record.AppliedAmount,
		AdvanceAmount: record.AdvanceAmount,
		ReceiptNo:     record.ReceiptNo,
	}, nil
}

// findDuplicate returns the tenant's payment with key or gateway reference ref.
func (s *Service) findDuplicate(tx *gorm.DB, tenantID, key string, ref *string) (*models.PaymentRecord, error) {
	q := tx.Where("tenant_id = ?", tenantID)
	if ref != nil {
		q = q.Where("idempotency_key = ? OR gateway_ref = ?", key, *ref)
	} else {
		q = q.Where("idempotency_key = ?", key)
	}
	var rec models.PaymentRecord
	err := q.Order("id").Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payment: %w", err)
	}
	return &rec, nil
}

func (s *Service) replay(ctx context.Context, rec *models.PaymentRecord) (*Result, error) {
	var challan models.Challan
	if err := s.db.WithContext(ctx).Unscoped().Take(&challan, rec.ChallanID).Error; err != nil {
		return nil, fmt.Errorf("load challan %d: %w", rec.ChallanID, err)
	}
	s.log.InfoContext(ctx, "payment replayed", "tenant_id", rec.TenantID, "payment_id", rec.ID, "key", rec.IdempotencyKey)
	return &Result{
		PaymentRecord: rec,
		ChallanID:     challan.ID,
		ChallanStatus: challan.Status,
		PaidAmount:    challan.PaidAmount,
		Balance:       challan.Balance,
		AppliedAmount: rec.AppliedAmount,
		AdvanceAmount: rec.AdvanceAmount,
		ReceiptNo:     rec.ReceiptNo,
		Replayed:      true,
	}, nil
}
