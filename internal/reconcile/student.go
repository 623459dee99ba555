package reconcile

import (
	"context"
	"errors"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StudentStatement is the running balance of a student with the challans
// still open.
type StudentStatement struct {
	StudentID      uint             `json:"studentId"`
	FullName       string           `json:"fullName"`
	TotalDebit     decimal.Decimal  `json:"totalDebit"`
	TotalCredit    decimal.Decimal  `json:"totalCredit"`
	Balance        decimal.Decimal  `json:"balance"`
	AdvanceBalance decimal.Decimal  `json:"advanceBalance"`
	Outstanding    []models.Challan `json:"outstanding"`
}

// StudentSummary returns the student's ledger totals and open challans. A
// student without any ledger activity has zero totals.
func (s *Service) StudentSummary(ctx context.Context, tenantID string, studentID uint) (*StudentStatement, error) {
	var student models.Student
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", studentID, tenantID).Take(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Payment(apperr.CodeStudentNotFound, "student %d not found", studentID)
	}
	if err != nil {
		return nil, err
	}

	st := &StudentStatement{
		StudentID:      student.ID,
		FullName:       student.FullName,
		TotalDebit:     decimal.Zero,
		TotalCredit:    decimal.Zero,
		Balance:        decimal.Zero,
		AdvanceBalance: decimal.Zero,
	}
	var sum models.StudentFinancialSummary
	err = s.db.WithContext(ctx).Where("tenant_id = ? AND student_id = ?", tenantID, studentID).Take(&sum).Error
	switch {
	case err == nil:
		st.TotalDebit = sum.TotalDebit
		st.TotalCredit = sum.TotalCredit
		st.Balance = sum.Balance
		st.AdvanceBalance = sum.AdvanceBalance
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	st.Outstanding, err = s.OutstandingChallans(ctx, tenantID, studentID)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// OutstandingChallans lists the student's unpaid and partially paid challans,
// oldest due first.
func (s *Service) OutstandingChallans(ctx context.Context, tenantID string, studentID uint) ([]models.Challan, error) {
	var challans []models.Challan
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND student_id = ? AND status IN ?", tenantID, studentID,
			[]models.ChallanStatus{models.ChallanUnpaid, models.ChallanPartiallyPaid}).
		Order("due_date, id").
		Find(&challans).Error
	return challans, err
}

// Payments lists the payments recorded against a challan of the tenant.
func (s *Service) Payments(ctx context.Context, tenantID string, challanID uint) ([]models.PaymentRecord, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Challan{}).
		Where("id = ? AND tenant_id = ?", challanID, tenantID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.Payment(apperr.CodeChallanNotFound, "challan %d not found", challanID)
	}
	var payments []models.PaymentRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND challan_id = ?", tenantID, challanID).
		Order("paid_at, id").
		Find(&payments).Error
	return payments, err
}
