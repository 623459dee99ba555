// Package revenue manages the monthly revenue cycles a tenant is billed on.
package revenue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metrics are the figures of one tenant month.
type Metrics struct {
	TenantID          string                        `json:"tenantId"`
	Month             int                           `json:"month"`
	Year              int                           `json:"year"`
	CalculationMode   models.RevenueCalculationMode `json:"calculationMode"`
	PerStudentFee     decimal.Decimal               `json:"perStudentFee"`
	TotalStudents     int                           `json:"totalStudents"`
	GeneratedAmount   decimal.Decimal               `json:"generatedAmount"`
	CollectedAmount   decimal.Decimal               `json:"collectedAmount"`
	OutstandingAmount decimal.Decimal               `json:"outstandingAmount"`
	PlatformRevenue   decimal.Decimal               `json:"platformRevenue"`
	AdjustmentTotal   decimal.Decimal               `json:"adjustmentTotal"`
	AdjustedRevenue   decimal.Decimal               `json:"adjustedRevenue"`
}

// Summary is a cycle with its adjustment totals.
type Summary struct {
	models.RevenueCycle
	AdjustmentTotal decimal.Decimal `json:"adjustment_total"`
	AdjustedRevenue decimal.Decimal `json:"adjusted_revenue"`
}

// AdjustmentRequest is a signed correction to a cycle's platform revenue.
type AdjustmentRequest struct {
	CycleID   uint
	TenantID  string
	Amount    decimal.Decimal
	Reason    string
	CreatedBy string
}

// CreateResult counts cycles opened by CreateMonthlyCycles.
type CreateResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

type Service struct {
	db  *gorm.DB
	bus events.Bus
	log *slog.Logger
	now func() time.Time
}

func NewService(d *gorm.DB, bus events.Bus) *Service {
	return &Service{
		db:  d,
		bus: bus,
		log: slog.Default().With("component", "revenue"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func monthRange(month, year int) (time.Time, time.Time) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}

func newCycle(t *models.Tenant, month, year int, now time.Time) models.RevenueCycle {
	closing := t.ClosingDay
	if closing < 1 {
		closing = 10
	}
	return models.RevenueCycle{
		TenantID:          t.ID,
		Month:             month,
		Year:              year,
		Status:            models.CycleOpen,
		OpenedAt:          now,
		CalculationMode:   t.Mode(),
		PerStudentFeeUsed: t.PerStudentFee,
		ClosingDayUsed:    closing,
		GeneratedAmount:   decimal.Zero,
		CollectedAmount:   decimal.Zero,
		OutstandingAmount: decimal.Zero,
		PlatformRevenue:   decimal.Zero,
	}
}

// CreateMonthlyCycles opens the period's cycle for every active tenant.
// Tenants that already have one are counted as skipped.
func (s *Service) CreateMonthlyCycles(ctx context.Context, month, year int) (*CreateResult, error) {
	var tenants []models.Tenant
	if err := s.db.WithContext(ctx).Where("status = ?", models.TenantStatusActive).Order("id").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	res := &CreateResult{}
	for i := range tenants {
		created, err := s.createCycle(ctx, &tenants[i], month, year)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	s.log.InfoContext(ctx, "monthly cycles created", "period", fmt.Sprintf("%04d-%02d", year, month),
		"created", res.Created, "skipped", res.Skipped)
	return res, nil
}

// CreateCycle opens the period's cycle for one tenant. It reports false when
// the cycle already exists.
func (s *Service) CreateCycle(ctx context.Context, tenantID string, month, year int) (bool, error) {
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if !t.IsActive() {
		return false, apperr.Revenue(apperr.CodeTenantInactive, "tenant %s is %s", tenantID, t.Status)
	}
	return s.createCycle(ctx, t, month, year)
}

func (s *Service) createCycle(ctx context.Context, t *models.Tenant, month, year int) (bool, error) {
	cycle := newCycle(t, month, year, s.now())
	err := s.db.WithContext(ctx).Create(&cycle).Error
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create cycle for tenant %s: %w", t.ID, err)
	}
	return true, nil
}

func (s *Service) tenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Revenue(apperr.CodeTenantNotFound, "tenant %s not found", tenantID)
	}
	return &t, err
}

// CalculateLiveMetrics computes the period's figures without writing anything.
// An existing cycle's plan snapshot wins over the tenant's current plan.
func (s *Service) CalculateLiveMetrics(ctx context.Context, tenantID string, month, year int) (*Metrics, error) {
	t, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	mode, fee := t.Mode(), t.PerStudentFee
	adjustments := decimal.Zero

	var cycle models.RevenueCycle
	err = s.db.WithContext(ctx).Where("tenant_id = ? AND month = ? AND year = ?", tenantID, month, year).Take(&cycle).Error
	switch {
	case err == nil:
		mode, fee = cycle.CalculationMode, cycle.PerStudentFeeUsed
		if adjustments, err = adjustmentTotal(s.db.WithContext(ctx), cycle.ID); err != nil {
			return nil, err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	m, err := computeMetrics(s.db.WithContext(ctx), tenantID, month, year, mode, fee)
	if err != nil {
		return nil, err
	}
	m.AdjustmentTotal = adjustments
	m.AdjustedRevenue = m.PlatformRevenue.Add(adjustments)
	return m, nil
}

func computeMetrics(tx *gorm.DB, tenantID string, month, year int, mode models.RevenueCalculationMode, fee decimal.Decimal) (*Metrics, error) {
	from, to := monthRange(month, year)
	m := &Metrics{
		TenantID:        tenantID,
		Month:           month,
		Year:            year,
		CalculationMode: mode,
		PerStudentFee:   fee,
	}

	var generated struct {
		Total       decimal.Decimal
		Outstanding decimal.Decimal
	}
	if err := tx.Model(&models.Challan{}).
		Select("COALESCE(SUM(total_amount), 0) AS total, COALESCE(SUM(balance), 0) AS outstanding").
		Where("tenant_id = ? AND issue_date >= ? AND issue_date < ?", tenantID, from, to).
		Scan(&generated).Error; err != nil {
		return nil, fmt.Errorf("sum challans: %w", err)
	}
	var collected decimal.Decimal
	if err := tx.Model(&models.PaymentRecord{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("tenant_id = ? AND status = ? AND paid_at >= ? AND paid_at < ?", tenantID, models.PaymentReconciled, from, to).
		Scan(&collected).Error; err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}

	var students []uint
	var err error
	if mode == models.RevenueOnCollectedFee {
		err = tx.Model(&models.PaymentRecord{}).
			Where("tenant_id = ? AND status = ? AND paid_at >= ? AND paid_at < ?", tenantID, models.PaymentReconciled, from, to).
			Pluck("student_id", &students).Error
	} else {
		err = tx.Model(&models.Challan{}).
			Where("tenant_id = ? AND issue_date >= ? AND issue_date < ?", tenantID, from, to).
			Pluck("student_id", &students).Error
	}
	if err != nil {
		return nil, fmt.Errorf("count students: %w", err)
	}

	m.GeneratedAmount = generated.Total
	m.OutstandingAmount = generated.Outstanding
	m.CollectedAmount = collected
	m.TotalStudents = len(lo.Uniq(students))
	m.PlatformRevenue = fee.Mul(decimal.NewFromInt(int64(m.TotalStudents)))
	return m, nil
}

func adjustmentTotal(tx *gorm.DB, cycleID uint) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&models.RevenueAdjustment{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("cycle_id = ?", cycleID).
		Scan(&total).Error
	return total, err
}

// ApplyAdjustment appends a signed, non-zero correction. Both open and closed
// cycles accept adjustments; the closed snapshot itself is never rewritten.
func (s *Service) ApplyAdjustment(ctx context.Context, req AdjustmentRequest) (*Summary, error) {
	if req.Amount.IsZero() {
		return nil, apperr.Revenue(apperr.CodeInvalidAdjustment, "adjustment amount must not be zero")
	}
	if req.Reason == "" {
		return nil, apperr.Revenue(apperr.CodeInvalidAdjustment, "adjustment reason is required")
	}
	var summary *Summary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := lockCycle(tx, req.TenantID, req.CycleID)
		if err != nil {
			return err
		}
		adj := models.RevenueAdjustment{
			CycleID:   cycle.ID,
			TenantID:  cycle.TenantID,
			Amount:    req.Amount.Round(2),
			Reason:    req.Reason,
			CreatedBy: req.CreatedBy,
		}
		if err := tx.Create(&adj).Error; err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}
		summary, err = summarize(tx, cycle)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "revenue adjustment applied", "tenant_id", req.TenantID, "cycle_id", req.CycleID,
		"amount", req.Amount.StringFixed(2), "by", req.CreatedBy)
	return summary, nil
}

// CloseCycle snapshots the cycle's metrics using the tenant's current plan and
// marks it CLOSED. Closing a closed cycle returns its existing snapshot.
func (s *Service) CloseCycle(ctx context.Context, tenantID string, cycleID uint) (*Summary, error) {
	var (
		summary *Summary
		closed  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := lockCycle(tx, tenantID, cycleID)
		if err != nil {
			return err
		}
		if cycle.IsClosed() {
			summary, err = summarize(tx, cycle)
			return err
		}

		var t models.Tenant
		if err := tx.Where("id = ?", tenantID).Take(&t).Error; err != nil {
			return fmt.Errorf("load tenant: %w", err)
		}
		mode, fee, closingDay := t.Mode(), t.PerStudentFee, t.ClosingDay
		if closingDay < 1 {
			closingDay = cycle.ClosingDayUsed
		}
		m, err := computeMetrics(tx, tenantID, cycle.Month, cycle.Year, mode, fee)
		if err != nil {
			return err
		}
		now := s.now()
		if err := tx.Model(&models.RevenueCycle{}).Where("id = ?", cycle.ID).Updates(map[string]any{
			"status":               models.CycleClosed,
			"closed_at":            now,
			"calculation_mode":     mode,
			"per_student_fee_used": fee,
			"closing_day_used":     closingDay,
			"total_students":       m.TotalStudents,
			"generated_amount":     m.GeneratedAmount,
			"collected_amount":     m.CollectedAmount,
			"outstanding_amount":   m.OutstandingAmount,
			"platform_revenue":     m.PlatformRevenue,
		}).Error; err != nil {
			return fmt.Errorf("close cycle: %w", err)
		}
		if err := tx.Take(cycle, cycle.ID).Error; err != nil {
			return err
		}
		closed = true
		summary, err = summarize(tx, cycle)
		return err
	})
	if err != nil {
		return nil, err
	}
	if closed {
		s.log.InfoContext(ctx, "revenue cycle closed", "tenant_id", tenantID, "cycle_id", cycleID,
			"students", summary.TotalStudents, "platform_revenue", summary.PlatformRevenue.StringFixed(2))
		events.PublishSafe(ctx, s.bus, events.New(events.CycleClosed, tenantID, map[string]any{
			"cycleId":         summary.ID,
			"month":           summary.Month,
			"year":            summary.Year,
			"totalStudents":   summary.TotalStudents,
			"platformRevenue": summary.PlatformRevenue.StringFixed(2),
		}))
	}
	return summary, nil
}

func lockCycle(tx *gorm.DB, tenantID string, cycleID uint) (*models.RevenueCycle, error) {
	var cycle models.RevenueCycle
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", cycleID, tenantID).
		Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Revenue(apperr.CodeCycleNotFound, "revenue cycle %d not found", cycleID)
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

func summarize(tx *gorm.DB, cycle *models.RevenueCycle) (*Summary, error) {
	if err := tx.Where("cycle_id = ?", cycle.ID).Order("id").Find(&cycle.Adjustments).Error; err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, a := range cycle.Adjustments {
		total = total.Add(a.Amount)
	}
	return &Summary{
		RevenueCycle:    *cycle,
		AdjustmentTotal: total,
		AdjustedRevenue: cycle.PlatformRevenue.Add(total),
	}, nil
}

// Get loads a cycle of the tenant with its adjustments.
func (s *Service) Get(ctx context.Context, tenantID string, cycleID uint) (*Summary, error) {
	var cycle models.RevenueCycle
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", cycleID, tenantID).Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Revenue(apperr.CodeCycleNotFound, "revenue cycle %d not found", cycleID)
	}
	if err != nil {
		return nil, err
	}
	return summarize(s.db.WithContext(ctx), &cycle)
}

// ListCycles returns a tenant's cycles, newest first.
func (s *Service) ListCycles(ctx context.Context, tenantID string, limit int) ([]models.RevenueCycle, error) {
	limit = min(max(limit, 1), 100)
	var cycles []models.RevenueCycle
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("year DESC, month DESC").
		Limit(limit).
		Find(&cycles).Error
	return cycles, err
}

// ForPeriod returns the tenant's cycle of a month, or nil when none exists.
func (s *Service) ForPeriod(ctx context.Context, tenantID string, month, year int) (*Summary, error) {
	var cycle models.RevenueCycle
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND month = ? AND year = ?", tenantID, month, year).
		Take(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return summarize(s.db.WithContext(ctx), &cycle)
}
