package revenue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/dbtest"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var march = time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*gorm.DB, *Service, *events.MemoryBus, []models.Student) {
	t.Helper()
	d := dbtest.Open(t)
	bus := events.NewMemoryBus(8)
	svc := NewService(d, bus)
	svc.now = func() time.Time { return time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC) }
	tenant := dbtest.Tenant(t, d, dbtest.TenantID)
	campus := dbtest.Campus(t, d, tenant.ID, "Main")
	students := dbtest.Students(t, d, campus, "6", 3)
	for _, s := range students {
		dbtest.Challan(t, d, s, 5000, march)
	}
	return d, svc, bus, students
}

func payment(t *testing.T, d *gorm.DB, s models.Student, amount int64, at time.Time) {
	t.Helper()
	p := models.PaymentRecord{
		TenantID:       s.TenantID,
		ChallanID:      1,
		StudentID:      s.ID,
		CampusID:       s.CampusID,
		Amount:         decimal.NewFromInt(amount),
		AppliedAmount:  decimal.NewFromInt(amount),
		AdvanceAmount:  decimal.Zero,
		Channel:        models.ChannelCash,
		IdempotencyKey: fmt.Sprintf("k-%d-%d", s.ID, at.UnixNano()),
		Status:         models.PaymentReconciled,
		PaidAt:         at,
	}
	if err := d.Create(&p).Error; err != nil {
		t.Fatalf("payment: %v", err)
	}
}

func TestCalculateLiveMetrics(t *testing.T) {
	d, svc, _, students := setup(t)
	ctx := context.Background()
	payment(t, d, students[0], 2000, time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	payment(t, d, students[0], 700, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))

	m, err := svc.CalculateLiveMetrics(ctx, dbtest.TenantID, 3, 2025)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	checks := []struct {
		name string
		got  decimal.Decimal
		want int64
	}{
		{"generated", m.GeneratedAmount, 15000},
		{"collected", m.CollectedAmount, 2000},
		{"outstanding", m.OutstandingAmount, 15000},
		{"platform revenue", m.PlatformRevenue, 300},
		{"adjusted revenue", m.AdjustedRevenue, 300},
	}
	for _, c := range checks {
		if !c.got.Equal(decimal.NewFromInt(c.want)) {
			t.Fatalf("%s: expected %d got %s", c.name, c.want, c.got)
		}
	}
	if m.TotalStudents != 3 || m.CalculationMode != models.RevenueOnGeneratedFee {
		t.Fatalf("unexpected metrics %+v", m)
	}

	if err := d.Model(&models.Tenant{}).Where("id = ?", dbtest.TenantID).
		Update("revenue_calculation_mode", models.RevenueOnCollectedFee).Error; err != nil {
		t.Fatalf("update tenant: %v", err)
	}
	m, err = svc.CalculateLiveMetrics(ctx, dbtest.TenantID, 3, 2025)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.TotalStudents != 1 || !m.PlatformRevenue.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected one collected student, got %+v", m)
	}
}

func TestLiveMetricsNeverWrite(t *testing.T) {
	d, svc, _, _ := setup(t)
	ctx := context.Background()
	if _, err := svc.CreateCycle(ctx, dbtest.TenantID, 3, 2025); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CalculateLiveMetrics(ctx, dbtest.TenantID, 3, 2025); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	var cycle models.RevenueCycle
	d.Where("tenant_id = ?", dbtest.TenantID).Take(&cycle)
	if cycle.TotalStudents != 0 || !cycle.GeneratedAmount.IsZero() {
		t.Fatalf("open cycle was written: %+v", cycle)
	}
}

func TestCreateMonthlyCycles(t *testing.T) {
	d, svc, _, _ := setup(t)
	ctx := context.Background()
	suspended := dbtest.Tenant(t, d, "22222222-2222-3333-4444-555555555555")
	d.Model(&suspended).Update("status", models.TenantStatusSuspended)

	res, err := svc.CreateMonthlyCycles(ctx, 3, 2025)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Created != 1 || res.Skipped != 0 {
		t.Fatalf("unexpected first result %+v", res)
	}
	res, err = svc.CreateMonthlyCycles(ctx, 3, 2025)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if res.Created != 0 || res.Skipped != 1 {
		t.Fatalf("unexpected second result %+v", res)
	}
	if _, err := svc.CreateCycle(ctx, suspended.ID, 3, 2025); !apperr.HasCode(err, apperr.CodeTenantInactive) {
		t.Fatalf("expected TENANT_INACTIVE got %v", err)
	}
}

func TestCloseCycleAndAdjustments(t *testing.T) {
	d, svc, bus, _ := setup(t)
	ctx := context.Background()
	closedCh, cancel := bus.Subscribe(events.CycleClosed)
	defer cancel()
	if _, err := svc.CreateMonthlyCycles(ctx, 3, 2025); err != nil {
		t.Fatalf("create: %v", err)
	}
	var cycle models.RevenueCycle
	d.Where("tenant_id = ?", dbtest.TenantID).Take(&cycle)

	if _, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{CycleID: cycle.ID, TenantID: dbtest.TenantID, Amount: decimal.Zero, Reason: "x"}); !apperr.HasCode(err, apperr.CodeInvalidAdjustment) {
		t.Fatalf("expected INVALID_ADJUSTMENT got %v", err)
	}
	if _, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{CycleID: cycle.ID, TenantID: dbtest.TenantID, Amount: decimal.NewFromInt(50), Reason: "onboarding", CreatedBy: "ops"}); err != nil {
		t.Fatalf("adjust open: %v", err)
	}

	sum, err := svc.CloseCycle(ctx, dbtest.TenantID, cycle.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if sum.Status != models.CycleClosed || sum.ClosedAt == nil || sum.TotalStudents != 3 {
		t.Fatalf("unexpected snapshot %+v", sum)
	}
	if !sum.PlatformRevenue.Equal(decimal.NewFromInt(300)) || !sum.AdjustedRevenue.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("unexpected revenue %s / %s", sum.PlatformRevenue, sum.AdjustedRevenue)
	}
	select {
	case e := <-closedCh:
		if e.TenantID != dbtest.TenantID {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cycle closed event")
	}

	again, err := svc.CloseCycle(ctx, dbtest.TenantID, cycle.ID)
	if err != nil {
		t.Fatalf("close again: %v", err)
	}
	if !again.ClosedAt.Equal(*sum.ClosedAt) || again.TotalStudents != 3 {
		t.Fatalf("second close changed the snapshot: %+v", again)
	}
	select {
	case e := <-closedCh:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}

	adj, err := svc.ApplyAdjustment(ctx, AdjustmentRequest{CycleID: cycle.ID, TenantID: dbtest.TenantID, Amount: decimal.NewFromInt(-20), Reason: "refund", CreatedBy: "ops"})
	if err != nil {
		t.Fatalf("adjust closed: %v", err)
	}
	if !adj.PlatformRevenue.Equal(decimal.NewFromInt(300)) || !adj.AdjustedRevenue.Equal(decimal.NewFromInt(330)) || len(adj.Adjustments) != 2 {
		t.Fatalf("unexpected adjusted summary %+v", adj)
	}

	if _, err := svc.CloseCycle(ctx, "99999999-0000-0000-0000-000000000000", cycle.ID); !apperr.HasCode(err, apperr.CodeCycleNotFound) {
		t.Fatalf("expected CYCLE_NOT_FOUND got %v", err)
	}
}

func TestOrchestrateOnClosingDay(t *testing.T) {
	d, svc, _, _ := setup(t)
	ctx := context.Background()
	if _, err := svc.CreateCycle(ctx, dbtest.TenantID, 3, 2025); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.Orchestrate(ctx, time.Date(2025, 4, 9, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.Created != 1 || res.Closed != 0 {
		t.Fatalf("unexpected result before closing day %+v", res)
	}
	res, err = svc.Orchestrate(ctx, time.Date(2025, 4, 10, 6, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res.Created != 0 || res.Closed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result on closing day %+v", res)
	}
	var prev models.RevenueCycle
	d.Where("tenant_id = ? AND month = 3", dbtest.TenantID).Take(&prev)
	if prev.Status != models.CycleClosed {
		t.Fatalf("expected march closed, got %s", prev.Status)
	}

	cycles, err := svc.ListCycles(ctx, dbtest.TenantID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cycles) != 2 || cycles[0].Month != 4 {
		t.Fatalf("unexpected cycles %+v", cycles)
	}
}
