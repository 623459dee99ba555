package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"gorm.io/gorm"
)

// OrchestrateResult reports one orchestrator pass.
type OrchestrateResult struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Closed    int `json:"closed"`
	Failed    int `json:"failed"`
}

// Orchestrate opens the current month's cycle for every active tenant and, on
// a tenant's closing day, closes its previous month if still open. A failing
// tenant is logged and does not stop the others.
func (s *Service) Orchestrate(ctx context.Context, now time.Time) (*OrchestrateResult, error) {
	now = now.UTC()
	var tenants []models.Tenant
	if err := s.db.WithContext(ctx).Where("status = ?", models.TenantStatusActive).Order("id").Find(&tenants).Error; err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)

	res := &OrchestrateResult{}
	for i := range tenants {
		t := &tenants[i]
		res.Processed++
		created, err := s.createCycle(ctx, t, int(now.Month()), now.Year())
		if err != nil {
			res.Failed++
			s.log.ErrorContext(ctx, "open revenue cycle failed", "tenant_id", t.ID, "error", err)
			continue
		}
		if created {
			res.Created++
		}
		if now.Day() != t.ClosingDay {
			continue
		}
		var cycle models.RevenueCycle
		err = s.db.WithContext(ctx).
			Where("tenant_id = ? AND month = ? AND year = ? AND status = ?", t.ID, int(prev.Month()), prev.Year(), models.CycleOpen).
			Take(&cycle).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err == nil {
			_, err = s.CloseCycle(ctx, t.ID, cycle.ID)
		}
		if err != nil {
			res.Failed++
			s.log.ErrorContext(ctx, "close revenue cycle failed", "tenant_id", t.ID, "error", err)
			continue
		}
		res.Closed++
	}
	s.log.InfoContext(ctx, "revenue cycle orchestrator finished",
		"processed", res.Processed, "created", res.Created, "closed", res.Closed, "failed", res.Failed)
	return res, nil
}
