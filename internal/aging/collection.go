package aging

import (
	"context"
	"fmt"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
)

// Collection compares what was posted with what was collected in a month.
type Collection struct {
	Month          int             `json:"month"`
	Year           int             `json:"year"`
	TotalPosted    decimal.Decimal `json:"totalPosted"`
	TotalCollected decimal.Decimal `json:"totalCollected"`
	CollectionRate float64         `json:"collectionRate"`
}

// CollectionForPeriod sums the ledger debits and credits dated in the month.
// The rate is a percentage, 0 when nothing was posted.
func (s *Service) CollectionForPeriod(ctx context.Context, scope Scope, month, year int) (*Collection, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	var sums []struct {
		Direction models.LedgerDirection
		Total     decimal.Decimal
	}
	err := scope.apply(s.db.WithContext(ctx).Model(&models.LedgerEntry{})).
		Select("direction, COALESCE(SUM(amount), 0) AS total").
		Where("entry_date >= ? AND entry_date < ?", from, to).
		Group("direction").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	c := &Collection{Month: month, Year: year, TotalPosted: decimal.Zero, TotalCollected: decimal.Zero}
	for _, row := range sums {
		switch row.Direction {
		case models.Debit:
			c.TotalPosted = row.Total
		case models.Credit:
			c.TotalCollected = row.Total
		}
	}
	if c.TotalPosted.IsPositive() {
		c.CollectionRate = c.TotalCollected.Div(c.TotalPosted).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return c, nil
}

// Trend returns the collection of the last months, oldest first, ending with
// the current month.
func (s *Service) Trend(ctx context.Context, scope Scope, months int) ([]Collection, error) {
	if months < 1 {
		months = 6
	}
	months = min(months, 24)
	now := s.now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	out := make([]Collection, 0, months)
	for i := months - 1; i >= 0; i-- {
		d := start.AddDate(0, -i, 0)
		c, err := s.CollectionForPeriod(ctx, scope, int(d.Month()), d.Year())
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}
