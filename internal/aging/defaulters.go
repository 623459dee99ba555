package aging

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Sort keys of the defaulter list.
const (
	SortBalance     = "balance"
	SortOverdueDays = "overdueDays"
	SortName        = "name"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// DefaulterParams filters and pages the defaulter list.
type DefaulterParams struct {
	Scope     Scope
	Bucket    Bucket
	MinAmount decimal.Decimal
	SortBy    string
	SortDir   string
	Limit     int
	Offset    int
}

// DefaulterRow is one student with overdue balances.
type DefaulterRow struct {
	StudentID         uint            `json:"studentId"`
	FullName          string          `json:"fullName"`
	AdmissionNo       string          `json:"admissionNo"`
	Grade             string          `json:"grade"`
	CampusID          uint            `json:"campusId"`
	CampusName        string          `json:"campusName"`
	GuardianPhone     string          `json:"guardianPhone,omitempty"`
	Balance           decimal.Decimal `json:"balance"`
	TotalOutstanding  decimal.Decimal `json:"totalOutstanding"`
	OldestOverdueDays int             `json:"oldestOverdueDays"`
	OverdueChallans   int             `json:"overdueChallans"`
	Aging             Aging           `json:"aging"`
}

// DefaulterPage is a page of the list with the unpaged total.
type DefaulterPage struct {
	Defaulters []DefaulterRow `json:"defaulters"`
	Total      int            `json:"total"`
}

type studentAging struct {
	aging      Aging
	campusID   uint
	oldestDue  time.Time
	challanIDs []uint
}

// Defaulters lists students with overdue challans. With a bucket only
// challans at least that old count; MinAmount drops small balances.
func (s *Service) Defaulters(ctx context.Context, p DefaulterParams) (*DefaulterPage, error) {
	now := s.now()
	rows, err := s.defaulterRows(ctx, p, now)
	if err != nil {
		return nil, err
	}
	sortDefaulters(rows, p.SortBy, p.SortDir)

	limit := p.Limit
	if limit < 1 {
		limit = defaultLimit
	}
	limit = min(limit, maxLimit)
	offset := max(p.Offset, 0)
	page := &DefaulterPage{Defaulters: []DefaulterRow{}, Total: len(rows)}
	if offset < len(rows) {
		page.Defaulters = rows[offset:min(offset+limit, len(rows))]
	}
	return page, nil
}

func (s *Service) defaulterRows(ctx context.Context, p DefaulterParams, now time.Time) ([]DefaulterRow, error) {
	challans, err := s.openChallans(ctx, p.Scope)
	if err != nil {
		return nil, err
	}
	cutoff := 1
	if p.Bucket != "" {
		cutoff = minDays(p.Bucket)
	}

	byStudent := map[uint]*studentAging{}
	var order []uint
	for _, c := range challans {
		out := c.outstanding()
		days := c.daysOverdue(now)
		if !out.IsPositive() || days < cutoff {
			continue
		}
		e, ok := byStudent[c.StudentID]
		if !ok {
			e = &studentAging{campusID: c.CampusID, oldestDue: c.DueDate}
			byStudent[c.StudentID] = e
			order = append(order, c.StudentID)
		}
		e.aging.Add(Classify(days), out)
		e.challanIDs = append(e.challanIDs, c.ID)
		if c.DueDate.Before(e.oldestDue) {
			e.oldestDue = c.DueDate
		}
	}
	ids := lo.Filter(order, func(id uint, _ int) bool {
		t := byStudent[id].aging.Total
		return t.IsPositive() && t.GreaterThanOrEqual(p.MinAmount)
	})
	if len(ids) == 0 {
		return []DefaulterRow{}, nil
	}

	var students []models.Student
	if err := s.db.WithContext(ctx).Preload("Campus").
		Where("tenant_id = ? AND id IN ?", p.Scope.TenantID, ids).Find(&students).Error; err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	var summaries []models.StudentFinancialSummary
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND student_id IN ?", p.Scope.TenantID, ids).Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	studentByID := lo.KeyBy(students, func(st models.Student) uint { return st.ID })
	balanceByID := lo.SliceToMap(summaries, func(sm models.StudentFinancialSummary) (uint, decimal.Decimal) {
		return sm.StudentID, sm.Balance
	})

	rows := make([]DefaulterRow, 0, len(ids))
	for _, id := range ids {
		st, ok := studentByID[id]
		if !ok {
			continue
		}
		e := byStudent[id]
		// students without ledger history fall back to their open balances
		balance, ok := balanceByID[id]
		if !ok {
			balance = e.aging.Total
		}
		if !balance.IsPositive() {
			continue
		}
		row := DefaulterRow{
			StudentID:         st.ID,
			FullName:          st.FullName,
			AdmissionNo:       st.AdmissionNo,
			Grade:             st.Grade,
			CampusID:          st.CampusID,
			GuardianPhone:     st.GuardianPhone,
			Balance:           balance,
			TotalOutstanding:  e.aging.Total,
			OldestOverdueDays: (&models.Challan{DueDate: e.oldestDue}).DaysOverdue(now),
			OverdueChallans:   len(e.challanIDs),
			Aging:             e.aging,
		}
		if st.Campus != nil {
			row.CampusName = st.Campus.Name
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func sortDefaulters(rows []DefaulterRow, by, dir string) {
	sign := -1
	if strings.EqualFold(dir, "asc") {
		sign = 1
	}
	slices.SortStableFunc(rows, func(a, b DefaulterRow) int {
		var c int
		switch by {
		case SortOverdueDays:
			c = a.OldestOverdueDays - b.OldestOverdueDays
		case SortName:
			c = strings.Compare(strings.ToLower(a.FullName), strings.ToLower(b.FullName))
		default:
			c = a.Balance.Cmp(b.Balance)
		}
		return c * sign
	})
}
