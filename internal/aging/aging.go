// Package aging classifies outstanding challan balances by how long they are
// overdue and derives the finance dashboard views from them.
package aging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bucket is an overdue age band.
type Bucket string

const (
	Current Bucket = "CURRENT"
	D30     Bucket = "D30"
	D60     Bucket = "D60"
	D90     Bucket = "D90"
	D90Plus Bucket = "D90_PLUS"
)

// Classify maps whole days overdue to a bucket.
func Classify(daysOverdue int) Bucket {
	switch {
	case daysOverdue <= 0:
		return Current
	case daysOverdue <= 30:
		return D30
	case daysOverdue <= 60:
		return D60
	case daysOverdue <= 90:
		return D90
	default:
		return D90Plus
	}
}

// minDays is the lowest age that falls in b.
func minDays(b Bucket) int {
	switch b {
	case D60:
		return 31
	case D90:
		return 61
	case D90Plus:
		return 91
	default:
		return 1
	}
}

// ParseBucket validates an overdue bucket name. CURRENT is not a filter.
func ParseBucket(s string) (Bucket, bool) {
	switch b := Bucket(s); b {
	case D30, D60, D90, D90Plus:
		return b, true
	}
	return "", false
}

// RiskLevel summarizes how stale a receivables book is.
type RiskLevel string

const (
	Healthy  RiskLevel = "HEALTHY"
	Moderate RiskLevel = "MODERATE"
	High     RiskLevel = "HIGH"
	Critical RiskLevel = "CRITICAL"
)

// Aging holds outstanding amounts per bucket.
type Aging struct {
	Current decimal.Decimal `json:"current"`
	D30     decimal.Decimal `json:"d30"`
	D60     decimal.Decimal `json:"d60"`
	D90     decimal.Decimal `json:"d90"`
	D90Plus decimal.Decimal `json:"d90Plus"`
	Total   decimal.Decimal `json:"total"`
}

func (a *Aging) Add(b Bucket, amount decimal.Decimal) {
	switch b {
	case Current:
		a.Current = a.Current.Add(amount)
	case D30:
		a.D30 = a.D30.Add(amount)
	case D60:
		a.D60 = a.D60.Add(amount)
	case D90:
		a.D90 = a.D90.Add(amount)
	case D90Plus:
		a.D90Plus = a.D90Plus.Add(amount)
	}
	a.Total = a.Total.Add(amount)
}

// Overdue is everything not in the current bucket.
func (a Aging) Overdue() decimal.Decimal {
	return a.D30.Add(a.D60).Add(a.D90).Add(a.D90Plus)
}

// Risk grades the aging profile.
func Risk(a Aging) RiskLevel {
	if !a.Total.IsPositive() {
		return Healthy
	}
	critical := a.D90Plus.Div(a.Total)
	high := a.D60.Add(a.D90).Add(a.D90Plus).Div(a.Total)
	switch {
	case critical.GreaterThan(decimal.RequireFromString("0.3")):
		return Critical
	case high.GreaterThan(decimal.RequireFromString("0.25")):
		return High
	case a.Overdue().IsPositive():
		return Moderate
	default:
		return Healthy
	}
}

// Scope restricts a view to a tenant and optionally one campus.
type Scope struct {
	TenantID string
	CampusID *uint
}

func (s Scope) apply(tx *gorm.DB) *gorm.DB {
	tx = tx.Where("tenant_id = ?", s.TenantID)
	if s.CampusID != nil {
		tx = tx.Where("campus_id = ?", *s.CampusID)
	}
	return tx
}

type Service struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

func NewService(d *gorm.DB) *Service {
	return &Service{
		db:  d,
		log: slog.Default().With("component", "aging"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type openChallan struct {
	ID          uint
	StudentID   uint
	CampusID    uint
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
	DueDate     time.Time
}

func (c openChallan) outstanding() decimal.Decimal {
	return c.TotalAmount.Sub(c.PaidAmount)
}

func (c openChallan) daysOverdue(now time.Time) int {
	ch := models.Challan{DueDate: c.DueDate}
	return ch.DaysOverdue(now)
}

func (s *Service) openChallans(ctx context.Context, scope Scope) ([]openChallan, error) {
	var rows []openChallan
	err := scope.apply(s.db.WithContext(ctx).Model(&models.Challan{})).
		Select("id, student_id, campus_id, total_amount, paid_amount, due_date").
		Where("status IN ?", []models.ChallanStatus{models.ChallanUnpaid, models.ChallanPartiallyPaid}).
		Order("id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load open challans: %w", err)
	}
	return rows, nil
}

// Dashboard is the tenant-wide receivables overview.
type Dashboard struct {
	TotalOutstanding  decimal.Decimal `json:"totalOutstanding"`
	TotalOverdue      decimal.Decimal `json:"totalOverdue"`
	TotalCurrent      decimal.Decimal `json:"totalCurrent"`
	DefaulterStudents int             `json:"defaulterStudents"`
	TotalStudents     int64           `json:"totalStudents"`
	Aging             Aging           `json:"aging"`
	RiskLevel         RiskLevel       `json:"riskLevel"`
	CollectionRate    float64         `json:"collectionRate"`
}

func (s *Service) Dashboard(ctx context.Context, scope Scope) (*Dashboard, error) {
	now := s.now()
	challans, err := s.openChallans(ctx, scope)
	if err != nil {
		return nil, err
	}
	var students int64
	if err := scope.apply(s.db.WithContext(ctx).Model(&models.Student{})).Count(&students).Error; err != nil {
		return nil, fmt.Errorf("count students: %w", err)
	}

	var a Aging
	defaulters := map[uint]struct{}{}
	for _, c := range challans {
		out := c.outstanding()
		if !out.IsPositive() {
			continue
		}
		days := c.daysOverdue(now)
		a.Add(Classify(days), out)
		if days > 0 {
			defaulters[c.StudentID] = struct{}{}
		}
	}
	col, err := s.CollectionForPeriod(ctx, scope, int(now.Month()), now.Year())
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		TotalOutstanding:  a.Total,
		TotalOverdue:      a.Overdue(),
		TotalCurrent:      a.Current,
		DefaulterStudents: len(defaulters),
		TotalStudents:     students,
		Aging:             a,
		RiskLevel:         Risk(a),
		CollectionRate:    col.CollectionRate,
	}, nil
}

// CampusRow is the aging of one campus.
type CampusRow struct {
	CampusID       uint      `json:"campusId"`
	CampusName     string    `json:"campusName"`
	TotalStudents  int64     `json:"totalStudents"`
	DefaulterCount int       `json:"defaulterCount"`
	Aging          Aging     `json:"aging"`
	RiskLevel      RiskLevel `json:"riskLevel"`
}

// Campuses breaks the aging down per campus, largest outstanding first.
// Campuses without outstanding balances are omitted.
func (s *Service) Campuses(ctx context.Context, scope Scope) ([]CampusRow, error) {
	now := s.now()
	challans, err := s.openChallans(ctx, scope)
	if err != nil {
		return nil, err
	}
	var campuses []models.Campus
	q := s.db.WithContext(ctx).Where("tenant_id = ?", scope.TenantID)
	if scope.CampusID != nil {
		q = q.Where("id = ?", *scope.CampusID)
	}
	if err := q.Order("id").Find(&campuses).Error; err != nil {
		return nil, fmt.Errorf("load campuses: %w", err)
	}
	var counts []struct {
		CampusID uint
		N        int64
	}
	if err := scope.apply(s.db.WithContext(ctx).Model(&models.Student{})).
		Select("campus_id, COUNT(*) AS n").Group("campus_id").Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("count students: %w", err)
	}
	students := map[uint]int64{}
	for _, c := range counts {
		students[c.CampusID] = c.N
	}

	type acc struct {
		aging      Aging
		defaulters map[uint]struct{}
	}
	byCampus := map[uint]*acc{}
	for _, c := range challans {
		out := c.outstanding()
		if !out.IsPositive() {
			continue
		}
		e, ok := byCampus[c.CampusID]
		if !ok {
			e = &acc{defaulters: map[uint]struct{}{}}
			byCampus[c.CampusID] = e
		}
		days := c.daysOverdue(now)
		e.aging.Add(Classify(days), out)
		if days > 0 {
			e.defaulters[c.StudentID] = struct{}{}
		}
	}

	rows := make([]CampusRow, 0, len(byCampus))
	for _, campus := range campuses {
		e, ok := byCampus[campus.ID]
		if !ok {
			continue
		}
		rows = append(rows, CampusRow{
			CampusID:       campus.ID,
			CampusName:     campus.Name,
			TotalStudents:  students[campus.ID],
			DefaulterCount: len(e.defaulters),
			Aging:          e.aging,
			RiskLevel:      Risk(e.aging),
		})
	}
	slices.SortStableFunc(rows, func(a, b CampusRow) int { return b.Aging.Total.Cmp(a.Aging.Total) })
	return rows, nil
}
