package aging

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/dbtest"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestClassify(t *testing.T) {
	tests := []struct {
		days int
		want Bucket
	}{
		{-3, Current},
		{0, Current},
		{1, D30},
		{30, D30},
		{31, D60},
		{45, D60},
		{60, D60},
		{61, D90},
		{90, D90},
		{91, D90Plus},
		{400, D90Plus},
	}
	for _, tt := range tests {
		if got := Classify(tt.days); got != tt.want {
			t.Fatalf("Classify(%d) = %s, want %s", tt.days, got, tt.want)
		}
	}
}

func TestRisk(t *testing.T) {
	build := func(current, d30, d60, d90, plus int64) Aging {
		var a Aging
		a.Add(Current, dec(current))
		a.Add(D30, dec(d30))
		a.Add(D60, dec(d60))
		a.Add(D90, dec(d90))
		a.Add(D90Plus, dec(plus))
		return a
	}
	tests := []struct {
		name string
		a    Aging
		want RiskLevel
	}{
		{"empty", Aging{}, Healthy},
		{"all current", build(100, 0, 0, 0, 0), Healthy},
		{"some overdue", build(90, 10, 0, 0, 0), Moderate},
		{"a quarter is not high", build(50, 25, 25, 0, 0), Moderate},
		{"old share high", build(50, 20, 30, 0, 0), High},
		{"exactly 30 percent over 90", build(70, 0, 0, 0, 30), High},
		{"critical", build(60, 0, 0, 0, 40), Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Risk(tt.a); got != tt.want {
				t.Fatalf("expected %s got %s", tt.want, got)
			}
		})
	}
}

func setup(t *testing.T) (*gorm.DB, *Service, []models.Student) {
	t.Helper()
	d := dbtest.Open(t)
	svc := NewService(d)
	svc.now = func() time.Time { return now }
	tenant := dbtest.Tenant(t, d, dbtest.TenantID)
	campus := dbtest.Campus(t, d, tenant.ID, "Main")
	students := dbtest.Students(t, d, campus, "7", 4)
	dbtest.Challan(t, d, students[0], 5000, now.AddDate(0, 0, -45))
	dbtest.Challan(t, d, students[1], 2000, now.AddDate(0, 0, -10))
	dbtest.Challan(t, d, students[2], 3000, now.AddDate(0, 0, -120))
	dbtest.Challan(t, d, students[3], 1000, now.AddDate(0, 0, 9))
	return d, svc, students
}

func TestDashboard(t *testing.T) {
	d, svc, students := setup(t)
	ctx := context.Background()
	entries := []models.LedgerEntry{
		{TenantID: dbtest.TenantID, CampusID: students[0].CampusID, StudentID: students[0].ID, EntryType: models.LedgerChallanCreated, Direction: models.Debit, Amount: dec(10000), EntryDate: now.AddDate(0, 0, 2)},
		{TenantID: dbtest.TenantID, CampusID: students[0].CampusID, StudentID: students[0].ID, EntryType: models.LedgerPaymentReceived, Direction: models.Credit, Amount: dec(2500), EntryDate: now.AddDate(0, 0, 5)},
	}
	if err := d.Create(&entries).Error; err != nil {
		t.Fatalf("ledger: %v", err)
	}

	dash, err := svc.Dashboard(ctx, Scope{TenantID: dbtest.TenantID})
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if !dash.TotalOutstanding.Equal(dec(11000)) || !dash.TotalOverdue.Equal(dec(10000)) || !dash.TotalCurrent.Equal(dec(1000)) {
		t.Fatalf("unexpected totals %+v", dash)
	}
	if !dash.Aging.D60.Equal(dec(5000)) || !dash.Aging.D30.Equal(dec(2000)) || !dash.Aging.D90Plus.Equal(dec(3000)) {
		t.Fatalf("unexpected buckets %+v", dash.Aging)
	}
	if dash.DefaulterStudents != 3 || dash.TotalStudents != 4 {
		t.Fatalf("unexpected student counts %+v", dash)
	}
	if dash.RiskLevel != High {
		t.Fatalf("expected HIGH got %s", dash.RiskLevel)
	}
	if dash.CollectionRate != 25 {
		t.Fatalf("expected collection rate 25 got %v", dash.CollectionRate)
	}

	rows, err := svc.Campuses(ctx, Scope{TenantID: dbtest.TenantID})
	if err != nil {
		t.Fatalf("campuses: %v", err)
	}
	if len(rows) != 1 || rows[0].DefaulterCount != 3 || rows[0].TotalStudents != 4 || rows[0].CampusName != "Main" {
		t.Fatalf("unexpected campus rows %+v", rows)
	}

	trend, err := svc.Trend(ctx, Scope{TenantID: dbtest.TenantID}, 3)
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(trend) != 3 || trend[2].Month != 6 || trend[0].Month != 4 || !trend[0].TotalPosted.IsZero() {
		t.Fatalf("unexpected trend %+v", trend)
	}
}

func TestDefaulters(t *testing.T) {
	_, svc, students := setup(t)
	ctx := context.Background()
	scope := Scope{TenantID: dbtest.TenantID}

	page, err := svc.Defaulters(ctx, DefaulterParams{Scope: scope})
	if err != nil {
		t.Fatalf("defaulters: %v", err)
	}
	if page.Total != 3 || page.Defaulters[0].StudentID != students[0].ID {
		t.Fatalf("unexpected default page %+v", page)
	}
	if page.Defaulters[0].OldestOverdueDays != 45 || page.Defaulters[0].Aging.D60.IsZero() {
		t.Fatalf("45 days overdue should land in D60: %+v", page.Defaulters[0])
	}

	page, err = svc.Defaulters(ctx, DefaulterParams{Scope: scope, Bucket: D60})
	if err != nil {
		t.Fatalf("defaulters: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected two students at least 31 days overdue, got %+v", page)
	}

	page, err = svc.Defaulters(ctx, DefaulterParams{Scope: scope, MinAmount: dec(4000)})
	if err != nil {
		t.Fatalf("defaulters: %v", err)
	}
	if page.Total != 1 || page.Defaulters[0].StudentID != students[0].ID {
		t.Fatalf("unexpected min amount page %+v", page)
	}

	page, err = svc.Defaulters(ctx, DefaulterParams{Scope: scope, SortBy: SortOverdueDays, SortDir: "asc", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("defaulters: %v", err)
	}
	if page.Total != 3 || len(page.Defaulters) != 1 || page.Defaulters[0].StudentID != students[0].ID {
		t.Fatalf("unexpected sorted page %+v", page)
	}

	page, err = svc.Defaulters(ctx, DefaulterParams{Scope: Scope{TenantID: "other"}})
	if err != nil {
		t.Fatalf("defaulters: %v", err)
	}
	if page.Total != 0 || page.Defaulters == nil {
		t.Fatalf("expected empty non-nil page, got %+v", page)
	}
}

func TestExportDefaulters(t *testing.T) {
	_, svc, _ := setup(t)
	var buf bytes.Buffer
	n, err := svc.ExportDefaulters(context.Background(), DefaulterParams{Scope: Scope{TenantID: dbtest.TenantID}}, &buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows got %d", n)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 4 || rows[0][0] != "Admission No" || rows[1][1] != "Student 1-1" {
		t.Fatalf("unexpected sheet %v", rows)
	}
}
