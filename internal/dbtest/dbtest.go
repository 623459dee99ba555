// Package dbtest opens throwaway SQLite databases and seeds billing fixtures for tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory database private to the calling test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	d, err := gorm.Open(sqlite.Open(dsn), db.GormConfig(false))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := d.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// a single connection keeps the shared in-memory database alive and
	// serializes writers the way row locks would on Postgres
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d
}

// TenantID is the fixed id used by Tenant.
const TenantID = "11111111-2222-3333-4444-555555555555"

// Tenant creates an active tenant with the given id.
func Tenant(t testing.TB, d *gorm.DB, id string) models.Tenant {
	t.Helper()
	tenant := models.Tenant{
		ID:                     id,
		Name:                   "Tenant " + id[:4],
		Status:                 models.TenantStatusActive,
		PerStudentFee:          decimal.NewFromInt(100),
		RevenueCalculationMode: models.RevenueOnGeneratedFee,
		ClosingDay:             10,
	}
	if err := d.Create(&tenant).Error; err != nil {
		t.Fatalf("tenant: %v", err)
	}
	return tenant
}

// Campus creates a campus for tenantID.
func Campus(t testing.TB, d *gorm.DB, tenantID, name string) models.Campus {
	t.Helper()
	c := models.Campus{TenantID: tenantID, Name: name}
	if err := d.Create(&c).Error; err != nil {
		t.Fatalf("campus: %v", err)
	}
	return c
}

// Students creates n actively enrolled students in grade on the campus.
func Students(t testing.TB, d *gorm.DB, campus models.Campus, grade string, n int) []models.Student {
	t.Helper()
	out := make([]models.Student, 0, n)
	for i := 0; i < n; i++ {
		s := models.Student{
			TenantID:      campus.TenantID,
			CampusID:      campus.ID,
			FullName:      fmt.Sprintf("Student %d-%d", campus.ID, i+1),
			AdmissionNo:   fmt.Sprintf("ADM-%d-%03d", campus.ID, i+1),
			Grade:         grade,
			GuardianName:  fmt.Sprintf("Guardian %d", i+1),
			GuardianPhone: fmt.Sprintf("+92300%07d", i+1),
			GuardianEmail: fmt.Sprintf("guardian%d@example.org", i+1),
		}
		if err := d.Create(&s).Error; err != nil {
			t.Fatalf("student: %v", err)
		}
		e := models.Enrollment{
			TenantID:  campus.TenantID,
			CampusID:  campus.ID,
			StudentID: s.ID,
			Grade:     grade,
			Status:    models.EnrollmentActive,
			StartDate: time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC),
		}
		if err := d.Create(&e).Error; err != nil {
			t.Fatalf("enrollment: %v", err)
		}
		out = append(out, s)
	}
	return out
}

// Fee creates an active monthly fee structure for the campus.
func Fee(t testing.TB, d *gorm.DB, campus models.Campus, name string, amount int64, grade string) models.FeeStructure {
	t.Helper()
	f := models.FeeStructure{
		TenantID:        campus.TenantID,
		CampusID:        campus.ID,
		Name:            name,
		Amount:          decimal.NewFromInt(amount),
		Frequency:       models.FeeMonthly,
		ApplicableGrade: grade,
		IsActive:        true,
	}
	if err := d.Create(&f).Error; err != nil {
		t.Fatalf("fee: %v", err)
	}
	return f
}

// Challan creates an unpaid challan for the student.
func Challan(t testing.TB, d *gorm.DB, s models.Student, total int64, due time.Time) models.Challan {
	t.Helper()
	c := models.Challan{
		TenantID:    s.TenantID,
		CampusID:    s.CampusID,
		StudentID:   s.ID,
		ChallanNo:   fmt.Sprintf("T-%d-%d", s.ID, due.UnixNano()),
		Month:       int(due.Month()),
		Year:        due.Year(),
		IssueDate:   due.AddDate(0, 0, -10),
		DueDate:     due,
		TotalAmount: decimal.NewFromInt(total),
		PaidAmount:  decimal.Zero,
		Balance:     decimal.NewFromInt(total),
		Status:      models.ChallanUnpaid,
	}
	if err := d.Create(&c).Error; err != nil {
		t.Fatalf("challan: %v", err)
	}
	return c
}
