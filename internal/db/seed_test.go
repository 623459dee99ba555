package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/diewo77/school-billing/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	d, err := gorm.Open(sqlite.Open(dsn), GormConfig(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := AutoMigrate(d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestSeedIdempotent(t *testing.T) {
	d := openTestDB(t)
	f, err := LoadFixture("")
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	if err := Seed(d, f); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if err := Seed(d, f); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	var tenants, campuses, students, enrollments, fees, rules int64
	d.Model(&models.Tenant{}).Count(&tenants)
	d.Model(&models.Campus{}).Count(&campuses)
	d.Model(&models.Student{}).Count(&students)
	d.Model(&models.Enrollment{}).Count(&enrollments)
	d.Model(&models.FeeStructure{}).Count(&fees)
	d.Model(&models.ReminderRule{}).Count(&rules)
	if tenants != 1 || campuses != 2 || students != 3 || enrollments != 3 || fees != 3 || rules != 3 {
		t.Fatalf("unexpected counts tenants=%d campuses=%d students=%d enrollments=%d fees=%d rules=%d",
			tenants, campuses, students, enrollments, fees, rules)
	}
	var rule models.ReminderRule
	if err := d.Where("name = ?", "Final notice").First(&rule).Error; err != nil {
		t.Fatalf("final notice rule: %v", err)
	}
	if rule.MaxDaysOverdue != nil || rule.Channel != models.ReminderEmail {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	d := openTestDB(t)
	key := "dup"
	if err := d.Create(&models.Job{ID: "a", Type: models.JobFeePosting, Queue: "q", IdempotencyKey: &key}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := d.Create(&models.Job{ID: "b", Type: models.JobFeePosting, Queue: "q", IdempotencyKey: &key}).Error
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if IsUniqueViolation(errors.New("connection refused")) || IsUniqueViolation(nil) {
		t.Fatal("false positive")
	}
}

func TestNormalizeDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"postgres://u:p@h:5432/db", "postgres://u:p@h:5432/db"},
		{"  host=h  user=u dbname=db ", "host=h user=u dbname=db sslmode=disable"},
		{"'host=h user=u dbname=db sslmode=require'", "host=h user=u dbname=db sslmode=require"},
		{"host=h user=u password='p w' dbname=db", "host=h user=u password='p w' dbname=db sslmode=disable"},
		{"not a dsn", "not a dsn"},
	}
	for _, tt := range tests {
		if got := NormalizeDSN(tt.in); got != tt.want {
			t.Errorf("NormalizeDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := ToURLDSN("host=h port=5432 user=u password=p dbname=db sslmode=disable"); got != "postgres://u:p@h:5432/db?sslmode=disable" {
		t.Errorf("ToURLDSN() = %q", got)
	}
	if got := ToURLDSN(`host=h user=u password='it\'s' dbname=db search_path=billing`); got != "postgres://u:it%27s@h/db?search_path=billing" {
		t.Errorf("ToURLDSN(quoted) = %q", got)
	}
	if got := ToURLDSN("host=h dbname=db"); got != "host=h dbname=db" {
		t.Errorf("ToURLDSN(partial) = %q", got)
	}
}

func TestMaskDSN(t *testing.T) {
	if got := maskDSN("host=h password=secret dbname=x"); got != "host=h password=*** dbname=x" {
		t.Errorf("maskDSN kv = %q", got)
	}
	if got := maskDSN("postgres://user:secret@h:5432/db"); got != "postgres://user:***@h:5432/db" {
		t.Errorf("maskDSN url = %q", got)
	}
	if got := maskDSN("host=h password='a b' dbname=x"); got != "host=h password=*** dbname=x" {
		t.Errorf("maskDSN quoted = %q", got)
	}
}
