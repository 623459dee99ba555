package db

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

//go:embed seed.yaml
var defaultFixture []byte

// Fixture is the YAML seed document.
type Fixture struct {
	Tenants []TenantFixture `yaml:"tenants"`
}

type TenantFixture struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	PerStudentFee string         `yaml:"per_student_fee"`
	RevenueMode   string         `yaml:"revenue_mode"`
	ClosingDay    int            `yaml:"closing_day"`
	Campuses      []CampusSeed   `yaml:"campuses"`
	ReminderRules []ReminderSeed `yaml:"reminder_rules"`
}

type CampusSeed struct {
	Name          string      `yaml:"name"`
	Code          string      `yaml:"code"`
	FeeStructures []FeeSeed   `yaml:"fee_structures"`
	Students      []PupilSeed `yaml:"students"`
}

type FeeSeed struct {
	Name    string `yaml:"name"`
	Amount  string `yaml:"amount"`
	Grade   string `yaml:"grade"`
	Formula string `yaml:"formula"`
}

type PupilSeed struct {
	FullName      string `yaml:"full_name"`
	AdmissionNo   string `yaml:"admission_no"`
	Grade         string `yaml:"grade"`
	GuardianName  string `yaml:"guardian_name"`
	GuardianPhone string `yaml:"guardian_phone"`
	GuardianEmail string `yaml:"guardian_email"`
}

type ReminderSeed struct {
	Name          string `yaml:"name"`
	MinDays       int    `yaml:"min_days"`
	MaxDays       *int   `yaml:"max_days"`
	Channel       string `yaml:"channel"`
	FrequencyDays int    `yaml:"frequency_days"`
	Template      string `yaml:"template"`
}

// LoadFixture reads a fixture file, or the embedded default when path is empty.
func LoadFixture(path string) (*Fixture, error) {
	raw := defaultFixture
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		raw = b
	}
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Seed inserts the fixture. Rows are matched by natural keys so it is safe to
// run repeatedly.
func Seed(db *gorm.DB, f *Fixture) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, tf := range f.Tenants {
			if err := seedTenant(tx, tf); err != nil {
				return fmt.Errorf("seed tenant %s: %w", tf.Name, err)
			}
		}
		return nil
	})
}

func seedTenant(tx *gorm.DB, tf TenantFixture) error {
	var tenant models.Tenant
	err := tx.Where("id = ?", tf.ID).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fee, perr := parseAmount(tf.PerStudentFee)
		if perr != nil {
			return perr
		}
		tenant = models.Tenant{
			ID:                     tf.ID,
			Name:                   tf.Name,
			Status:                 models.TenantStatusActive,
			PerStudentFee:          fee,
			RevenueCalculationMode: models.RevenueCalculationMode(tf.RevenueMode),
			ClosingDay:             tf.ClosingDay,
		}
		if tenant.ClosingDay == 0 {
			tenant.ClosingDay = 10
		}
		if err := tx.Create(&tenant).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	for _, cs := range tf.Campuses {
		var campus models.Campus
		if err := tx.Where(models.Campus{TenantID: tenant.ID, Name: cs.Name}).
			Attrs(models.Campus{Code: cs.Code}).
			FirstOrCreate(&campus).Error; err != nil {
			return err
		}
		for _, fs := range cs.FeeStructures {
			amount, err := parseAmount(fs.Amount)
			if err != nil {
				return err
			}
			var fee models.FeeStructure
			if err := tx.Where(models.FeeStructure{TenantID: tenant.ID, CampusID: campus.ID, Name: fs.Name, ApplicableGrade: fs.Grade}).
				Attrs(models.FeeStructure{Amount: amount, Frequency: models.FeeMonthly, AmountFormula: fs.Formula, IsActive: true}).
				FirstOrCreate(&fee).Error; err != nil {
				return err
			}
		}
		for _, ps := range cs.Students {
			var student models.Student
			if err := tx.Where(models.Student{TenantID: tenant.ID, AdmissionNo: ps.AdmissionNo}).
				Attrs(models.Student{
					CampusID:      campus.ID,
					FullName:      ps.FullName,
					Grade:         ps.Grade,
					GuardianName:  ps.GuardianName,
					GuardianPhone: ps.GuardianPhone,
					GuardianEmail: ps.GuardianEmail,
				}).
				FirstOrCreate(&student).Error; err != nil {
				return err
			}
			var enrollment models.Enrollment
			if err := tx.Where(models.Enrollment{TenantID: tenant.ID, StudentID: student.ID}).
				Attrs(models.Enrollment{
					CampusID:  campus.ID,
					Grade:     ps.Grade,
					Status:    models.EnrollmentActive,
					StartDate: time.Date(time.Now().Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC),
				}).
				FirstOrCreate(&enrollment).Error; err != nil {
				return err
			}
		}
	}

	for _, rs := range tf.ReminderRules {
		var rule models.ReminderRule
		if err := tx.Where(models.ReminderRule{TenantID: tenant.ID, Name: rs.Name}).
			Attrs(models.ReminderRule{
				MinDaysOverdue: rs.MinDays,
				MaxDaysOverdue: rs.MaxDays,
				Channel:        models.ReminderChannel(rs.Channel),
				Template:       rs.Template,
				FrequencyDays:  rs.FrequencyDays,
				IsActive:       true,
			}).
			FirstOrCreate(&rule).Error; err != nil {
			return err
		}
	}
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}
