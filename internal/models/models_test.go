package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestDeriveChallanStatus(t *testing.T) {
	tests := []struct {
		name  string
		paid  decimal.Decimal
		total decimal.Decimal
		want  ChallanStatus
	}{
		{"nothing paid", d(0), d(5000), ChallanUnpaid},
		{"partial", d(2000), d(5000), ChallanPartiallyPaid},
		{"exact", d(5000), d(5000), ChallanPaid},
		{"over", d(6000), d(5000), ChallanPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveChallanStatus(tt.paid, tt.total); got != tt.want {
				t.Errorf("DeriveChallanStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestChallan_ApplyClampsExcess(t *testing.T) {
	c := &Challan{TotalAmount: d(5000), PaidAmount: d(0)}
	c.Recompute()

	applied, excess := c.Apply(d(2000))
	if !applied.Equal(d(2000)) || !excess.IsZero() {
		t.Fatalf("first apply: applied=%s excess=%s", applied, excess)
	}
	if c.Status != ChallanPartiallyPaid || !c.Balance.Equal(d(3000)) {
		t.Fatalf("after first apply: status=%s balance=%s", c.Status, c.Balance)
	}

	applied, excess = c.Apply(d(4500))
	if !applied.Equal(d(3000)) || !excess.Equal(d(1500)) {
		t.Fatalf("second apply: applied=%s excess=%s", applied, excess)
	}
	if c.Status != ChallanPaid || !c.Balance.IsZero() {
		t.Fatalf("after second apply: status=%s balance=%s", c.Status, c.Balance)
	}
	if !c.PaidAmount.Add(c.Balance).Equal(c.TotalAmount) {
		t.Fatalf("paid + balance != total: %s + %s", c.PaidAmount, c.Balance)
	}
}

func TestChallan_DaysOverdue(t *testing.T) {
	due := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	c := &Challan{DueDate: due, Balance: d(100)}
	if got := c.DaysOverdue(due.AddDate(0, 0, 45)); got != 45 {
		t.Errorf("DaysOverdue() = %d, want 45", got)
	}
	if got := c.DaysOverdue(due.AddDate(0, 0, -1)); got != 0 {
		t.Errorf("DaysOverdue() before due = %d, want 0", got)
	}
	if !c.IsOverdue(due.Add(time.Hour)) {
		t.Error("IsOverdue() = false, want true")
	}
}

func TestChallanNumber(t *testing.T) {
	if got := ChallanNumber(2025, 1, 42); got != "FP-202501-42" {
		t.Errorf("ChallanNumber() = %s", got)
	}
}

func TestPostingKey(t *testing.T) {
	campus := uint(7)
	if got := PostingKey("t1", &campus, 1, 2025); got != "posting:t1:7:2025-01" {
		t.Errorf("PostingKey() = %s", got)
	}
	if got := PostingKey("t1", nil, 12, 2024); got != "posting:t1:all:2024-12" {
		t.Errorf("PostingKey() = %s", got)
	}
}

func TestFeeStructure_AppliesTo(t *testing.T) {
	three, six := 3, 6
	tests := []struct {
		name  string
		fee   FeeStructure
		grade string
		month int
		want  bool
	}{
		{"all grades", FeeStructure{IsActive: true, Frequency: FeeMonthly}, "5", 1, true},
		{"grade mismatch", FeeStructure{IsActive: true, Frequency: FeeMonthly, ApplicableGrade: "6"}, "5", 1, false},
		{"inactive", FeeStructure{IsActive: false, Frequency: FeeMonthly}, "5", 1, false},
		{"annual skipped", FeeStructure{IsActive: true, Frequency: FeeAnnual}, "5", 1, false},
		{"before window", FeeStructure{IsActive: true, Frequency: FeeMonthly, StartMonth: &three, EndMonth: &six}, "5", 2, false},
		{"inside window", FeeStructure{IsActive: true, Frequency: FeeMonthly, StartMonth: &three, EndMonth: &six}, "5", 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fee.AppliesTo(tt.grade, tt.month); got != tt.want {
				t.Errorf("AppliesTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReminderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to ReminderStatus
		want     bool
	}{
		{ReminderQueued, ReminderSent, true},
		{ReminderSent, ReminderDelivered, true},
		{ReminderDelivered, ReminderRead, true},
		{ReminderRead, ReminderDelivered, false},
		{ReminderSent, ReminderFailed, true},
		{ReminderFailed, ReminderSent, false},
		{ReminderDelivered, ReminderSent, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestReminderRule_Matches(t *testing.T) {
	thirty := 30
	r := ReminderRule{IsActive: true, MinDaysOverdue: 1, MaxDaysOverdue: &thirty}
	if !r.Matches(15) || r.Matches(0) || r.Matches(31) {
		t.Fatal("unexpected window matching")
	}
	if got := (&ReminderRule{FrequencyDays: 0}).Cooldown(); got != 24*time.Hour {
		t.Errorf("Cooldown() = %s, want 24h", got)
	}
}

func TestEnrollment_ActiveDuring(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	left := from.AddDate(0, 0, -1)
	tests := []struct {
		name string
		e    Enrollment
		want bool
	}{
		{"active", Enrollment{Status: EnrollmentActive, StartDate: from.AddDate(-1, 0, 0)}, true},
		{"starts later", Enrollment{Status: EnrollmentActive, StartDate: to}, false},
		{"ended before", Enrollment{Status: EnrollmentActive, StartDate: from.AddDate(-1, 0, 0), EndDate: &left}, false},
		{"withdrawn", Enrollment{Status: EnrollmentWithdrawn, StartDate: from}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.ActiveDuring(from, to); got != tt.want {
				t.Errorf("ActiveDuring() = %v, want %v", got, tt.want)
			}
		})
	}
}
