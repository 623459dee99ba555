package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/dbtest"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu      sync.Mutex
	channel models.ReminderChannel
	sent    []Message
	fail    error
}

func (f *fakeSender) Channel() models.ReminderChannel { return f.channel }

func (f *fakeSender) Send(_ context.Context, m Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.sent = append(f.sent, m)
	return fmt.Sprintf("%s-%d", strings.ToLower(string(f.channel)), len(f.sent)), nil
}

type fixture struct {
	db       *gorm.DB
	q        *queue.Queue
	engine   *Engine
	sms      *fakeSender
	whatsapp *fakeSender
	students []models.Student
	challans []models.Challan
	campus   models.Campus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	q := queue.New(d)
	sms := &fakeSender{channel: models.ReminderSMS}
	wa := &fakeSender{channel: models.ReminderWhatsApp}
	e := NewEngine(d, q, sms, wa)
	e.now = func() time.Time { return now }

	tenant := dbtest.Tenant(t, d, dbtest.TenantID)
	campus := dbtest.Campus(t, d, tenant.ID, "Main")
	students := dbtest.Students(t, d, campus, "3", 2)
	challans := []models.Challan{
		dbtest.Challan(t, d, students[0], 5000, now.AddDate(0, 0, -45)),
		dbtest.Challan(t, d, students[1], 1250, now.AddDate(0, 0, -5)),
	}
	f := &fixture{db: d, q: q, engine: e, sms: sms, whatsapp: wa, students: students, challans: challans, campus: campus}

	thirty := 30
	mustRule(t, e, RuleInput{TenantID: tenant.ID, Name: "gentle", MinDaysOverdue: 1, MaxDaysOverdue: &thirty,
		Channel: models.ReminderSMS, Template: "Dear {{studentName}}, {{amount}} was due on {{dueDate}} ({{bucket}})", FrequencyDays: 1})
	mustRule(t, e, RuleInput{TenantID: tenant.ID, Name: "firm", MinDaysOverdue: 31,
		Channel: models.ReminderSMS, Template: "FINAL {{challanNo}}: {{amountInWords}}", FrequencyDays: 3})
	campusID := campus.ID
	mustRule(t, e, RuleInput{TenantID: tenant.ID, CampusID: &campusID, Name: "campus", MinDaysOverdue: 1,
		Channel: models.ReminderWhatsApp, Template: "{{campusName}}: {{daysOverdue}} days overdue"})
	return f
}

func mustRule(t *testing.T, e *Engine, in RuleInput) *models.ReminderRule {
	t.Helper()
	r, err := e.CreateRule(context.Background(), in)
	if err != nil {
		t.Fatalf("rule %s: %v", in.Name, err)
	}
	return r
}

func drain(t *testing.T, f *fixture) int {
	t.Helper()
	w := queue.NewWorker(f.q, time.Millisecond)
	w.Register(models.JobReminderDelivery, f.engine.DeliveryHandler())
	n, err := w.Drain(context.Background(), queue.Reminders)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return n
}

func TestRunQueuesOnePerStudentAndChannel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.engine.Run(ctx, Scope{TenantID: dbtest.TenantID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 2 || res.Queued != 4 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	var logs []models.ReminderLog
	f.db.Order("id").Find(&logs)
	if len(logs) != 4 {
		t.Fatalf("expected 4 logs got %d", len(logs))
	}
	for _, l := range logs {
		if l.Status != models.ReminderQueued || l.JobID == "" {
			t.Fatalf("unexpected log %+v", l)
		}
	}
	var firm models.ReminderLog
	f.db.Where("student_id = ? AND channel = ?", f.students[0].ID, models.ReminderSMS).Take(&firm)
	if !strings.HasPrefix(firm.Message, "FINAL ") || !strings.Contains(firm.Message, "thousand") || firm.Bucket != "D60" {
		t.Fatalf("45 days overdue should use the narrowest rule, got %+v", firm)
	}

	// same day rerun is inside every cooldown
	res, err = f.engine.Run(ctx, Scope{TenantID: dbtest.TenantID})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.Queued != 0 || res.Skipped != 4 {
		t.Fatalf("expected cooldown skips, got %+v", res)
	}
	var jobs int64
	f.db.Model(&models.Job{}).Where("type = ?", models.JobReminderDelivery).Count(&jobs)
	if jobs != 4 {
		t.Fatalf("expected 4 delivery jobs got %d", jobs)
	}
}

func TestDeliveryAndStatusCallbacks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.engine.Run(ctx, Scope{TenantID: dbtest.TenantID}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := drain(t, f); n != 4 {
		t.Fatalf("expected 4 deliveries got %d", n)
	}
	if len(f.sms.sent) != 2 || len(f.whatsapp.sent) != 2 {
		t.Fatalf("unexpected sends sms=%d whatsapp=%d", len(f.sms.sent), len(f.whatsapp.sent))
	}
	for _, m := range f.sms.sent {
		if m.To != f.students[0].GuardianPhone && m.To != f.students[1].GuardianPhone {
			t.Fatalf("expected a guardian phone, got %q", m.To)
		}
	}

	var sent models.ReminderLog
	f.db.Where("external_ref = ?", "whatsapp-1").Take(&sent)
	if sent.Status != models.ReminderSent || sent.SentAt == nil {
		t.Fatalf("unexpected sent log %+v", sent)
	}

	read, err := f.engine.HandleDeliveryStatus(ctx, "whatsapp-1", "read")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Status != models.ReminderRead || read.ReadAt == nil || read.DeliveredAt == nil {
		t.Fatalf("unexpected read log %+v", read)
	}
	late, err := f.engine.HandleDeliveryStatus(ctx, "whatsapp-1", "delivered")
	if err != nil {
		t.Fatalf("late delivered: %v", err)
	}
	if late.Status != models.ReminderRead {
		t.Fatalf("status regressed to %s", late.Status)
	}

	if _, err := f.engine.HandleDeliveryStatus(ctx, "nope", "read"); !apperr.HasCode(err, apperr.CodeReminderNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	if _, err := f.engine.HandleDeliveryStatus(ctx, "whatsapp-1", "bounced"); !apperr.HasCode(err, apperr.CodeInvalidDelivery) {
		t.Fatalf("expected invalid status got %v", err)
	}

	stats, err := f.engine.Stats(ctx, dbtest.TenantID, 30)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[models.ReminderSMS].Sent != 2 || stats[models.ReminderWhatsApp].Read != 1 || stats[models.ReminderWhatsApp].Total != 2 {
		t.Fatalf("unexpected stats sms=%+v whatsapp=%+v", stats[models.ReminderSMS], stats[models.ReminderWhatsApp])
	}
}

func TestSettledChallanIsNotSent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if _, err := f.engine.Run(ctx, Scope{TenantID: dbtest.TenantID}); err != nil {
		t.Fatalf("run: %v", err)
	}
	f.db.Model(&models.Challan{}).Where("id = ?", f.challans[0].ID).Updates(map[string]any{
		"status": models.ChallanPaid, "paid_amount": decimal.NewFromInt(5000), "balance": decimal.Zero,
	})
	drain(t, f)

	var logs []models.ReminderLog
	f.db.Where("challan_id = ?", f.challans[0].ID).Find(&logs)
	for _, l := range logs {
		if l.Status != models.ReminderFailed || l.Error != ReasonChallanSettled {
			t.Fatalf("expected settled failure got %+v", l)
		}
	}
	if len(f.sms.sent) != 1 {
		t.Fatalf("only the unpaid student should get an sms, got %d", len(f.sms.sent))
	}
}

func TestProviderFailureRetriesThenFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.sms.fail = errors.New("gateway down")
	if _, err := f.engine.Run(ctx, Scope{TenantID: dbtest.TenantID}); err != nil {
		t.Fatalf("run: %v", err)
	}
	var entry models.ReminderLog
	f.db.Where("channel = ?", models.ReminderSMS).Order("id").First(&entry)

	p := queue.ReminderDeliveryPayload{ReminderLogID: entry.ID, TenantID: entry.TenantID}
	if _, err := f.engine.Deliver(ctx, p, false); err == nil {
		t.Fatalf("expected provider error")
	}
	f.db.First(&entry, entry.ID)
	if entry.Status != models.ReminderQueued || entry.Error != "gateway down" {
		t.Fatalf("a retryable failure keeps the log queued: %+v", entry)
	}
	if _, err := f.engine.Deliver(ctx, p, true); err == nil {
		t.Fatalf("expected provider error")
	}
	f.db.First(&entry, entry.ID)
	if entry.Status != models.ReminderFailed {
		t.Fatalf("expected FAILED after the last attempt, got %s", entry.Status)
	}
}

func TestMissingRecipientCountsAsFailed(t *testing.T) {
	f := setup(t)
	f.db.Model(&models.Student{}).Where("id = ?", f.students[1].ID).Update("guardian_phone", "")
	res, err := f.engine.Run(context.Background(), Scope{TenantID: dbtest.TenantID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Failed != 2 || res.Queued != 2 || len(res.Errors) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSelectRules(t *testing.T) {
	campus := uint(7)
	other := uint(8)
	ten := 10
	rules := []models.ReminderRule{
		{ID: 1, MinDaysOverdue: 31, Channel: models.ReminderSMS, IsActive: true},
		{ID: 2, MinDaysOverdue: 5, Channel: models.ReminderSMS, IsActive: true, CampusID: &campus},
		{ID: 3, MinDaysOverdue: 1, MaxDaysOverdue: &ten, Channel: models.ReminderSMS, IsActive: true},
		{ID: 4, MinDaysOverdue: 1, Channel: models.ReminderEmail, IsActive: true, CampusID: &other},
		{ID: 5, MinDaysOverdue: 1, Channel: models.ReminderEmail, IsActive: false},
	}
	tests := []struct {
		name   string
		campus uint
		days   int
		want   []uint
	}{
		{"campus rule beats narrower global", campus, 40, []uint{2}},
		{"global on other campus", 9, 40, []uint{1}},
		{"bounded window", 9, 8, []uint{3}},
		{"nothing matches", 9, 20, nil},
		{"campus email", other, 3, []uint{4, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []uint
			for _, r := range selectRules(rules, tt.campus, tt.days) {
				got = append(got, r.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("expected %v got %v", tt.want, got)
			}
		})
	}
}

func TestRender(t *testing.T) {
	out, err := Render("Hi {{ studentName }}, pay {{amount}}", map[string]string{"studentName": "Ali", "amount": "10.00"})
	if err != nil || out != "Hi Ali, pay 10.00" {
		t.Fatalf("unexpected render %q %v", out, err)
	}
	if _, err := Render("Hi {{parentName}}", map[string]string{}); err == nil {
		t.Fatalf("expected unknown variable error")
	}
	if err := ValidateTemplate(""); err == nil {
		t.Fatalf("expected empty template error")
	}
	if got := AmountInWords(decimal.RequireFromString("12.50")); !strings.HasSuffix(got, "and 50/100") {
		t.Fatalf("unexpected words %q", got)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	f := setup(t)
	five := 5
	_, err := f.engine.CreateRule(context.Background(), RuleInput{TenantID: dbtest.TenantID, Name: "bad", MinDaysOverdue: 10,
		MaxDaysOverdue: &five, Channel: models.ReminderSMS, Template: "x"})
	if !apperr.HasCode(err, apperr.CodeInvalidRule) {
		t.Fatalf("expected INVALID_REMINDER_RULE got %v", err)
	}
	if err := f.engine.DeactivateRule(context.Background(), dbtest.TenantID, 999); !apperr.HasCode(err, apperr.CodeRuleNotFound) {
		t.Fatalf("expected rule not found got %v", err)
	}
}

func TestOverlappingRunsLogOncePerSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var rule models.ReminderRule
	f.db.Where("name = ?", "gentle").Take(&rule)
	var c models.Challan
	f.db.Preload("Student.Campus").Take(&c, f.challans[1].ID)

	// both runs passed the cooldown check before either wrote its log
	if err := f.engine.queueReminder(ctx, &c, &rule, 5, now); err != nil {
		t.Fatalf("first queue: %v", err)
	}
	if err := f.engine.queueReminder(ctx, &c, &rule, 5, now.Add(time.Minute)); !errors.Is(err, errSlotTaken) {
		t.Fatalf("expected errSlotTaken, got %v", err)
	}

	var logs []models.ReminderLog
	f.db.Where("student_id = ? AND rule_id = ?", c.StudentID, rule.ID).Find(&logs)
	if len(logs) != 1 {
		t.Fatalf("expected one log got %d", len(logs))
	}
	if n := drain(t, f); n != 1 {
		t.Fatalf("expected one delivery got %d", n)
	}
	var queued int64
	f.db.Model(&models.ReminderLog{}).Where("status = ?", models.ReminderQueued).Count(&queued)
	if queued != 0 {
		t.Fatalf("no log may stay QUEUED, got %d", queued)
	}
}
