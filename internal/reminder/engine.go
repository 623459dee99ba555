// Package reminder sends escalating payment reminders for overdue challans.
// A run selects a rule per student and channel, renders its template and
// queues one delivery job; the reminders queue performs the actual sends.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/diewo77/school-billing/internal/aging"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Scope restricts a run to a tenant and optionally one campus.
type Scope struct {
	TenantID string `json:"tenantId"`
	CampusID *uint  `json:"campusId,omitempty"`
}

// RunResult counts the outcome of one run. Processed counts overdue challans;
// the other counters count (challan, channel) decisions.
type RunResult struct {
	Processed int      `json:"processed"`
	Queued    int      `json:"queued"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type Engine struct {
	db      *gorm.DB
	q       *queue.Queue
	senders map[models.ReminderChannel]Sender
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine wires the engine. Channels without a sender fall back to LogSender.
func NewEngine(d *gorm.DB, q *queue.Queue, senders ...Sender) *Engine {
	e := &Engine{
		db:      d,
		q:       q,
		senders: map[models.ReminderChannel]Sender{},
		log:     slog.Default().With("component", "reminder"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, s := range senders {
		e.senders[s.Channel()] = s
	}
	return e
}

func (e *Engine) sender(ch models.ReminderChannel) Sender {
	if s, ok := e.senders[ch]; ok {
		return s
	}
	return NewLogSender(ch)
}

// Run evaluates the active rules against the scope's overdue challans.
func (e *Engine) Run(ctx context.Context, scope Scope) (*RunResult, error) {
	now := e.now()
	res := &RunResult{Errors: []string{}}

	q := e.db.WithContext(ctx).Preload("Student.Campus").
		Where("tenant_id = ? AND status IN ? AND balance > 0 AND due_date < ?", scope.TenantID,
			[]models.ChallanStatus{models.ChallanUnpaid, models.ChallanPartiallyPaid}, now)
	if scope.CampusID != nil {
		q = q.Where("campus_id = ?", *scope.CampusID)
	}
	var challans []models.Challan
	if err := q.Order("due_date, id").Find(&challans).Error; err != nil {
		return nil, fmt.Errorf("load overdue challans: %w", err)
	}
	var rules []models.ReminderRule
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", scope.TenantID, true).
		Order("min_days_overdue DESC, id").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load reminder rules: %w", err)
	}

	// oldest challan first, so a student's reminder quotes their oldest debt
	handled := map[string]bool{}
	for i := range challans {
		c := &challans[i]
		days := c.DaysOverdue(now)
		if days < 1 {
			continue
		}
		res.Processed++
		picks := selectRules(rules, c.CampusID, days)
		if len(picks) == 0 {
			res.Skipped++
			continue
		}
		for _, rule := range picks {
			key := fmt.Sprintf("%d:%s", c.StudentID, rule.Channel)
			if handled[key] {
				res.Skipped++
				continue
			}
			handled[key] = true
			cooling, err := e.coolingDown(ctx, c.StudentID, rule, now)
			if err != nil {
				return res, err
			}
			if cooling {
				res.Skipped++
				continue
			}
			err = e.queueReminder(ctx, c, rule, days, now)
			if errors.Is(err, errSlotTaken) {
				res.Skipped++
				continue
			}
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("student %d: %v", c.StudentID, err))
				e.log.WarnContext(ctx, "reminder not queued",
					"tenant_id", scope.TenantID, "student_id", c.StudentID, "rule_id", rule.ID, "error", err)
				continue
			}
			res.Queued++
		}
	}
	e.log.InfoContext(ctx, "reminder run finished", "tenant_id", scope.TenantID,
		"processed", res.Processed, "queued", res.Queued, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// selectRules returns at most one matching rule per channel. A campus rule
// beats a tenant-wide one; among equals the highest minimum wins. rules must
// be ordered by MinDaysOverdue descending.
func selectRules(rules []models.ReminderRule, campusID uint, days int) []*models.ReminderRule {
	picked := map[models.ReminderChannel]*models.ReminderRule{}
	var order []models.ReminderChannel
	for _, campusPass := range []bool{true, false} {
		for i := range rules {
			r := &rules[i]
			if (r.CampusID != nil) != campusPass || !r.Matches(days) {
				continue
			}
			if r.CampusID != nil && *r.CampusID != campusID {
				continue
			}
			if _, ok := picked[r.Channel]; ok {
				continue
			}
			picked[r.Channel] = r
			order = append(order, r.Channel)
		}
	}
	return lo.Map(order, func(ch models.ReminderChannel, _ int) *models.ReminderRule { return picked[ch] })
}

// coolingDown reports whether the pair was reminded within the rule's cooldown.
// Logs of every status count, so a failing provider is not hammered.
func (e *Engine) coolingDown(ctx context.Context, studentID uint, rule *models.ReminderRule, now time.Time) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.ReminderLog{}).
		Where("student_id = ? AND rule_id = ? AND queued_at > ?", studentID, rule.ID, now.Add(-rule.Cooldown())).
		Count(&n).Error
	return n > 0, err
}

func recipient(s *models.Student, ch models.ReminderChannel) string {
	if s == nil {
		return ""
	}
	if ch == models.ReminderEmail {
		return s.GuardianEmail
	}
	return s.GuardianPhone
}

// Vars returns the template variables of a challan.
func Vars(c *models.Challan, days int) map[string]string {
	outstanding := c.TotalAmount.Sub(c.PaidAmount)
	vars := map[string]string{
		"challanNo":     c.ChallanNo,
		"amount":        outstanding.StringFixed(2),
		"amountInWords": AmountInWords(outstanding),
		"totalAmount":   c.TotalAmount.StringFixed(2),
		"paidAmount":    c.PaidAmount.StringFixed(2),
		"dueDate":       c.DueDate.Format(time.DateOnly),
		"daysOverdue":   strconv.Itoa(days),
		"bucket":        string(aging.Classify(days)),
	}
	if s := c.Student; s != nil {
		vars["studentName"] = s.FullName
		vars["admissionNo"] = s.AdmissionNo
		vars["grade"] = s.Grade
		if s.Campus != nil {
			vars["campusName"] = s.Campus.Name
		}
	}
	for _, v := range templateVars {
		if _, ok := vars[v]; !ok {
			vars[v] = ""
		}
	}
	return vars
}

// errSlotTaken means a concurrent run already logged the pair for the day.
var errSlotTaken = errors.New("reminder already logged for this slot")

func slotKey(studentID, ruleID uint, now time.Time) string {
	return fmt.Sprintf("reminder:%d:%d:%s", studentID, ruleID, now.Format(time.DateOnly))
}

// queueReminder writes the QUEUED log and its delivery job in one transaction.
// Render or recipient problems are recorded as a FAILED log. The log's slot
// key makes a second log for the same student, rule and day fail with
// errSlotTaken.
func (e *Engine) queueReminder(ctx context.Context, c *models.Challan, rule *models.ReminderRule, days int, now time.Time) error {
	slot := slotKey(c.StudentID, rule.ID, now)
	entry := models.ReminderLog{
		SlotKey:   &slot,
		TenantID:  c.TenantID,
		StudentID: c.StudentID,
		RuleID:    rule.ID,
		ChallanID: c.ID,
		Channel:   rule.Channel,
		Bucket:    string(aging.Classify(days)),
		Recipient: recipient(c.Student, rule.Channel),
		Status:    models.ReminderQueued,
		QueuedAt:  now,
	}
	msg, renderErr := Render(rule.Template, Vars(c, days))
	if renderErr == nil && entry.Recipient == "" {
		renderErr = ErrNoRecipient
	}
	if renderErr != nil {
		entry.Status = models.ReminderFailed
		entry.Error = renderErr.Error()
		if err := e.db.WithContext(ctx).Create(&entry).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return errSlotTaken
			}
			return fmt.Errorf("record failed reminder: %w", err)
		}
		return renderErr
	}
	entry.Message = msg

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return errSlotTaken
			}
			return fmt.Errorf("insert reminder log: %w", err)
		}
		jobID, err := e.q.EnqueueTx(ctx, tx, models.JobReminderDelivery, queue.ReminderDeliveryPayload{
			ReminderLogID: entry.ID,
			TenantID:      entry.TenantID,
			ChallanID:     entry.ChallanID,
			Channel:       string(entry.Channel),
			Recipient:     entry.Recipient,
			Message:       msg,
		}, queue.EnqueueOptions{
			IdempotencyKey: slot,
			Priority:       5,
		})
		if err != nil {
			return err
		}
		return tx.Model(&models.ReminderLog{}).Where("id = ?", entry.ID).Update("job_id", jobID).Error
	})
}

// settled reports whether nothing is left to collect on the challan.
func settled(c *models.Challan) bool {
	return c.IsPaid() || !c.Balance.GreaterThan(decimal.Zero)
}
