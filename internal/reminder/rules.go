package reminder

import (
	"context"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
)

var channels = []models.ReminderChannel{models.ReminderEmail, models.ReminderWhatsApp, models.ReminderSMS}

// RuleInput creates a reminder rule.
type RuleInput struct {
	TenantID       string
	CampusID       *uint
	Name           string
	MinDaysOverdue int
	MaxDaysOverdue *int
	Channel        models.ReminderChannel
	Template       string
	FrequencyDays  int
}

func validateRule(in RuleInput) error {
	switch {
	case in.Name == "":
		return apperr.Reminder(apperr.CodeInvalidRule, "name is required")
	case !lo.Contains(channels, in.Channel):
		return apperr.Reminder(apperr.CodeInvalidRule, "unknown channel %q", in.Channel)
	case in.MinDaysOverdue < 0:
		return apperr.Reminder(apperr.CodeInvalidRule, "min days overdue must not be negative")
	case in.MaxDaysOverdue != nil && *in.MaxDaysOverdue < in.MinDaysOverdue:
		return apperr.Reminder(apperr.CodeInvalidRule, "max days overdue is below min")
	}
	if err := ValidateTemplate(in.Template); err != nil {
		return apperr.Reminder(apperr.CodeInvalidRule, "%v", err)
	}
	return nil
}

// CreateRule stores a new active rule. FrequencyDays defaults to 7.
func (e *Engine) CreateRule(ctx context.Context, in RuleInput) (*models.ReminderRule, error) {
	if err := validateRule(in); err != nil {
		return nil, err
	}
	if in.FrequencyDays < 1 {
		in.FrequencyDays = 7
	}
	rule := models.ReminderRule{
		TenantID:       in.TenantID,
		CampusID:       in.CampusID,
		Name:           in.Name,
		MinDaysOverdue: in.MinDaysOverdue,
		MaxDaysOverdue: in.MaxDaysOverdue,
		Channel:        in.Channel,
		Template:       in.Template,
		FrequencyDays:  in.FrequencyDays,
		IsActive:       true,
	}
	if err := e.db.WithContext(ctx).Create(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns the tenant's rules ordered by window then channel.
func (e *Engine) ListRules(ctx context.Context, tenantID string) ([]models.ReminderRule, error) {
	var rules []models.ReminderRule
	err := e.db.WithContext(ctx).Where("tenant_id = ?", tenantID).
		Order("min_days_overdue, channel, id").Find(&rules).Error
	return rules, err
}

// DeactivateRule stops a rule from matching. Its logs are kept.
func (e *Engine) DeactivateRule(ctx context.Context, tenantID string, ruleID uint) error {
	res := e.db.WithContext(ctx).Model(&models.ReminderRule{}).
		Where("id = ? AND tenant_id = ?", ruleID, tenantID).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Reminder(apperr.CodeRuleNotFound, "reminder rule %d not found", ruleID)
	}
	return nil
}

// Logs lists the latest reminders of a student.
func (e *Engine) Logs(ctx context.Context, tenantID string, studentID uint, limit int) ([]models.ReminderLog, error) {
	limit = min(max(limit, 1), 200)
	var logs []models.ReminderLog
	err := e.db.WithContext(ctx).Where("tenant_id = ? AND student_id = ?", tenantID, studentID).
		Order("queued_at DESC, id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
