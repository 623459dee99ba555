package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"gorm.io/gorm"
)

// ReasonChallanSettled marks reminders dropped because the challan was paid
// between queueing and sending.
const ReasonChallanSettled = "challan_settled"

// DeliveryHandler sends REMINDER_DELIVERY jobs. Provider errors are retried
// by the queue; the log turns FAILED on the last attempt.
func (e *Engine) DeliveryHandler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		p, err := queue.Decode[queue.ReminderDeliveryPayload](job)
		if err != nil {
			return nil, err
		}
		lastAttempt := job.Attempts+1 >= job.MaxAttempts
		return e.Deliver(ctx, p, lastAttempt)
	}
}

// RunHandler executes REMINDER_RUN jobs.
func (e *Engine) RunHandler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		p, err := queue.Decode[queue.ReminderRunPayload](job)
		if err != nil {
			return nil, err
		}
		return e.Run(ctx, Scope{TenantID: p.TenantID, CampusID: p.CampusID})
	}
}

// DeliveryResult is stored as the job result.
type DeliveryResult struct {
	ReminderLogID uint                  `json:"reminderLogId"`
	Status        models.ReminderStatus `json:"status"`
	ExternalRef   string                `json:"externalRef,omitempty"`
	Reason        string                `json:"reason,omitempty"`
}

// Deliver sends one queued reminder. A log that already left QUEUED is not
// sent again.
func (e *Engine) Deliver(ctx context.Context, p queue.ReminderDeliveryPayload, lastAttempt bool) (*DeliveryResult, error) {
	var entry models.ReminderLog
	err := e.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", p.ReminderLogID, p.TenantID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, queue.Permanent(apperr.Reminder(apperr.CodeReminderNotFound, "reminder log %d not found", p.ReminderLogID))
	}
	if err != nil {
		return nil, err
	}
	res := &DeliveryResult{ReminderLogID: entry.ID, Status: entry.Status}
	if entry.Status != models.ReminderQueued {
		res.Reason = "already_processed"
		return res, nil
	}

	var challan models.Challan
	if err := e.db.WithContext(ctx).Unscoped().Take(&challan, entry.ChallanID).Error; err != nil {
		return nil, fmt.Errorf("load challan %d: %w", entry.ChallanID, err)
	}
	if settled(&challan) {
		if err := e.transition(ctx, &entry, models.ReminderFailed, map[string]any{"error": ReasonChallanSettled}); err != nil {
			return nil, err
		}
		res.Status, res.Reason = models.ReminderFailed, ReasonChallanSettled
		return res, nil
	}

	ref, sendErr := e.sender(entry.Channel).Send(ctx, Message{
		To:      entry.Recipient,
		Subject: fmt.Sprintf("Fee reminder: challan %s", challan.ChallanNo),
		Body:    entry.Message,
	})
	if sendErr != nil {
		permanent := errors.Is(sendErr, ErrNoRecipient)
		if lastAttempt || permanent {
			if err := e.transition(ctx, &entry, models.ReminderFailed, map[string]any{"error": sendErr.Error()}); err != nil {
				return nil, err
			}
		} else if err := e.db.WithContext(ctx).Model(&models.ReminderLog{}).
			Where("id = ?", entry.ID).Update("error", sendErr.Error()).Error; err != nil {
			return nil, err
		}
		if permanent {
			return nil, queue.Permanent(sendErr)
		}
		return nil, sendErr
	}

	fields := map[string]any{"sent_at": e.now(), "error": ""}
	if ref != "" {
		fields["external_ref"] = ref
	}
	if err := e.transition(ctx, &entry, models.ReminderSent, fields); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "reminder sent", "tenant_id", entry.TenantID, "log_id", entry.ID,
		"channel", entry.Channel, "ref", ref)
	res.Status, res.ExternalRef = models.ReminderSent, ref
	return res, nil
}

// transition moves the log to status if allowed, guarded by its current status.
func (e *Engine) transition(ctx context.Context, entry *models.ReminderLog, to models.ReminderStatus, fields map[string]any) error {
	if !entry.Status.CanTransition(to) {
		return nil
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = to
	res := e.db.WithContext(ctx).Model(&models.ReminderLog{}).
		Where("id = ? AND status = ?", entry.ID, entry.Status).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update reminder log %d: %w", entry.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		entry.Status = to
	}
	return nil
}

// HandleDeliveryStatus applies a provider delivery callback. Statuses never
// move backwards; an out-of-order callback is accepted and ignored.
func (e *Engine) HandleDeliveryStatus(ctx context.Context, externalRef, status string) (*models.ReminderLog, error) {
	var to models.ReminderStatus
	var stamp string
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered":
		to, stamp = models.ReminderDelivered, "delivered_at"
	case "read":
		to, stamp = models.ReminderRead, "read_at"
	case "failed", "undelivered":
		to = models.ReminderFailed
	default:
		return nil, apperr.Reminder(apperr.CodeInvalidDelivery, "unknown delivery status %q", status)
	}

	var entry models.ReminderLog
	err := e.db.WithContext(ctx).Where("external_ref = ?", externalRef).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Reminder(apperr.CodeReminderNotFound, "no reminder with reference %q", externalRef)
	}
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if stamp != "" {
		fields[stamp] = e.now()
	}
	// a READ receipt also implies delivery
	if to == models.ReminderRead && entry.DeliveredAt == nil {
		fields["delivered_at"] = e.now()
	}
	if to == models.ReminderFailed {
		fields["error"] = "provider reported " + strings.ToLower(status)
	}
	if err := e.transition(ctx, &entry, to, fields); err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Take(&entry, entry.ID).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ChannelStats counts a channel's reminders by status.
type ChannelStats struct {
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Stats counts the tenant's reminders queued in the last daysBack days.
func (e *Engine) Stats(ctx context.Context, tenantID string, daysBack int) (map[models.ReminderChannel]*ChannelStats, error) {
	if daysBack < 1 {
		daysBack = 30
	}
	since := e.now().Add(-time.Duration(daysBack) * 24 * time.Hour)
	var rows []struct {
		Channel models.ReminderChannel
		Status  models.ReminderStatus
		N       int64
	}
	if err := e.db.WithContext(ctx).Model(&models.ReminderLog{}).
		Select("channel, status, COUNT(*) AS n").
		Where("tenant_id = ? AND queued_at >= ?", tenantID, since).
		Group("channel, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("reminder stats: %w", err)
	}
	out := map[models.ReminderChannel]*ChannelStats{
		models.ReminderEmail:    {},
		models.ReminderWhatsApp: {},
		models.ReminderSMS:      {},
	}
	for _, r := range rows {
		st, ok := out[r.Channel]
		if !ok {
			st = &ChannelStats{}
			out[r.Channel] = st
		}
		switch r.Status {
		case models.ReminderQueued:
			st.Queued += r.N
		case models.ReminderSent:
			st.Sent += r.N
		case models.ReminderDelivered:
			st.Delivered += r.N
		case models.ReminderRead:
			st.Read += r.N
		case models.ReminderFailed:
			st.Failed += r.N
		}
		st.Total += r.N
	}
	return out, nil
}
