// Package posting generates monthly fee challans. A posting run is reserved
// synchronously under a unique idempotency key and executed in chunks by the
// fee-posting queue.
package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/db"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/diewo77/school-billing/internal/queue"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchSize is the number of challans written per transaction.
const BatchSize = 500

// DefaultDueDay is the day of the posting month challans fall due.
const DefaultDueDay = 10

// Request describes one posting period.
type Request struct {
	TenantID       string
	CampusID       *uint
	AcademicYearID *uint
	Month          int
	Year           int
	DueDate        *time.Time
	RequestedBy    string
}

// Result summarizes an executed run.
type Result struct {
	PostingRunID uint                    `json:"postingRunId"`
	Status       models.PostingRunStatus `json:"status"`
	CreatedCount int                     `json:"createdCount"`
	SkippedCount int                     `json:"skippedCount"`
	TotalAmount  decimal.Decimal         `json:"totalAmount"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
}

type Service struct {
	db        *gorm.DB
	q         *queue.Queue
	bus       events.Bus
	log       *slog.Logger
	batchSize int
	now       func() time.Time
}

func NewService(d *gorm.DB, q *queue.Queue, bus events.Bus) *Service {
	return &Service{
		db:        d,
		q:         q,
		bus:       bus,
		log:       slog.Default().With("component", "posting"),
		batchSize: BatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DefaultDueDate is the 10th of the posting month.
func DefaultDueDate(year, month int) time.Time {
	return time.Date(year, time.Month(month), DefaultDueDay, 0, 0, 0, 0, time.UTC)
}

// Reserve records a PENDING run for the period and enqueues its execution.
// A second reservation of the same period fails with ALREADY_POSTED, unless the
// earlier run FAILED without committing any challan, in which case it is reused.
func (s *Service) Reserve(ctx context.Context, req Request) (*models.PostingRun, error) {
	return s.reserve(ctx, req, true)
}

func (s *Service) reserve(ctx context.Context, req Request, enqueue bool) (*models.PostingRun, error) {
	if err := s.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	due := DefaultDueDate(req.Year, req.Month)
	if req.DueDate != nil {
		due = req.DueDate.UTC()
	}
	run := models.PostingRun{
		TenantID:       req.TenantID,
		CampusID:       req.CampusID,
		AcademicYearID: req.AcademicYearID,
		Month:          req.Month,
		Year:           req.Year,
		IdempotencyKey: models.PostingKey(req.TenantID, req.CampusID, req.Month, req.Year),
		Status:         models.PostingPending,
		DueDate:        due,
		TotalAmount:    decimal.Zero,
		RequestedBy:    req.RequestedBy,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cerr := tx.Transaction(func(inner *gorm.DB) error {
			return inner.Create(&run).Error
		})
		if cerr != nil {
			if !db.IsUniqueViolation(cerr) {
				return fmt.Errorf("create posting run: %w", cerr)
			}
			reused, rerr := s.reuseFailed(tx, &run)
			if rerr != nil {
				return rerr
			}
			if !reused {
				return apperr.Posting(apperr.CodeAlreadyPosted,
					"fee posting for %04d-%02d already exists", req.Year, req.Month)
			}
		}
		if !enqueue {
			return nil
		}
		jobID, err := s.q.EnqueueTx(ctx, tx, models.JobFeePosting,
			queue.FeePostingPayload{PostingRunID: run.ID, TenantID: run.TenantID},
			queue.EnqueueOptions{MaxAttempts: 1})
		if err != nil {
			return err
		}
		run.JobID = jobID
		return tx.Model(&run).Update("job_id", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "posting run reserved",
		"run_id", run.ID, "tenant_id", run.TenantID, "key", run.IdempotencyKey, "job_id", run.JobID)
	return &run, nil
}

// reuseFailed resets a FAILED run with no committed challans so it can run again.
func (s *Service) reuseFailed(tx *gorm.DB, run *models.PostingRun) (bool, error) {
	var existing models.PostingRun
	if err := tx.Where("idempotency_key = ?", run.IdempotencyKey).Take(&existing).Error; err != nil {
		return false, fmt.Errorf("load existing posting run: %w", err)
	}
	if existing.Status != models.PostingFailed {
		return false, nil
	}
	var committed int64
	if err := tx.Model(&models.Challan{}).Where("posting_run_id = ?", existing.ID).Count(&committed).Error; err != nil {
		return false, err
	}
	if committed > 0 {
		return false, nil
	}
	res := tx.Model(&models.PostingRun{}).
		Where("id = ? AND status = ?", existing.ID, models.PostingFailed).
		Updates(map[string]any{
			"status":           models.PostingPending,
			"error_message":    "",
			"due_date":         run.DueDate,
			"academic_year_id": run.AcademicYearID,
			"requested_by":     run.RequestedBy,
			"created_count":    0,
			"skipped_count":    0,
			"total_amount":     decimal.Zero,
			"started_at":       nil,
			"completed_at":     nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	var fresh models.PostingRun
	if err := tx.Take(&fresh, existing.ID).Error; err != nil {
		return false, err
	}
	*run = fresh
	return true, nil
}

func (s *Service) checkTenant(ctx context.Context, tenantID string) error {
	var tenant models.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).Take(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Posting(apperr.CodeTenantNotFound, "tenant %s not found", tenantID)
	}
	if err != nil {
		return err
	}
	if !tenant.IsActive() {
		return apperr.Posting(apperr.CodeTenantInactive, "tenant %s is %s", tenantID, tenant.Status)
	}
	return nil
}

// RunMonthlyPosting reserves and executes a run in the calling goroutine. No
// job is queued for the run.
func (s *Service) RunMonthlyPosting(ctx context.Context, req Request) (*Result, error) {
	run, err := s.reserve(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, run.ID)
}

// Resume re-executes a FAILED run. Challans it already committed are kept.
func (s *Service) Resume(ctx context.Context, tenantID string, runID uint) (*models.PostingRun, error) {
	run, err := s.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.PostingFailed {
		return nil, apperr.Posting(apperr.CodePostingNotFailed, "posting run %d is %s", runID, run.Status)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PostingRun{}).
			Where("id = ? AND status = ?", run.ID, models.PostingFailed).
			Updates(map[string]any{"status": models.PostingPending, "error_message": "", "completed_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Posting(apperr.CodePostingNotFailed, "posting run %d changed concurrently", runID)
		}
		jobID, err := s.q.EnqueueTx(ctx, tx, models.JobFeePosting,
			queue.FeePostingPayload{PostingRunID: run.ID, TenantID: run.TenantID},
			queue.EnqueueOptions{MaxAttempts: 1})
		if err != nil {
			return err
		}
		return tx.Model(&models.PostingRun{}).Where("id = ?", run.ID).Update("job_id", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "posting run resumed", "run_id", run.ID, "tenant_id", tenantID)
	return s.Get(ctx, tenantID, runID)
}

// FailStalled marks RUNNING runs that have not reported progress within
// timeout as FAILED, so an interrupted run can be resumed. Every committed
// chunk refreshes updated_at.
func (s *Service) FailStalled(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := s.now().Add(-timeout)
	res := s.db.WithContext(ctx).Model(&models.PostingRun{}).
		Where("status = ? AND updated_at < ?", models.PostingRunning, cutoff).
		Updates(map[string]any{
			"status":        models.PostingFailed,
			"error_message": fmt.Sprintf("no progress since %s", cutoff.Format(time.RFC3339)),
			"completed_at":  s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail stalled posting runs: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.WarnContext(ctx, "stalled posting runs failed", "count", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}

// Get loads a run of the tenant.
func (s *Service) Get(ctx context.Context, tenantID string, runID uint) (*models.PostingRun, error) {
	var run models.PostingRun
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", runID, tenantID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Posting(apperr.CodePostingNotFound, "posting run %d not found", runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the latest runs of a tenant, newest period first.
func (s *Service) ListRuns(ctx context.Context, tenantID string, limit int) ([]models.PostingRun, error) {
	if limit < 1 {
		limit = 24
	}
	if limit > 100 {
		limit = 100
	}
	var runs []models.PostingRun
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("year DESC, month DESC, created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// Handler executes FEE_POSTING jobs.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, job *models.Job) (any, error) {
		p, err := queue.Decode[queue.FeePostingPayload](job)
		if err != nil {
			return nil, err
		}
		res, err := s.Execute(ctx, p.PostingRunID)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		if res.Status == models.PostingFailed {
			return res, queue.Permanent(errors.New(res.ErrorMessage))
		}
		return res, nil
	}
}
