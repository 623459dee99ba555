package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diewo77/school-billing/internal/apperr"
	"github.com/diewo77/school-billing/internal/events"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type draft struct {
	challan models.Challan
}

type existingChallan struct {
	ChallanNo    string
	PostingRunID *uint
	TotalAmount  decimal.Decimal
}

// Execute generates the challans of a reserved run. Only a PENDING run is
// started; for a run in any other state the stored state is returned and
// nothing is generated, so two executors never write the same run. The run
// ends COMPLETED or FAILED; a FAILED run keeps the chunks it committed and can
// be resumed.
func (s *Service) Execute(ctx context.Context, runID uint) (*Result, error) {
	var run models.PostingRun
	err := s.db.WithContext(ctx).Take(&run, runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Posting(apperr.CodePostingNotFound, "posting run %d not found", runID)
	}
	if err != nil {
		return nil, err
	}

	started := s.now()
	res := s.db.WithContext(ctx).Model(&models.PostingRun{}).
		Where("id = ? AND status = ?", run.ID, models.PostingPending).
		Updates(map[string]any{"status": models.PostingRunning, "started_at": started})
	if res.Error != nil {
		return nil, fmt.Errorf("start posting run %d: %w", run.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.db.WithContext(ctx).Take(&run, run.ID).Error; err != nil {
			return nil, err
		}
		s.log.InfoContext(ctx, "posting run not pending, skipped", "run_id", run.ID, "status", run.Status)
		return resultOf(&run), nil
	}
	run.Status = models.PostingRunning
	run.StartedAt = &started

	log := s.log.With("run_id", run.ID, "tenant_id", run.TenantID, "period", fmt.Sprintf("%04d-%02d", run.Year, run.Month))
	log.InfoContext(ctx, "posting run started")

	created, skipped, total, execErr := s.generate(ctx, &run)
	finished := s.now()
	fields := map[string]any{
		"created_count": created,
		"skipped_count": skipped,
		"total_amount":  total,
		"completed_at":  finished,
	}
	if execErr != nil {
		fields["status"] = models.PostingFailed
		fields["error_message"] = execErr.Error()
	} else {
		fields["status"] = models.PostingCompleted
		fields["error_message"] = ""
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.PostingRun{}).
		Where("id = ?", run.ID).Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("finish posting run %d: %w", run.ID, err)
	}
	if err := s.db.WithContext(ctx).Take(&run, run.ID).Error; err != nil {
		return nil, err
	}

	result := resultOf(&run)
	data := map[string]any{
		"postingRunId": run.ID,
		"month":        run.Month,
		"year":         run.Year,
		"createdCount": created,
		"skippedCount": skipped,
		"totalAmount":  total.StringFixed(2),
	}
	if execErr != nil {
		log.ErrorContext(ctx, "posting run failed", "error", execErr, "created", created)
		data["errorMessage"] = execErr.Error()
		events.PublishSafe(ctx, s.bus, events.New(events.PostingFailed, run.TenantID, data))
		return result, nil
	}
	log.InfoContext(ctx, "posting run completed", "created", created, "skipped", skipped, "total", total.StringFixed(2))
	events.PublishSafe(ctx, s.bus, events.New(events.PostingCompleted, run.TenantID, data))
	return result, nil
}

func resultOf(run *models.PostingRun) *Result {
	return &Result{
		PostingRunID: run.ID,
		Status:       run.Status,
		CreatedCount: run.CreatedCount,
		SkippedCount: run.SkippedCount,
		TotalAmount:  run.TotalAmount,
		ErrorMessage: run.ErrorMessage,
	}
}

// generate builds and writes the run's challans chunk by chunk. Counters include
// challans committed by earlier attempts of the same run.
func (s *Service) generate(ctx context.Context, run *models.PostingRun) (created, skipped int, total decimal.Decimal, err error) {
	total = decimal.Zero
	from := time.Date(run.Year, time.Month(run.Month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	enrollments, err := s.billableEnrollments(ctx, run, from, to)
	if err != nil {
		return 0, 0, total, err
	}
	if len(enrollments) == 0 {
		return 0, 0, total, nil
	}
	fees, err := s.feeStructures(ctx, run)
	if err != nil {
		return 0, 0, total, err
	}
	feesByCampus := lo.GroupBy(fees, func(f models.FeeStructure) uint { return f.CampusID })

	// challans of this period that already exist; true when written by this run
	var existing []existingChallan
	if err := s.db.WithContext(ctx).Model(&models.Challan{}).
		Select("challan_no, posting_run_id, total_amount").
		Where("tenant_id = ? AND month = ? AND year = ?", run.TenantID, run.Month, run.Year).
		Scan(&existing).Error; err != nil {
		return 0, 0, total, fmt.Errorf("load existing challans: %w", err)
	}
	ownByNo := lo.SliceToMap(existing, func(e existingChallan) (string, bool) {
		return e.ChallanNo, e.PostingRunID != nil && *e.PostingRunID == run.ID
	})
	for _, e := range existing {
		if ownByNo[e.ChallanNo] {
			created++
			total = total.Add(e.TotalAmount)
		}
	}

	p := newPricer()
	issue := s.now()
	drafts := make([]draft, 0, len(enrollments))
	for _, e := range enrollments {
		grade := e.Grade
		if grade == "" && e.Student != nil {
			grade = e.Student.Grade
		}
		no := models.ChallanNumber(run.Year, run.Month, e.StudentID)
		if own, ok := ownByNo[no]; ok {
			if !own {
				skipped++
			}
			continue
		}
		var items []models.ChallanLineItem
		amount := decimal.Zero
		for i := range feesByCampus[e.CampusID] {
			fee := &feesByCampus[e.CampusID][i]
			if !fee.AppliesTo(grade, run.Month) {
				continue
			}
			price, perr := p.Price(fee, grade, run.Month, run.Year)
			if perr != nil {
				return created, skipped, total, perr
			}
			if price.IsZero() {
				continue
			}
			items = append(items, models.ChallanLineItem{
				FeeStructureID: fee.ID,
				Description:    fee.Name,
				Amount:         price,
			})
			amount = amount.Add(price)
		}
		// a student is never billed nothing
		if len(items) == 0 || !amount.IsPositive() {
			skipped++
			continue
		}
		runID := run.ID
		drafts = append(drafts, draft{challan: models.Challan{
			TenantID:     run.TenantID,
			CampusID:     e.CampusID,
			StudentID:    e.StudentID,
			PostingRunID: &runID,
			ChallanNo:    no,
			Month:        run.Month,
			Year:         run.Year,
			IssueDate:    issue,
			DueDate:      run.DueDate,
			TotalAmount:  amount,
			PaidAmount:   decimal.Zero,
			Balance:      amount,
			Status:       models.ChallanUnpaid,
			LineItems:    items,
		}})
	}

	for i, chunk := range lo.Chunk(drafts, s.batchSize) {
		n, amount, werr := s.writeChunk(ctx, chunk)
		if werr != nil {
			return created, skipped, total, fmt.Errorf("chunk %d: %w", i+1, werr)
		}
		created += n
		total = total.Add(amount)
		// progress is visible while the run is still RUNNING
		if err := s.db.WithContext(ctx).Model(&models.PostingRun{}).Where("id = ?", run.ID).
			Updates(map[string]any{"created_count": created, "skipped_count": skipped, "total_amount": total}).Error; err != nil {
			return created, skipped, total, err
		}
	}
	return created, skipped, total, nil
}

func (s *Service) writeChunk(ctx context.Context, chunk []draft) (int, decimal.Decimal, error) {
	total := decimal.Zero
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		challans := lo.Map(chunk, func(d draft, _ int) models.Challan { return d.challan })
		if err := tx.Create(&challans).Error; err != nil {
			return fmt.Errorf("insert challans: %w", err)
		}
		entries := make([]models.LedgerEntry, 0, len(challans))
		for i := range challans {
			c := &challans[i]
			id := c.ID
			entries = append(entries, models.LedgerEntry{
				TenantID:  c.TenantID,
				CampusID:  c.CampusID,
				StudentID: c.StudentID,
				ChallanID: &id,
				EntryType: models.LedgerChallanCreated,
				Direction: models.Debit,
				Amount:    c.TotalAmount,
				EntryDate: c.IssueDate,
			})
			total = total.Add(c.TotalAmount)
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("insert ledger entries: %w", err)
		}
		for i := range challans {
			c := &challans[i]
			if err := models.BumpSummary(tx, c.TenantID, c.CampusID, c.StudentID, c.TotalAmount, decimal.Zero, decimal.Zero); err != nil {
				return fmt.Errorf("update summary of student %d: %w", c.StudentID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	return len(chunk), total, nil
}

func (s *Service) billableEnrollments(ctx context.Context, run *models.PostingRun, from, to time.Time) ([]models.Enrollment, error) {
	tx := s.db.WithContext(ctx).
		Preload("Student").
		Where("tenant_id = ? AND status = ?", run.TenantID, models.EnrollmentActive).
		Where("start_date < ?", to).
		Where("end_date IS NULL OR end_date >= ?", from)
	if run.CampusID != nil {
		tx = tx.Where("campus_id = ?", *run.CampusID)
	}
	if run.AcademicYearID != nil {
		tx = tx.Where("academic_year_id = ?", *run.AcademicYearID)
	}
	var enrollments []models.Enrollment
	if err := tx.Order("student_id, id").Find(&enrollments).Error; err != nil {
		return nil, fmt.Errorf("load enrollments: %w", err)
	}
	// one challan per student even with overlapping enrollments
	return lo.UniqBy(enrollments, func(e models.Enrollment) uint { return e.StudentID }), nil
}

func (s *Service) feeStructures(ctx context.Context, run *models.PostingRun) ([]models.FeeStructure, error) {
	tx := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ? AND frequency = ?", run.TenantID, true, models.FeeMonthly)
	if run.CampusID != nil {
		tx = tx.Where("campus_id = ?", *run.CampusID)
	}
	var fees []models.FeeStructure
	if err := tx.Order("id").Find(&fees).Error; err != nil {
		return nil, fmt.Errorf("load fee structures: %w", err)
	}
	return fees, nil
}
