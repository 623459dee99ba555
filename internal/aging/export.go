package aging

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Defaulters"

// ExportDefaulters writes every matching defaulter as an XLSX workbook.
// Paging parameters are ignored.
func (s *Service) ExportDefaulters(ctx context.Context, p DefaulterParams, w io.Writer) (int, error) {
	rows, err := s.defaulterRows(ctx, p, s.now())
	if err != nil {
		return 0, err
	}
	sortDefaulters(rows, p.SortBy, p.SortDir)

	f := excelize.NewFile()
	defer f.Close()
	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return 0, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"Admission No", "Student", "Grade", "Campus", "Guardian Phone",
		"Balance", "Outstanding", "Oldest Overdue (days)", "Overdue Challans",
		"1-30", "31-60", "61-90", "90+"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(exportSheet, cell, h)
	}
	for i, r := range rows {
		values := []any{
			r.AdmissionNo, r.FullName, r.Grade, r.CampusName, r.GuardianPhone,
			r.Balance.InexactFloat64(), r.TotalOutstanding.InexactFloat64(),
			r.OldestOverdueDays, r.OverdueChallans,
			r.Aging.D30.InexactFloat64(), r.Aging.D60.InexactFloat64(),
			r.Aging.D90.InexactFloat64(), r.Aging.D90Plus.InexactFloat64(),
		}
		for j, v := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			f.SetCellValue(exportSheet, cell, v)
		}
	}
	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	s.log.InfoContext(ctx, "defaulters exported", "tenant_id", p.Scope.TenantID, "rows", len(rows))
	return len(rows), nil
}
