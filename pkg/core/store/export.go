package store

import (
	"fmt"
	"sort"
	"strconv"

	"financial_reports/pkg/models"

	"github.com/xuri/excelize/v2"
)

const (
	sheetReports = "Reports"
	sheetSummary = "Summary"
)

// ExportXLSX renders the catalog as a workbook. records, keyed by entry id, adds the
// extracted financial fields next to each entry when available; missing values stay blank.
func ExportXLSX(entries []models.IndexEntry, stats Stats, records map[string]*models.CanonicalRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(sheetReports); err != nil {
		return nil, err
	}
	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(sheetReports)
	f.SetActiveSheet(idx)

	headers := []string{"ID", "Stock Code", "Company", "Year", "Season", "PDF File", "JSON File", "File Size", "Downloaded", "Crawled At"}
	fields := models.AllFields()
	headers = append(headers, fields...)
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetReports, cell, h)
	}

	for r, e := range entries {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetReports, cell, v)
		}
		write(1, e.ID)
		write(2, e.StockCode)
		write(3, e.CompanyName)
		write(4, e.Year)
		write(5, e.Season)
		write(6, e.PDFFile)
		write(7, e.JSONFile)
		write(8, e.FileSize)
		write(9, e.DownloadSuccess)
		write(10, e.CrawledAt.Format("2006-01-02 15:04:05"))

		rec := records[e.ID]
		if rec == nil {
			continue
		}
		for i, field := range fields {
			if v := rec.Value(field); v != nil {
				write(11+i, *v)
			}
		}
	}

	_ = f.SetColWidth(sheetReports, "A", "A", 16)
	_ = f.SetColWidth(sheetReports, "C", "C", 20)
	_ = f.SetColWidth(sheetReports, "F", "G", 40)
	_ = f.SetColWidth(sheetReports, "J", "J", 20)

	summary := [][]any{
		{"Total Reports", stats.TotalReports},
		{"Total Companies", stats.TotalCompanies},
		{"Last Updated", stats.LastUpdated.Format("2006-01-02 15:04:05")},
		{},
		{"Year", "Reports"},
	}
	years := make([]int, 0, len(stats.YearsDistribution))
	for y := range stats.YearsDistribution {
		years = append(years, y)
	}
	sort.Ints(years)
	for _, y := range years {
		summary = append(summary, []any{strconv.Itoa(y), stats.YearsDistribution[y]})
	}
	summary = append(summary, []any{}, []any{"Stock Code", "Reports"})
	for _, code := range stats.Companies {
		summary = append(summary, []any{code, stats.ReportsPerCompany[code]})
	}
	for r, values := range summary {
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			_ = f.SetCellValue(sheetSummary, cell, v)
		}
	}
	_ = f.SetColWidth(sheetSummary, "A", "A", 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
