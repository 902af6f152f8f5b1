package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"
)

// UnknownCompany is used when a rebuilt entry has no readable JSON sibling.
const UnknownCompany = "未知公司"

// ScanDirectory rebuilds index entries from the report files in dir. Each
// "{YYYYMM}_{code}_AI1.pdf" becomes one entry; the company name comes from the JSON
// record next to it and the file modification time stands in for crawled_at.
// Files that do not follow the naming convention are skipped.
func ScanDirectory(dir string, conv models.PeriodConvention, logger *slog.Logger) ([]models.IndexEntry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*_AI1.pdf"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	var entries []models.IndexEntry
	for _, pdfPath := range matches {
		id, err := models.ParseReportFilename(filepath.Base(pdfPath), conv)
		if err != nil {
			logger.Warn("skipping unparseable report file", "file", filepath.Base(pdfPath), "error", err)
			continue
		}
		info, err := os.Stat(pdfPath)
		if err != nil {
			continue
		}

		jsonPath := strings.TrimSuffix(pdfPath, ".pdf") + ".json"
		id.CompanyName = companyName(jsonPath, logger)
		if !utils.FileExists(jsonPath) {
			jsonPath = ""
		}

		e := models.NewIndexEntry(id, pdfPath, jsonPath, info.Size(), true, info.ModTime().UTC())
		e.FileExists = true
		entries = append(entries, e)
	}
	return entries, nil
}

func companyName(jsonPath string, logger *slog.Logger) string {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return UnknownCompany
	}
	var rec struct {
		CompanyName string `json:"company_name"`
	}
	if _, err := utils.DecodeLenient(data, &rec); err != nil || rec.CompanyName == "" {
		logger.Warn("could not read company name", "file", filepath.Base(jsonPath), "error", err)
		return UnknownCompany
	}
	return rec.CompanyName
}
