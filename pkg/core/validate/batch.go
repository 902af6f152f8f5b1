package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"financial_reports/pkg/core/utils"
)

// RecordGlob selects canonical record files in a data directory.
const RecordGlob = "*_AI1.json"

// FileResult is the validation outcome for one record file.
type FileResult struct {
	Filename    string   `json:"filename"`
	IsValid     bool     `json:"is_valid"`
	Score       float64  `json:"score"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

type BatchSummary struct {
	TotalFiles        int            `json:"total_files"`
	ValidFiles        int            `json:"valid_files"`
	FilesWithWarnings int            `json:"files_with_warnings"`
	FilesWithErrors   int            `json:"files_with_errors"`
	AverageScore      float64        `json:"average_score"`
	CommonIssues      map[string]int `json:"common_issues"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// BatchReport aggregates validation across every record file in a directory.
type BatchReport struct {
	Summary         BatchSummary `json:"summary"`
	DetailedResults []FileResult `json:"detailed_results"`
}

// ValidateDirectory validates each record file in dir. A file that cannot be read or
// parsed counts as an error with score 0; it never stops the batch.
func (v *Validator) ValidateDirectory(dir string) (*BatchReport, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("目錄不存在: %s", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, RecordGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	report := &BatchReport{
		Summary: BatchSummary{
			TotalFiles:   len(files),
			CommonIssues: map[string]int{},
			GeneratedAt:  time.Now(),
		},
		DetailedResults: []FileResult{},
	}

	total := 0.0
	for _, path := range files {
		name := filepath.Base(path)
		res, err := v.validateFile(path)
		if err != nil {
			v.logger.Warn("record could not be validated", "file", name, "error", err)
			report.DetailedResults = append(report.DetailedResults, FileResult{
				Filename:    name,
				Errors:      []string{fmt.Sprintf("處理檔案時發生錯誤: %v", err)},
				Warnings:    []string{},
				Suggestions: []string{"檢查檔案格式是否正確"},
			})
			report.Summary.FilesWithErrors++
			continue
		}

		if res.IsValid {
			report.Summary.ValidFiles++
		} else {
			report.Summary.FilesWithErrors++
		}
		if len(res.Warnings) > 0 {
			report.Summary.FilesWithWarnings++
		}
		total += res.QualityScore

		for _, issue := range append(append([]string{}, res.Errors...), res.Warnings...) {
			report.Summary.CommonIssues[issueKey(issue)]++
		}
		report.DetailedResults = append(report.DetailedResults, FileResult{
			Filename:    name,
			IsValid:     res.IsValid,
			Score:       res.QualityScore,
			Errors:      res.Errors,
			Warnings:    res.Warnings,
			Suggestions: res.Suggestions,
		})
	}
	if report.Summary.TotalFiles > 0 {
		report.Summary.AverageScore = total / float64(report.Summary.TotalFiles)
	}
	return report, nil
}

func (v *Validator) validateFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return v.ValidateJSON(data)
}

// issueKey strips the detail suffix so similar issues group together.
func issueKey(msg string) string {
	if i := strings.Index(msg, "("); i >= 0 {
		msg = msg[:i]
	}
	if i := strings.Index(msg, ":"); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}

// Save writes the report as indented JSON.
func (b *BatchReport) Save(path string) error {
	return utils.WriteJSONAtomic(path, b)
}

// Markdown renders a summary table, the most common issues and per-file details.
func (b *BatchReport) Markdown() string {
	var sb strings.Builder
	s := b.Summary

	sb.WriteString("# 財報數據品質報告\n\n")
	fmt.Fprintf(&sb, "產生時間: %s\n\n", s.GeneratedAt.Format("2006-01-02 15:04:05"))
	sb.WriteString("| 項目 | 數值 |\n|---|---|\n")
	fmt.Fprintf(&sb, "| 總檔案數 | %d |\n", s.TotalFiles)
	fmt.Fprintf(&sb, "| 有效檔案 | %d |\n", s.ValidFiles)
	fmt.Fprintf(&sb, "| 含警告檔案 | %d |\n", s.FilesWithWarnings)
	fmt.Fprintf(&sb, "| 含錯誤檔案 | %d |\n", s.FilesWithErrors)
	fmt.Fprintf(&sb, "| 平均品質分數 | %.1f |\n\n", s.AverageScore)

	if len(s.CommonIssues) > 0 {
		type issue struct {
			key   string
			count int
		}
		issues := make([]issue, 0, len(s.CommonIssues))
		for k, n := range s.CommonIssues {
			issues = append(issues, issue{k, n})
		}
		sort.Slice(issues, func(i, j int) bool {
			if issues[i].count != issues[j].count {
				return issues[i].count > issues[j].count
			}
			return issues[i].key < issues[j].key
		})
		sb.WriteString("## 常見問題\n\n| 問題 | 次數 |\n|---|---|\n")
		for _, is := range issues {
			fmt.Fprintf(&sb, "| %s | %d |\n", utils.EscapeTableCell(is.key), is.count)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## 檔案明細\n\n| 檔案 | 有效 | 分數 | 錯誤 | 警告 |\n|---|---|---|---|---|\n")
	for _, r := range b.DetailedResults {
		valid := "✗"
		if r.IsValid {
			valid = "✓"
		}
		fmt.Fprintf(&sb, "| %s | %s | %.1f | %s | %s |\n",
			utils.EscapeTableCell(r.Filename), valid, r.Score,
			utils.EscapeTableCell(strings.Join(r.Errors, "; ")),
			utils.EscapeTableCell(strings.Join(r.Warnings, "; ")))
	}
	return sb.String()
}

// HTML renders Markdown() as a standalone page.
func (b *BatchReport) HTML() (string, error) {
	return utils.MarkdownToHTML("財報數據品質報告", b.Markdown())
}
