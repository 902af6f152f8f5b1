package validate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RequiredFinancialFields drive the completeness bonus and the missing-data warning.
var RequiredFinancialFields = []string{
	models.FieldNetRevenue, models.FieldGrossProfit, models.FieldOperatingIncome,
	models.FieldNetIncome, models.FieldTotalAssets, models.FieldTotalLiabilities, models.FieldEquity,
}

// MetadataFields drive the metadata completeness bonus.
var MetadataFields = []string{"source", "file_name", "file_path", "file_size", "crawled_at"}

const (
	MsgMissingFinancialData = "缺少重要財務數據"
	MsgUnbalanced           = "資產負債表不平衡：資產 ≠ 負債 + 權益"
	MsgGrossOverRevenue     = "毛利不應大於營收"
	MsgOperatingOverGross   = "營業利益不應大於毛利"
	MsgSmallFile            = "PDF檔案過小，可能不完整"
)

// Report is the outcome of validating one record.
type Report struct {
	IsValid      bool     `json:"is_valid"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	Info         []string `json:"info"`
	QualityScore float64  `json:"quality_score"`
	Suggestions  []string `json:"suggestions"`
}

// Validator applies the rule table, the type schema and the cross-field checks.
type Validator struct {
	rules  []Rule
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileRecordSchema()
	if err != nil {
		return nil, err
	}
	return &Validator{rules: DefaultRules(), schema: schema, logger: logger}, nil
}

// Validate checks a record in its persisted JSON shape.
func (v *Validator) Validate(rec *models.CanonicalRecord) (*Report, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return v.ValidateJSON(data)
}

// ValidateJSON checks a raw record document, so type mismatches in hand-edited or
// damaged files are reported instead of failing the decode.
func (v *Validator) ValidateJSON(data []byte) (*Report, error) {
	var doc map[string]any
	if _, err := utils.DecodeLenient(data, &doc); err != nil {
		return nil, err
	}
	return v.validateDoc(doc), nil
}

func (v *Validator) validateDoc(doc map[string]any) *Report {
	r := &Report{Errors: []string{}, Warnings: []string{}, Info: []string{}, Suggestions: []string{}}

	for _, rule := range v.rules {
		msg := rule.apply(doc)
		if msg == "" {
			continue
		}
		switch rule.Severity {
		case SeverityError:
			r.Errors = append(r.Errors, msg)
		case SeverityWarning:
			r.Warnings = append(r.Warnings, msg)
		default:
			r.Info = append(r.Info, msg)
		}
	}
	r.Errors = append(r.Errors, typeErrors(v.schema, doc)...)

	v.customChecks(doc, r)

	r.IsValid = len(r.Errors) == 0
	r.QualityScore = qualityScore(doc, r)
	r.Suggestions = suggestions(doc, r)
	return r
}

func (v *Validator) customChecks(doc map[string]any, r *Report) {
	var missing []string
	for _, f := range RequiredFinancialFields {
		if _, ok := fieldValue(doc, f); !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", MsgMissingFinancialData, strings.Join(missing, ", ")))
	}

	assets, okA := fieldValue(doc, models.FieldTotalAssets)
	liabilities, okL := fieldValue(doc, models.FieldTotalLiabilities)
	equity, okE := fieldValue(doc, models.FieldEquity)
	if okA && okL && okE && !CheckBalanceRelative(assets, liabilities, equity, BalanceTolerance).IsBalanced {
		r.Errors = append(r.Errors, MsgUnbalanced)
	}

	revenue, okR := fieldValue(doc, models.FieldNetRevenue)
	gross, okG := fieldValue(doc, models.FieldGrossProfit)
	operating, okO := fieldValue(doc, models.FieldOperatingIncome)
	if okR && okG && !CheckNotGreater(gross, revenue).IsValid {
		r.Errors = append(r.Errors, MsgGrossOverRevenue)
	}
	if okG && okO && !CheckNotGreater(operating, gross).IsValid {
		r.Errors = append(r.Errors, MsgOperatingOverGross)
	}

	year, okY := lookup(doc, "report_year")
	crawled, okC := lookup(doc, "metadata.crawled_at")
	if okY && okC {
		y, yok := year.(float64)
		s, sok := crawled.(string)
		if yok && sok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				if d := t.Year() - int(y); d > 2 || d < -2 {
					r.Warnings = append(r.Warnings, fmt.Sprintf("報告年度(%d)與建立時間(%d)差距過大", int(y), t.Year()))
				}
			}
		}
	}

	// the range rule skips a missing size
	if size, ok := lookup(doc, "metadata.file_size"); !ok || size == nil {
		r.Warnings = append(r.Warnings, MsgSmallFile)
	}

	if es, ok := lookup(doc, "metadata.extraction_summary.field_source"); ok {
		if sources, ok := es.(map[string]any); ok {
			var ocr []string
			for _, f := range models.AllFields() {
				if sources[f] == string(models.SourceOCR) {
					ocr = append(ocr, f)
				}
			}
			if len(ocr) > 0 {
				r.Info = append(r.Info, "OCR擷取欄位: "+strings.Join(ocr, ", "))
			}
		}
	}
	if dt, ok := lookup(doc, "metadata.extraction_summary.document_type"); ok && dt != nil && dt != "" {
		r.Info = append(r.Info, fmt.Sprintf("文件類型: %v", dt))
	}
}

// fieldValue reads a numeric financial field from its section.
func fieldValue(doc map[string]any, field string) (float64, bool) {
	section, ok := models.FieldSection[field]
	if !ok {
		return 0, false
	}
	v, ok := lookup(doc, string(section)+"."+field)
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}

// qualityScore: 100, minus 20 per error and 5 per warning, plus up to 20 for financial
// completeness and up to 10 for metadata completeness, clamped to [0, 100].
func qualityScore(doc map[string]any, r *Report) float64 {
	score := 100.0
	score -= float64(len(r.Errors)) * 20
	score -= float64(len(r.Warnings)) * 5

	present := 0
	for _, f := range RequiredFinancialFields {
		if _, ok := fieldValue(doc, f); ok {
			present++
		}
	}
	score += float64(present) / float64(len(RequiredFinancialFields)) * 20

	meta := 0
	for _, f := range MetadataFields {
		if v, ok := lookup(doc, "metadata."+f); ok && v != nil {
			meta++
		}
	}
	score += float64(meta) / float64(len(MetadataFields)) * 10

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func suggestions(doc map[string]any, r *Report) []string {
	out := []string{}
	if containsAny(r.Errors, "股票代碼") {
		out = append(out, "檢查股票代碼格式，應為4位數字")
	}
	if containsAny(r.Warnings, "財務數據") {
		out = append(out, "建議重新處理PDF以提取更完整的財務數據")
	}

	fin, _ := lookup(doc, string(models.SectionFinancials))
	inc, _ := lookup(doc, string(models.SectionIncomeStatement))
	if (fin == nil || isEmpty(fin)) && (inc == nil || isEmpty(inc)) {
		out = append(out, "財務數據為空，建議：1) 檢查PDF是否為掃描版 2) 啟用OCR處理 3) 手動驗證數據提取")
	}
	if containsAny(r.Errors, MsgUnbalanced) {
		out = append(out, "資產負債表數值不一致，建議人工核對資產、負債及權益總額")
	}

	size := 0.0
	if v, ok := lookup(doc, "metadata.file_size"); ok {
		size, _ = v.(float64)
	}
	switch {
	case size > 20000000:
		out = append(out, "PDF檔案較大，建議檢查是否包含不必要的圖片或內容")
	case size < 100000:
		out = append(out, "PDF檔案較小，可能內容不完整")
	}
	return out
}

func containsAny(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
