package validate

import (
	"fmt"
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type RuleType string

const (
	RuleRequired RuleType = "required"
	RuleRange    RuleType = "range"
	RuleFormat   RuleType = "format"
)

// Rule is one declarative check against a dotted field path of the record document.
// Type conformance is handled by the JSON schema rather than by rules.
type Rule struct {
	Field    string
	Type     RuleType
	Severity Severity
	Message  string
	Pattern  *regexp.Regexp
	Min, Max float64
}

// DefaultRules returns the rule table applied to every record.
func DefaultRules() []Rule {
	return []Rule{
		{Field: "stock_code", Type: RuleRequired, Severity: SeverityError, Message: "股票代碼為必要欄位"},
		{Field: "stock_code", Type: RuleFormat, Severity: SeverityError, Message: "股票代碼應為4位數字", Pattern: regexp.MustCompile(`^\d{4}$`)},
		{Field: "company_name", Type: RuleRequired, Severity: SeverityError, Message: "公司名稱為必要欄位"},
		{Field: "report_year", Type: RuleRange, Severity: SeverityWarning, Message: "報告年度應在合理範圍內(2000-2030)", Min: 2000, Max: 2030},
		{Field: "report_season", Type: RuleFormat, Severity: SeverityError, Message: "報告季度應為Q1-Q4格式", Pattern: regexp.MustCompile(`^Q[1-4]$`)},
		{Field: "financials", Type: RuleRequired, Severity: SeverityError, Message: "財務數據欄位為必要"},
		{Field: "income_statement", Type: RuleRequired, Severity: SeverityError, Message: "損益表數據為必要"},
		// implausible file sizes are marked as errors explicitly
		{Field: "metadata.file_size", Type: RuleRange, Severity: SeverityError, Message: "檔案大小異常", Min: 10000, Max: 50000000},
	}
}

// apply returns the failure message, or "" when the rule passes.
func (r Rule) apply(doc map[string]any) string {
	value, present := lookup(doc, r.Field)

	switch r.Type {
	case RuleRequired:
		if !present || value == nil {
			return r.Message
		}
		if isEmpty(value) {
			return r.Message + " (欄位為空)"
		}
	case RuleRange:
		n, ok := value.(float64)
		if !present || !ok {
			return ""
		}
		if n < r.Min {
			return fmt.Sprintf("%s (值太小: %v)", r.Message, formatNumber(n))
		}
		if n > r.Max {
			return fmt.Sprintf("%s (值太大: %v)", r.Message, formatNumber(n))
		}
	case RuleFormat:
		if !present || value == nil {
			return ""
		}
		s := fmt.Sprint(value)
		if n, ok := value.(float64); ok {
			s = formatNumber(n)
		}
		if !r.Pattern.MatchString(s) {
			return fmt.Sprintf("%s (格式不符: %s)", r.Message, s)
		}
	}
	return ""
}

// lookup walks a dotted path through nested objects.
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// isEmpty treats "", empty containers and objects whose values are all null as empty.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		for _, inner := range t {
			if inner != nil {
				return false
			}
		}
		return true
	}
	return false
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
