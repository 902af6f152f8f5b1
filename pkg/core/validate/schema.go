package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recordSchema pins the JSON types of the persisted canonical record.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "stock_code":    {"type": "string"},
    "company_name":  {"type": "string"},
    "report_year":   {"type": "integer"},
    "report_season": {"type": "string"},
    "currency":      {"type": "string"},
    "unit":          {"type": "string"},
    "financials": {
      "type": "object",
      "properties": {
        "cash_and_equivalents": {"type": ["number", "null"]},
        "accounts_receivable":  {"type": ["number", "null"]},
        "inventory":            {"type": ["number", "null"]},
        "total_assets":         {"type": ["number", "null"]},
        "total_liabilities":    {"type": ["number", "null"]},
        "equity":               {"type": ["number", "null"]}
      }
    },
    "income_statement": {
      "type": "object",
      "properties": {
        "net_revenue":      {"type": ["number", "null"]},
        "gross_profit":     {"type": ["number", "null"]},
        "operating_income": {"type": ["number", "null"]},
        "net_income":       {"type": ["number", "null"]},
        "eps":              {"type": ["number", "null"]}
      }
    },
    "metadata": {
      "type": "object",
      "properties": {
        "file_size":             {"type": "integer"},
        "enhanced_fields_count": {"type": "integer"},
        "crawled_at":            {"type": "string"},
        "last_backfill":         {"type": "string"}
      }
    }
  }
}`

func compileRecordSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("record.json", strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("record.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// typeErrors flattens a schema validation failure into one message per offending field.
func typeErrors(schema *jsonschema.Schema, doc any) []string {
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{fmt.Sprintf("欄位類型不符 (%v)", err)}
	}

	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("欄位類型不符 (%s: %s)", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
