package extract

import (
	"fmt"
	"os"
	"regexp"

	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"
)

// MatcherKind makes a matcher's anchoring explicit instead of implied by list position.
type MatcherKind string

const (
	// KindSearch matches the label anywhere in the line.
	KindSearch MatcherKind = "search"
	// KindLineAnchor requires the label (or account code) at the start of the line.
	KindLineAnchor MatcherKind = "line_anchor"
)

// Matcher recognizes one label variant. The expression has exactly one capture group
// holding the number.
type Matcher struct {
	Kind    MatcherKind `json:"kind"`
	Pattern string      `json:"pattern"`
	re      *regexp.Regexp
}

// NewMatcher compiles a matcher. Line anchors get a leading ^\s*.
func NewMatcher(kind MatcherKind, pattern string) (Matcher, error) {
	expr := pattern
	switch kind {
	case KindSearch:
	case KindLineAnchor:
		expr = `^\s*` + pattern
	default:
		return Matcher{}, fmt.Errorf("unknown matcher kind %q", kind)
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return Matcher{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if re.NumSubexp() != 1 {
		return Matcher{}, fmt.Errorf("pattern %q must have exactly one capture group", pattern)
	}
	return Matcher{Kind: kind, Pattern: pattern, re: re}, nil
}

func mustMatcher(kind MatcherKind, pattern string) Matcher {
	m, err := NewMatcher(kind, pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Find returns the captured number text, or "" when the line does not match.
func (m Matcher) Find(line string) string {
	sub := m.re.FindStringSubmatch(line)
	if sub == nil {
		return ""
	}
	return sub[1]
}

// Range bounds a plausible value, inclusive.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// FieldRule is the ordered matcher list and plausibility range for one field.
// Matchers are evaluated in order and the first plausible match wins.
type FieldRule struct {
	Field    string
	Matchers []Matcher
	Range    Range
}

// PatternSet holds one rule per canonical field, in canonical field order.
type PatternSet struct {
	Rules []FieldRule
}

var (
	moneyRange = Range{Min: 1000, Max: 999999999999}
	epsRange   = Range{Min: 0.01, Max: 100}
)

const (
	amount    = `[^\d]*([0-9,]+)`
	dollarAmt = `[^\d]*\$?\s*([0-9,]+)`
	epsAmount = `[^\d]*([0-9]+\.[0-9]{1,3})`
)

// DefaultPatterns returns the built-in label set for TWSE quarterly reports.
// Account-code variants (4000, 5900, 6900, 8200) are anchored to the line start.
func DefaultPatterns() *PatternSet {
	s := func(p string) Matcher { return mustMatcher(KindSearch, p) }
	a := func(p string) Matcher { return mustMatcher(KindLineAnchor, p) }

	return &PatternSet{Rules: []FieldRule{
		{models.FieldNetRevenue, []Matcher{
			s(`營業收入` + dollarAmt),
			a(`4000[^\d]*營業收入` + dollarAmt),
			s(`營收` + dollarAmt),
		}, moneyRange},
		{models.FieldGrossProfit, []Matcher{
			s(`營業毛利` + amount),
			a(`5900[^\d]*營業毛利` + amount),
			s(`毛利` + amount),
		}, moneyRange},
		{models.FieldOperatingIncome, []Matcher{
			s(`營業利益` + amount),
			a(`6900[^\d]*營業利益` + amount),
			s(`營業淨利` + amount),
		}, moneyRange},
		{models.FieldNetIncome, []Matcher{
			s(`本期淨利` + dollarAmt),
			a(`8200[^\d]*本期淨利` + dollarAmt),
			s(`稅後淨利` + dollarAmt),
			s(`淨利` + dollarAmt),
		}, moneyRange},
		{models.FieldEPS, []Matcher{
			s(`每股盈餘` + epsAmount),
			s(`基本每股盈餘` + epsAmount),
		}, epsRange},
		{models.FieldCashAndEquivalents, []Matcher{
			s(`現金及約當現金` + amount),
			s(`現金及銀行存款` + amount),
		}, moneyRange},
		{models.FieldAccountsReceivable, []Matcher{
			s(`應收帳款` + amount),
			s(`應收帳款－淨額` + amount),
			s(`應收票據及帳款` + amount),
		}, moneyRange},
		{models.FieldInventory, []Matcher{
			s(`存貨` + amount),
			s(`存貨－淨額` + amount),
			s(`存\s*貨` + amount),
		}, moneyRange},
		{models.FieldTotalAssets, []Matcher{
			s(`資產總額` + amount),
			s(`資產合計` + amount),
			s(`資產總計` + amount),
		}, moneyRange},
		{models.FieldTotalLiabilities, []Matcher{
			s(`負債總額` + amount),
			s(`負債合計` + amount),
			s(`負債總計` + amount),
		}, moneyRange},
		{models.FieldEquity, []Matcher{
			s(`權益總額` + amount),
			s(`權益合計` + amount),
			s(`權益總計` + amount),
		}, moneyRange},
	}}
}

// Rule returns the rule for a field.
func (ps *PatternSet) Rule(field string) (FieldRule, bool) {
	for _, r := range ps.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return FieldRule{}, false
}

// =============================================================================
// HJSON OVERRIDES
// =============================================================================

type overrideFile struct {
	Fields map[string][]Matcher `json:"fields"`
	Ranges map[string]Range     `json:"ranges"`
}

// LoadPatterns starts from DefaultPatterns and replaces the matchers (and optionally
// ranges) of every field named in the HJSON file. Unknown field names are rejected.
func LoadPatterns(path string) (*PatternSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read patterns file: %w", err)
	}
	return ParsePatterns(string(data))
}

// ParsePatterns applies an HJSON override document to the defaults.
func ParsePatterns(src string) (*PatternSet, error) {
	var of overrideFile
	if err := utils.ParseHJSONToStruct(src, &of); err != nil {
		return nil, err
	}

	ps := DefaultPatterns()
	index := map[string]int{}
	for i, r := range ps.Rules {
		index[r.Field] = i
	}

	for field, matchers := range of.Fields {
		i, ok := index[field]
		if !ok {
			return nil, fmt.Errorf("unknown field %q in patterns file", field)
		}
		if len(matchers) == 0 {
			return nil, fmt.Errorf("field %q has no matchers", field)
		}
		compiled := make([]Matcher, 0, len(matchers))
		for _, m := range matchers {
			kind := m.Kind
			if kind == "" {
				kind = KindSearch
			}
			cm, err := NewMatcher(kind, m.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field, err)
			}
			compiled = append(compiled, cm)
		}
		ps.Rules[i].Matchers = compiled
	}
	for field, rng := range of.Ranges {
		i, ok := index[field]
		if !ok {
			return nil, fmt.Errorf("unknown field %q in ranges", field)
		}
		if rng.Min > rng.Max {
			return nil, fmt.Errorf("field %q: range min %v exceeds max %v", field, rng.Min, rng.Max)
		}
		ps.Rules[i].Range = rng
	}
	return ps, nil
}
