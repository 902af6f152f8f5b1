package models

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default values stamped on every canonical record produced by the crawler.
const (
	DefaultCurrency  = "TWD"
	DefaultUnit      = "千元"
	DefaultSource    = "doc.twse.com.tw"
	ProcessorVersion = "go_v1.0"
)

// DocumentIdentity addresses one disclosure document.
type DocumentIdentity struct {
	StockCode   string `json:"stock_code"`
	CompanyName string `json:"company_name"`
	Year        int    `json:"year"`
	Season      string `json:"season"` // "Q1".."Q4"
}

// Key returns the dedup key shared by the canonical record and the index entry, e.g. "2330_2025Q1".
func (d DocumentIdentity) Key() string {
	return fmt.Sprintf("%s_%s", d.StockCode, d.Period())
}

// Period returns the "2025Q1" form.
func (d DocumentIdentity) Period() string {
	return fmt.Sprintf("%d%s", d.Year, d.Season)
}

func (d DocumentIdentity) String() string {
	if d.CompanyName == "" {
		return fmt.Sprintf("%s %s", d.StockCode, d.Period())
	}
	return fmt.Sprintf("%s(%s) %s", d.CompanyName, d.StockCode, d.Period())
}

// Quarter returns 1..4 for a valid season.
func (d DocumentIdentity) Quarter() (int, error) {
	return ParseSeason(d.Season)
}

// ParseSeason accepts "Q1".."Q4" (case-insensitive) or a bare "1".."4".
func ParseSeason(season string) (int, error) {
	s := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(season)), "Q")
	q, err := strconv.Atoi(s)
	if err != nil || q < 1 || q > 4 {
		return 0, fmt.Errorf("invalid fiscal period %q", season)
	}
	return q, nil
}

// NormalizeSeason maps "1", "q1", "Q1" to "Q1".
func NormalizeSeason(season string) (string, error) {
	q, err := ParseSeason(season)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Q%d", q), nil
}

// =============================================================================
// PERIOD / FILENAME CONVENTION
// =============================================================================

// PeriodConvention decides which two-digit month encodes a fiscal quarter in the portal filename.
type PeriodConvention string

const (
	// PeriodSequential maps Q1→01, Q2→02, Q3→03, Q4→04.
	PeriodSequential PeriodConvention = "sequential"
	// PeriodQuarterEnd maps Q1→03, Q2→06, Q3→09, Q4→12.
	PeriodQuarterEnd PeriodConvention = "quarter_end"
)

// ParsePeriodConvention validates a configured convention name.
func ParsePeriodConvention(s string) (PeriodConvention, error) {
	switch PeriodConvention(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodSequential, "":
		return PeriodSequential, nil
	case PeriodQuarterEnd:
		return PeriodQuarterEnd, nil
	}
	return "", fmt.Errorf("unknown period convention %q", s)
}

// Month returns the month code for a quarter.
func (c PeriodConvention) Month(quarter int) int {
	if c == PeriodQuarterEnd {
		return quarter * 3
	}
	return quarter
}

// Quarter inverts Month. ok is false for months the convention never produces.
func (c PeriodConvention) Quarter(month int) (int, bool) {
	if c == PeriodQuarterEnd {
		if month%3 != 0 || month < 3 || month > 12 {
			return 0, false
		}
		return month / 3, true
	}
	if month < 1 || month > 4 {
		return 0, false
	}
	return month, true
}

// ReportFilename builds "{YYYYMM}_{stock_code}_AI1.pdf".
func ReportFilename(id DocumentIdentity, conv PeriodConvention) (string, error) {
	q, err := id.Quarter()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d%02d_%s_AI1.pdf", id.Year, conv.Month(q), id.StockCode), nil
}

var reportFilenameRe = regexp.MustCompile(`^(\d{4})(\d{2})_(\d{4,6})_AI1\.pdf$`)

// ParseReportFilename recovers the identity (without company name) from a portal filename.
func ParseReportFilename(name string, conv PeriodConvention) (DocumentIdentity, error) {
	m := reportFilenameRe.FindStringSubmatch(name)
	if m == nil {
		return DocumentIdentity{}, fmt.Errorf("not a report filename: %s", name)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	q, ok := conv.Quarter(month)
	if !ok {
		return DocumentIdentity{}, fmt.Errorf("month %02d does not encode a quarter under %s convention", month, conv)
	}
	return DocumentIdentity{StockCode: m[3], Year: year, Season: fmt.Sprintf("Q%d", q)}, nil
}

// =============================================================================
// RAW DOCUMENT
// =============================================================================

type RawDocument struct {
	Identity    DocumentIdentity
	FileName    string
	Data        []byte
	SourceURL   string
	RetrievedAt time.Time
	ByteSize    int64
	Path        string // set once persisted
}

// =============================================================================
// EXTRACTION
// =============================================================================

type Source string

const (
	SourceText Source = "text"
	SourceOCR  Source = "ocr"
)

type ExtractedField struct {
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
	Line       string  `json:"line,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
}

type DocumentType string

const (
	DocTextBased DocumentType = "text_based"
	DocScanned   DocumentType = "scanned"
	DocMixed     DocumentType = "mixed"
)

type ClassificationResult struct {
	Type             DocumentType `json:"type"`
	TextDensityRatio float64      `json:"text_ratio"`
	SampledPages     int          `json:"sampled_pages"`
	TotalPages       int          `json:"total_pages"`
	MeaningfulChars  int          `json:"meaningful_chars"`
	Fallback         bool         `json:"fallback,omitempty"` // reader failed, defaults applied
}

// =============================================================================
// CANONICAL RECORD
// =============================================================================

type Section string

const (
	SectionFinancials      Section = "financials"
	SectionIncomeStatement Section = "income_statement"
)

// Field names, in canonical order.
const (
	FieldNetRevenue         = "net_revenue"
	FieldGrossProfit        = "gross_profit"
	FieldOperatingIncome    = "operating_income"
	FieldNetIncome          = "net_income"
	FieldEPS                = "eps"
	FieldCashAndEquivalents = "cash_and_equivalents"
	FieldAccountsReceivable = "accounts_receivable"
	FieldInventory          = "inventory"
	FieldTotalAssets        = "total_assets"
	FieldTotalLiabilities   = "total_liabilities"
	FieldEquity             = "equity"
)

var IncomeStatementFields = []string{
	FieldNetRevenue, FieldGrossProfit, FieldOperatingIncome, FieldNetIncome, FieldEPS,
}

var FinancialsFields = []string{
	FieldCashAndEquivalents, FieldAccountsReceivable, FieldInventory,
	FieldTotalAssets, FieldTotalLiabilities, FieldEquity,
}

// AllFields lists income statement fields first, then balance sheet fields.
func AllFields() []string {
	out := make([]string, 0, len(IncomeStatementFields)+len(FinancialsFields))
	out = append(out, IncomeStatementFields...)
	return append(out, FinancialsFields...)
}

// FieldSection routes a field name to its record section.
var FieldSection = map[string]Section{
	FieldNetRevenue:         SectionIncomeStatement,
	FieldGrossProfit:        SectionIncomeStatement,
	FieldOperatingIncome:    SectionIncomeStatement,
	FieldNetIncome:          SectionIncomeStatement,
	FieldEPS:                SectionIncomeStatement,
	FieldCashAndEquivalents: SectionFinancials,
	FieldAccountsReceivable: SectionFinancials,
	FieldInventory:          SectionFinancials,
	FieldTotalAssets:        SectionFinancials,
	FieldTotalLiabilities:   SectionFinancials,
	FieldEquity:             SectionFinancials,
}

type Financials struct {
	CashAndEquivalents *float64 `json:"cash_and_equivalents"`
	AccountsReceivable *float64 `json:"accounts_receivable"`
	Inventory          *float64 `json:"inventory"`
	TotalAssets        *float64 `json:"total_assets"`
	TotalLiabilities   *float64 `json:"total_liabilities"`
	Equity             *float64 `json:"equity"`
}

type IncomeStatement struct {
	NetRevenue      *float64 `json:"net_revenue"`
	GrossProfit     *float64 `json:"gross_profit"`
	OperatingIncome *float64 `json:"operating_income"`
	NetIncome       *float64 `json:"net_income"`
	EPS             *float64 `json:"eps"`
}

type ExtractionSummary struct {
	FieldsFound         int                `json:"fields_found"`
	TotalPossibleFields int                `json:"total_possible_fields"`
	FieldConfidence     map[string]float64 `json:"field_confidence"`
	FieldSource         map[string]Source  `json:"field_source"`
	MissingFields       []string           `json:"missing_fields"`
	DocumentType        DocumentType       `json:"document_type,omitempty"`
	TextDensityRatio    float64            `json:"text_density_ratio,omitempty"`
}

type Metadata struct {
	Source              string             `json:"source,omitempty"`
	FileName            string             `json:"file_name,omitempty"`
	FilePath            string             `json:"file_path,omitempty"`
	FileSize            int64              `json:"file_size,omitempty"`
	DownloadURL         string             `json:"download_url,omitempty"`
	CrawledAt           *time.Time         `json:"crawled_at,omitempty"`
	ProcessorVersion    string             `json:"processor_version,omitempty"`
	LastBackfill        *time.Time         `json:"last_backfill,omitempty"`
	ReconcileID         string             `json:"reconcile_id,omitempty"`
	EnhancedFieldsCount int                `json:"enhanced_fields_count,omitempty"`
	ExtractionSummary   *ExtractionSummary `json:"extraction_summary,omitempty"`
}

// CanonicalRecord is persisted verbatim as the per-period JSON file.
type CanonicalRecord struct {
	StockCode       string          `json:"stock_code"`
	CompanyName     string          `json:"company_name"`
	ReportYear      int             `json:"report_year"`
	ReportSeason    string          `json:"report_season"`
	Currency        string          `json:"currency"`
	Unit            string          `json:"unit"`
	Financials      Financials      `json:"financials"`
	IncomeStatement IncomeStatement `json:"income_statement"`
	Metadata        Metadata        `json:"metadata"`
}

// NewCanonicalRecord returns a skeleton record with every financial field unset.
func NewCanonicalRecord(id DocumentIdentity) *CanonicalRecord {
	return &CanonicalRecord{
		StockCode:    id.StockCode,
		CompanyName:  id.CompanyName,
		ReportYear:   id.Year,
		ReportSeason: id.Season,
		Currency:     DefaultCurrency,
		Unit:         DefaultUnit,
		Metadata: Metadata{
			Source:           DefaultSource,
			ProcessorVersion: ProcessorVersion,
		},
	}
}

// SetProvenance records where and when the source document was retrieved. A document
// without a path keeps the stored file name and path.
func (r *CanonicalRecord) SetProvenance(doc *RawDocument) {
	if doc.Path != "" {
		r.Metadata.FileName = filepath.Base(doc.Path)
		r.Metadata.FilePath = filepath.ToSlash(doc.Path)
	}
	r.Metadata.FileSize = doc.ByteSize
	r.Metadata.DownloadURL = doc.SourceURL
	crawled := doc.RetrievedAt
	r.Metadata.CrawledAt = &crawled
}

func (r *CanonicalRecord) Identity() DocumentIdentity {
	return DocumentIdentity{
		StockCode:   r.StockCode,
		CompanyName: r.CompanyName,
		Year:        r.ReportYear,
		Season:      r.ReportSeason,
	}
}

// Slot returns the storage location of a financial field.
func (r *CanonicalRecord) Slot(field string) (**float64, bool) {
	switch field {
	case FieldNetRevenue:
		return &r.IncomeStatement.NetRevenue, true
	case FieldGrossProfit:
		return &r.IncomeStatement.GrossProfit, true
	case FieldOperatingIncome:
		return &r.IncomeStatement.OperatingIncome, true
	case FieldNetIncome:
		return &r.IncomeStatement.NetIncome, true
	case FieldEPS:
		return &r.IncomeStatement.EPS, true
	case FieldCashAndEquivalents:
		return &r.Financials.CashAndEquivalents, true
	case FieldAccountsReceivable:
		return &r.Financials.AccountsReceivable, true
	case FieldInventory:
		return &r.Financials.Inventory, true
	case FieldTotalAssets:
		return &r.Financials.TotalAssets, true
	case FieldTotalLiabilities:
		return &r.Financials.TotalLiabilities, true
	case FieldEquity:
		return &r.Financials.Equity, true
	}
	return nil, false
}

// Value returns the stored value of a field, or nil.
func (r *CanonicalRecord) Value(field string) *float64 {
	slot, ok := r.Slot(field)
	if !ok {
		return nil
	}
	return *slot
}

// PopulatedFields counts non-null financial fields across both sections.
func (r *CanonicalRecord) PopulatedFields() int {
	n := 0
	for _, f := range AllFields() {
		if r.Value(f) != nil {
			n++
		}
	}
	return n
}

// SectionEmpty reports whether every field of a section is null.
func (r *CanonicalRecord) SectionEmpty(s Section) bool {
	fields := FinancialsFields
	if s == SectionIncomeStatement {
		fields = IncomeStatementFields
	}
	for _, f := range fields {
		if r.Value(f) != nil {
			return false
		}
	}
	return true
}

// Clone deep-copies the record so callers can diff before and after a merge.
func (r *CanonicalRecord) Clone() *CanonicalRecord {
	if r == nil {
		return nil
	}
	c := *r
	for _, f := range AllFields() {
		src := r.Value(f)
		dst, _ := c.Slot(f)
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	if r.Metadata.CrawledAt != nil {
		t := *r.Metadata.CrawledAt
		c.Metadata.CrawledAt = &t
	}
	if r.Metadata.LastBackfill != nil {
		t := *r.Metadata.LastBackfill
		c.Metadata.LastBackfill = &t
	}
	if s := r.Metadata.ExtractionSummary; s != nil {
		cs := *s
		cs.FieldConfidence = make(map[string]float64, len(s.FieldConfidence))
		for k, v := range s.FieldConfidence {
			cs.FieldConfidence[k] = v
		}
		cs.FieldSource = make(map[string]Source, len(s.FieldSource))
		for k, v := range s.FieldSource {
			cs.FieldSource[k] = v
		}
		cs.MissingFields = append([]string(nil), s.MissingFields...)
		c.Metadata.ExtractionSummary = &cs
	}
	return &c
}

// =============================================================================
// INDEX
// =============================================================================

type IndexEntry struct {
	ID              string    `json:"id"`
	StockCode       string    `json:"stock_code"`
	CompanyName     string    `json:"company_name"`
	Year            int       `json:"year"`
	Season          string    `json:"season"`
	Period          string    `json:"period"`
	PDFFile         string    `json:"pdf_file"`
	JSONFile        string    `json:"json_file"`
	FileSize        int64     `json:"file_size"`
	DownloadSuccess bool      `json:"download_success"`
	CrawledAt       time.Time `json:"crawled_at"`
	FileExists      bool      `json:"file_exists"`
}

// NewIndexEntry fills the derived id/period fields from the identity.
func NewIndexEntry(id DocumentIdentity, pdfPath, jsonPath string, size int64, success bool, crawledAt time.Time) IndexEntry {
	return IndexEntry{
		ID:              id.Key(),
		StockCode:       id.StockCode,
		CompanyName:     id.CompanyName,
		Year:            id.Year,
		Season:          id.Season,
		Period:          id.Period(),
		PDFFile:         strings.ReplaceAll(pdfPath, `\`, "/"),
		JSONFile:        strings.ReplaceAll(jsonPath, `\`, "/"),
		FileSize:        size,
		DownloadSuccess: success,
		CrawledAt:       crawledAt,
	}
}

// Catalog is the on-disk wrapper around the index entries.
type Catalog struct {
	Version      string       `json:"version"`
	LastUpdated  time.Time    `json:"last_updated"`
	TotalReports int          `json:"total_reports"`
	Reports      []IndexEntry `json:"reports"`
}

const CatalogVersion = "1.0"
