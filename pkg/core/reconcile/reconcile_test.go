package reconcile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"financial_reports/pkg/models"
)

func ptr(v float64) *float64 { return &v }

func testEngine(policy Policy) *Engine {
	e := NewEngine(policy, nil, nil)
	e.now = func() time.Time { return time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC) }
	n := 0
	e.newID = func() string {
		n++
		return "run-" + string(rune('0'+n))
	}
	return e
}

func baseRecord() *models.CanonicalRecord {
	return models.NewCanonicalRecord(models.DocumentIdentity{StockCode: "2330", CompanyName: "台積電", Year: 2025, Season: "Q1"})
}

func textField(name string, v float64) models.ExtractedField {
	return models.ExtractedField{Field: name, Value: v, Confidence: 1.0, Source: models.SourceText}
}

func ocrField(name string, v float64) models.ExtractedField {
	return models.ExtractedField{Field: name, Value: v, Confidence: 0.7, Source: models.SourceOCR}
}

// ===== MERGE =====

func TestReconcile_RoutesFieldsBySection(t *testing.T) {
	e := testEngine(OverwriteAlways)
	rec := baseRecord()
	rec.Financials.TotalAssets = ptr(900)

	out, summary := e.Reconcile(rec, []models.ExtractedField{
		textField(models.FieldNetRevenue, 1234567),
		textField(models.FieldTotalAssets, 5000000),
		ocrField(models.FieldEPS, 2.5),
	}, &models.ClassificationResult{Type: models.DocMixed, TextDensityRatio: 0.12})

	if *out.IncomeStatement.NetRevenue != 1234567 || *out.Financials.TotalAssets != 5000000 || *out.IncomeStatement.EPS != 2.5 {
		t.Errorf("values not merged: %+v %+v", out.IncomeStatement, out.Financials)
	}
	if len(summary.IncomeStatement) != 2 || len(summary.Financials) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	ch := summary.Financials[0]
	if ch.Field != models.FieldTotalAssets || ch.OldValue == nil || *ch.OldValue != 900 || ch.NewValue != 5000000 {
		t.Errorf("change = %+v", ch)
	}
	if summary.IncomeStatement[0].OldValue != nil {
		t.Error("new field should have a null old value")
	}
	if rec.IncomeStatement.NetRevenue != nil || *rec.Financials.TotalAssets != 900 {
		t.Error("input record was modified")
	}

	es := out.Metadata.ExtractionSummary
	if es.FieldsFound != 3 || es.TotalPossibleFields != 11 || len(es.MissingFields) != 8 {
		t.Errorf("extraction summary = %+v", es)
	}
	if es.FieldSource[models.FieldEPS] != models.SourceOCR || es.FieldConfidence[models.FieldEPS] != 0.7 {
		t.Errorf("provenance lost: %+v", es)
	}
	if es.DocumentType != models.DocMixed {
		t.Errorf("document type = %s", es.DocumentType)
	}
	if out.Metadata.EnhancedFieldsCount != 3 || out.Metadata.ReconcileID != "run-1" || out.Metadata.LastBackfill == nil {
		t.Errorf("metadata = %+v", out.Metadata)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	e := testEngine(OverwriteAlways)
	extracted := []models.ExtractedField{
		textField(models.FieldNetIncome, 400000),
		textField(models.FieldEquity, 7000000),
	}

	first, s1 := e.Reconcile(baseRecord(), extracted, nil)
	if s1.Empty() {
		t.Fatal("first application should change the record")
	}
	second, s2 := e.Reconcile(first, extracted, nil)
	if !s2.Empty() {
		t.Errorf("second application changed fields: %+v", s2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("records differ after re-application:\n%+v\n%+v", first.Metadata, second.Metadata)
	}
}

func TestReconcile_NeverIntroducesAbsentFields(t *testing.T) {
	e := testEngine(OverwriteAlways)
	out, _ := e.Reconcile(baseRecord(), []models.ExtractedField{textField(models.FieldInventory, 45000)}, nil)
	for _, f := range models.AllFields() {
		if f == models.FieldInventory {
			continue
		}
		if out.Value(f) != nil {
			t.Errorf("%s introduced as %v", f, *out.Value(f))
		}
	}
}

func TestReconcile_UnknownFieldIgnored(t *testing.T) {
	e := testEngine(OverwriteAlways)
	out, summary := e.Reconcile(baseRecord(), []models.ExtractedField{textField("dividends", 10)}, nil)
	if !summary.Empty() || out.PopulatedFields() != 0 {
		t.Errorf("unknown field applied: %+v", summary)
	}
}

func TestReconcile_Policy(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		incoming models.ExtractedField
		want     float64
	}{
		{"always replaces text with ocr", OverwriteAlways, ocrField(models.FieldNetRevenue, 2000000), 2000000},
		{"confident keeps text over ocr", OverwriteIfConfident, ocrField(models.FieldNetRevenue, 2000000), 1000000},
		{"confident accepts equal confidence", OverwriteIfConfident, textField(models.FieldNetRevenue, 3000000), 3000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEngine(tt.policy)
			stored, _ := e.Reconcile(baseRecord(), []models.ExtractedField{textField(models.FieldNetRevenue, 1000000)}, nil)
			out, summary := e.Reconcile(stored, []models.ExtractedField{tt.incoming}, nil)
			if got := *out.IncomeStatement.NetRevenue; got != tt.want {
				t.Errorf("net_revenue = %v, want %v", got, tt.want)
			}
			if tt.want == 1000000 && len(summary.Skipped) != 1 {
				t.Errorf("skipped = %v", summary.Skipped)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != OverwriteAlways {
		t.Errorf("empty policy = %v, %v", p, err)
	}
	if _, err := ParsePolicy("never"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// ===== FILES =====

func writeRecord(t *testing.T, path string, rec *models.CanonicalRecord) {
	t.Helper()
	if err := NewRecordStore(nil).Save(path, rec); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileFile_BackupIsOneGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "202501_2330_AI1.json")
	writeRecord(t, path, baseRecord())
	original, _ := os.ReadFile(path)

	e := testEngine(OverwriteAlways)
	if _, _, err := e.ReconcileFile(path, nil, []models.ExtractedField{textField(models.FieldNetRevenue, 1000000)}, nil); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	backup, err := os.ReadFile(BackupPath(path))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != string(original) {
		t.Error("backup should hold the pre-reconciliation record")
	}

	afterFirst, _ := os.ReadFile(path)
	if _, _, err := e.ReconcileFile(path, nil, []models.ExtractedField{textField(models.FieldNetRevenue, 2000000)}, nil); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	backup, _ = os.ReadFile(BackupPath(path))
	if string(backup) != string(afterFirst) {
		t.Error("second reconciliation should overwrite the single backup")
	}

	rec, err := NewRecordStore(nil).Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if *rec.IncomeStatement.NetRevenue != 2000000 {
		t.Errorf("net_revenue = %v", *rec.IncomeStatement.NetRevenue)
	}
}

func TestReconcileFile_UnchangedSkipsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	writeRecord(t, path, baseRecord())
	e := testEngine(OverwriteAlways)
	extracted := []models.ExtractedField{textField(models.FieldEquity, 400)}

	if _, _, err := e.ReconcileFile(path, nil, extracted, nil); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)
	os.Remove(BackupPath(path))

	_, summary, err := e.ReconcileFile(path, nil, extracted, nil)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(path)
	if !summary.Empty() || string(before) != string(after) {
		t.Error("re-applying the same extraction rewrote the record")
	}
	if _, err := os.Stat(BackupPath(path)); !errors.Is(err, os.ErrNotExist) {
		t.Error("no backup should be taken when nothing is written")
	}
}

func TestReconcileFile_RefreshesProvenance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "202501_2330_AI1.json")
	writeRecord(t, path, baseRecord())
	original, _ := os.ReadFile(path)

	doc := &models.RawDocument{
		Path:        "data/202501_2330_AI1.pdf",
		SourceURL:   "https://doc.twse.com.tw/pdf/202501_2330_AI1_v2.pdf",
		RetrievedAt: time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC),
		ByteSize:    50009,
	}
	e := testEngine(OverwriteAlways)
	_, summary, err := e.ReconcileFile(path, doc, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Empty() {
		t.Errorf("provenance alone should not count as a field change: %+v", summary)
	}

	rec, err := NewRecordStore(nil).Load(path)
	if err != nil {
		t.Fatal(err)
	}
	md := rec.Metadata
	if md.FileSize != 50009 || md.DownloadURL != doc.SourceURL || md.CrawledAt == nil || !md.CrawledAt.Equal(doc.RetrievedAt) {
		t.Errorf("metadata = %+v", md)
	}
	if md.FileName != "202501_2330_AI1.pdf" {
		t.Errorf("file_name = %q", md.FileName)
	}
	backup, _ := os.ReadFile(BackupPath(path))
	if string(backup) != string(original) {
		t.Error("backup should hold the record as it was before the new document")
	}
}

func TestReconcileFile_WriteFailureKeepsPriorRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	writeRecord(t, path, baseRecord())
	original, _ := os.ReadFile(path)

	store := NewRecordStore(nil)
	store.write = func(p string, data []byte) error {
		if strings.HasSuffix(p, BackupSuffix) {
			return os.WriteFile(p, data, 0644)
		}
		return errors.New("disk full")
	}
	e := NewEngine(OverwriteAlways, store, nil)

	if _, _, err := e.ReconcileFile(path, nil, []models.ExtractedField{textField(models.FieldNetRevenue, 1)}, nil); err == nil {
		t.Fatal("expected write error")
	}
	current, _ := os.ReadFile(path)
	backup, _ := os.ReadFile(BackupPath(path))
	if string(current) != string(original) || string(backup) != string(original) {
		t.Error("prior record or backup was altered by a failed write")
	}
}

func TestLoad_RepairsTruncatedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	damaged := `{"stock_code": "2330", "company_name": "台積電", "report_year": 2025, "report_season": "Q1",
  "financials": {"total_assets": 1000000,`
	if err := os.WriteFile(path, []byte(damaged), 0644); err != nil {
		t.Fatal(err)
	}
	rec, err := NewRecordStore(nil).Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.StockCode != "2330" || rec.Financials.TotalAssets == nil || *rec.Financials.TotalAssets != 1000000 {
		t.Errorf("repaired record = %+v", rec)
	}
}

func TestRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	writeRecord(t, path, baseRecord())
	e := testEngine(OverwriteAlways)
	if _, _, err := e.ReconcileFile(path, nil, []models.ExtractedField{textField(models.FieldEPS, 3.2)}, nil); err != nil {
		t.Fatal(err)
	}
	store := NewRecordStore(nil)
	if err := store.Restore(path); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Load(path)
	if rec.IncomeStatement.EPS != nil {
		t.Error("restore should bring back the pre-reconciliation record")
	}
}

func TestCreate_DoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.json")
	store := NewRecordStore(nil)
	rec := baseRecord()
	rec.Financials.Equity = ptr(1)
	if created, err := store.Create(path, rec); err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	if created, err := store.Create(path, baseRecord()); err != nil || created {
		t.Fatalf("second Create = %v, %v", created, err)
	}
	got, _ := store.Load(path)
	if got.Financials.Equity == nil {
		t.Error("existing record was overwritten")
	}
}
