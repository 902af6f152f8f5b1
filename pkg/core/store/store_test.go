package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"financial_reports/pkg/models"

	"github.com/xuri/excelize/v2"
)

var base = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func entry(code, name string, year int, season string, hoursAfter int) models.IndexEntry {
	id := models.DocumentIdentity{StockCode: code, CompanyName: name, Year: year, Season: season}
	e := models.NewIndexEntry(id, "data/"+code+".pdf", "data/"+code+".json", 250000, true, base.Add(time.Duration(hoursAfter)*time.Hour))
	e.FileExists = true
	return e
}

type MockBackend struct {
	Catalog    *models.Catalog
	PersistErr error
	Persisted  []*models.Catalog
	Changed    [][]models.IndexEntry
}

func (m *MockBackend) Load(ctx context.Context) (*models.Catalog, error) { return m.Catalog, nil }

func (m *MockBackend) Persist(ctx context.Context, cat *models.Catalog, changed []models.IndexEntry) error {
	if m.PersistErr != nil {
		return m.PersistErr
	}
	m.Persisted = append(m.Persisted, cat)
	m.Changed = append(m.Changed, changed)
	return nil
}

func openMem(t *testing.T, entries ...models.IndexEntry) *RecordIndex {
	t.Helper()
	idx, err := OpenIndex(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if err := idx.Upsert(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	return idx
}

// ===== UPSERT =====

func TestUpsert_Cardinality(t *testing.T) {
	idx := openMem(t, entry("2330", "台積電", 2025, "Q1", 1), entry("2317", "鴻海", 2025, "Q1", 2))

	// same id replaces exactly one entry
	updated := entry("2330", "台積電", 2025, "Q1", 5)
	updated.FileSize = 999999
	if err := idx.Upsert(context.Background(), updated); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 2 {
		t.Fatalf("Len = %d after replacing, want 2", idx.Len())
	}
	got, _ := idx.Get("2330_2025Q1")
	if got.FileSize != 999999 {
		t.Errorf("entry not replaced: %+v", got)
	}

	// new id appends exactly one
	if err := idx.Upsert(context.Background(), entry("2330", "台積電", 2025, "Q2", 3)); err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 3 {
		t.Errorf("Len = %d after adding, want 3", idx.Len())
	}
}

func TestUpsert_SortedByCrawledAtDescending(t *testing.T) {
	idx := openMem(t,
		entry("1101", "台泥", 2024, "Q4", 1),
		entry("2330", "台積電", 2025, "Q1", 10),
		entry("2317", "鴻海", 2025, "Q1", 5),
	)
	entries := idx.Entries()
	want := []string{"2330_2025Q1", "2317_2025Q1", "1101_2024Q4"}
	for i, id := range want {
		if entries[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, entries[i].ID, id)
		}
	}
}

func TestUpsert_PersistFailureRollsBack(t *testing.T) {
	backend := &MockBackend{}
	idx, err := OpenIndex(context.Background(), backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(context.Background(), entry("2330", "台積電", 2025, "Q1", 1)); err != nil {
		t.Fatal(err)
	}
	if len(backend.Changed) != 1 || len(backend.Changed[0]) != 1 {
		t.Errorf("changed = %+v", backend.Changed)
	}

	backend.PersistErr = errors.New("disk full")
	if err := idx.Upsert(context.Background(), entry("2317", "鴻海", 2025, "Q1", 2)); err == nil {
		t.Fatal("expected persist error")
	}
	if idx.Len() != 1 || idx.Stats().TotalReports != 1 {
		t.Errorf("failed upsert left %d entries", idx.Len())
	}
}

func TestOpenIndex_DeduplicatesLoadedCatalog(t *testing.T) {
	older := entry("2330", "台積電", 2025, "Q1", 1)
	newer := entry("2330", "台積電", 2025, "Q1", 2)
	newer.FileSize = 1
	idx, err := OpenIndex(context.Background(), &MockBackend{Catalog: &models.Catalog{Reports: []models.IndexEntry{older, newer}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len = %d", idx.Len())
	}
	if got, _ := idx.Get("2330_2025Q1"); got.FileSize != 1 {
		t.Error("expected the most recent duplicate to win")
	}
}

// ===== SEARCH / STATS =====

func TestSearch(t *testing.T) {
	idx := openMem(t,
		entry("2330", "台積電", 2025, "Q1", 1),
		entry("2330", "台積電", 2024, "Q4", 2),
		entry("2317", "鴻海精密", 2025, "Q1", 3),
		entry("2454", "MediaTek", 2025, "Q2", 4),
	)
	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"all", Query{}, 4},
		{"by code", Query{StockCode: "2330"}, 2},
		{"code is exact", Query{StockCode: "233"}, 0},
		{"name substring", Query{CompanyName: "鴻海"}, 1},
		{"name case-insensitive", Query{CompanyName: "mediatek"}, 1},
		{"year", Query{Year: 2025}, 3},
		{"bare season", Query{Season: "1"}, 2},
		{"and", Query{StockCode: "2330", Year: 2025, Season: "Q1"}, 1},
		{"and mismatch", Query{StockCode: "2330", Season: "Q2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := idx.Search(tt.q); len(got) != tt.want {
				t.Errorf("Search(%+v) = %d results, want %d", tt.q, len(got), tt.want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	idx := openMem(t,
		entry("2330", "台積電", 2025, "Q1", 1),
		entry("2330", "台積電", 2024, "Q4", 2),
		entry("1101", "台泥", 2025, "Q1", 3),
	)
	s := idx.Stats()
	if s.TotalReports != 3 || s.TotalCompanies != 2 {
		t.Errorf("stats = %+v", s)
	}
	if len(s.Companies) != 2 || s.Companies[0] != "1101" || s.Companies[1] != "2330" {
		t.Errorf("companies = %v", s.Companies)
	}
	if s.YearsDistribution[2025] != 2 || s.YearsDistribution[2024] != 1 {
		t.Errorf("years = %v", s.YearsDistribution)
	}
	if s.ReportsPerCompany["2330"] != 2 {
		t.Errorf("per company = %v", s.ReportsPerCompany)
	}
	if s.LastUpdated.IsZero() {
		t.Error("last_updated not set")
	}
}

// ===== BACKENDS =====

func TestJSONCatalog_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	ctx := context.Background()

	idx, err := OpenIndex(ctx, NewJSONCatalog(path, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Len() != 0 {
		t.Fatal("missing catalog should load empty")
	}
	for _, e := range []models.IndexEntry{entry("2330", "台積電", 2025, "Q1", 1), entry("2317", "鴻海", 2025, "Q1", 2)} {
		if err := idx.Upsert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := OpenIndex(ctx, NewJSONCatalog(path, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	cat := reopened.Catalog()
	if cat.Version != models.CatalogVersion || cat.TotalReports != 2 || cat.Reports[0].ID != "2317_2025Q1" {
		t.Errorf("catalog = %+v", cat)
	}

	files, _ := os.ReadDir(dir)
	if len(files) != 1 {
		t.Errorf("temp files left behind: %d entries in dir", len(files))
	}
}

func TestSQLiteCatalog_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	backend, err := OpenSQLiteCatalog(path)
	if err != nil {
		t.Fatalf("OpenSQLiteCatalog: %v", err)
	}
	idx, err := OpenIndex(ctx, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, entry("2330", "台積電", 2025, "Q1", 1)); err != nil {
		t.Fatal(err)
	}
	replacement := entry("2330", "台積電", 2025, "Q1", 4)
	replacement.DownloadSuccess = false
	if err := idx.Upsert(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, entry("2454", "聯發科", 2025, "Q1", 2)); err != nil {
		t.Fatal(err)
	}
	backend.Close()

	backend, err = OpenSQLiteCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()
	reopened, err := OpenIndex(ctx, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reopened.Len())
	}
	got, _ := reopened.Get("2330_2025Q1")
	if got.DownloadSuccess || !got.CrawledAt.Equal(replacement.CrawledAt) || got.CompanyName != "台積電" {
		t.Errorf("entry = %+v", got)
	}

	if err := reopened.Replace(ctx, []models.IndexEntry{entry("1101", "台泥", 2024, "Q4", 1)}); err != nil {
		t.Fatal(err)
	}
	cat, err := backend.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cat.Reports) != 1 || cat.Reports[0].ID != "1101_2024Q4" {
		t.Errorf("replace left %+v", cat.Reports)
	}
}

func TestOpenPool_RequiresURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := OpenPool(context.Background(), ""); err == nil {
		t.Error("expected error without a database URL")
	}
	if _, err := OpenPostgresCatalog(context.Background(), "://not a url"); err == nil {
		t.Error("expected error for an unparsable database URL")
	}
}

func TestPostgresCatalog(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres catalog test")
	}
	ctx := context.Background()
	backend, err := OpenPostgresCatalog(ctx, dbURL)
	if err != nil {
		t.Fatalf("OpenPostgresCatalog: %v", err)
	}
	defer backend.Close()
	idx, err := OpenIndex(ctx, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := entry("9999", "測試公司", 2001, "Q1", 1)
	if err := idx.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}
	cat, err := backend.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range cat.Reports {
		if r.ID == e.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("%s not persisted", e.ID)
	}
	backend.pool.Exec(ctx, `DELETE FROM report_index WHERE id = $1`, e.ID)
}

// ===== REBUILD / EXPORT =====

func TestRebuildFromDirectory(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("202501_2330_AI1.pdf", "%PDF-1.4 tsmc")
	write("202501_2330_AI1.json", `{"stock_code": "2330", "company_name": "台積電",}`)
	write("202402_2317_AI1.pdf", "%PDF-1.4 foxconn")
	write("notes_AI1.pdf", "ignored")
	write("readme.txt", "ignored")

	idx := openMem(t, entry("0000", "stale", 2020, "Q1", 1))
	n, err := idx.RebuildFromDirectory(context.Background(), dir, models.PeriodSequential)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || idx.Len() != 2 {
		t.Fatalf("rebuilt %d entries, index has %d", n, idx.Len())
	}
	tsmc, ok := idx.Get("2330_2025Q1")
	if !ok || tsmc.CompanyName != "台積電" || tsmc.JSONFile == "" || !tsmc.FileExists {
		t.Errorf("2330 entry = %+v", tsmc)
	}
	foxconn, ok := idx.Get("2317_2024Q2")
	if !ok || foxconn.CompanyName != UnknownCompany || foxconn.JSONFile != "" {
		t.Errorf("2317 entry = %+v", foxconn)
	}
	if _, ok := idx.Get("0000_2020Q1"); ok {
		t.Error("stale entry survived the rebuild")
	}
}

func TestExportXLSX(t *testing.T) {
	idx := openMem(t, entry("2330", "台積電", 2025, "Q1", 1), entry("2317", "鴻海", 2024, "Q4", 2))
	rec := models.NewCanonicalRecord(models.DocumentIdentity{StockCode: "2330", Year: 2025, Season: "Q1"})
	rev := 1234567.0
	rec.IncomeStatement.NetRevenue = &rev

	data, err := ExportXLSX(idx.Entries(), idx.Stats(), map[string]*models.CanonicalRecord{"2330_2025Q1": rec})
	if err != nil {
		t.Fatalf("ExportXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetReports)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "ID" {
		t.Fatalf("rows = %v", rows)
	}
	// most recent first: 2317 then 2330
	if rows[2][0] != "2330_2025Q1" || rows[2][10] != "1234567" {
		t.Errorf("2330 row = %v", rows[2])
	}
	summary, _ := f.GetRows(sheetSummary)
	if len(summary) == 0 || summary[0][1] != "2" {
		t.Errorf("summary = %v", summary)
	}
}
