package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"financial_reports/pkg/models"
)

// Backend persists the catalog. Persist receives the full catalog after a mutation
// together with the entries that mutation touched; a nil changed slice means the whole
// catalog was replaced.
type Backend interface {
	Load(ctx context.Context) (*models.Catalog, error)
	Persist(ctx context.Context, cat *models.Catalog, changed []models.IndexEntry) error
}

// RecordIndex is the deduplicated catalog of downloaded reports, keyed by
// stock code, year and season. All mutations go through one mutex, so only one
// read-modify-write of the catalog is ever in flight.
type RecordIndex struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
	now     func() time.Time

	entries     []models.IndexEntry
	lastUpdated time.Time
	stats       Stats
}

// Stats is recomputed from scratch after every mutation.
type Stats struct {
	TotalReports      int            `json:"total_reports"`
	TotalCompanies    int            `json:"total_companies"`
	Companies         []string       `json:"companies"`
	YearsDistribution map[int]int    `json:"years_distribution"`
	ReportsPerCompany map[string]int `json:"reports_per_company"`
	LastUpdated       time.Time      `json:"last_updated"`
}

// Query filters entries. Zero-valued fields match everything; set fields are ANDed.
type Query struct {
	StockCode   string
	CompanyName string // case-insensitive substring
	Year        int
	Season      string // "Q1" or "1"
}

// OpenIndex loads the catalog from the backend. A nil backend keeps the index in memory.
func OpenIndex(ctx context.Context, backend Backend, logger *slog.Logger) (*RecordIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &RecordIndex{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if backend != nil {
		cat, err := backend.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		if cat != nil {
			idx.entries = dedupe(cat.Reports)
			idx.lastUpdated = cat.LastUpdated
		}
	}
	idx.refresh()
	return idx, nil
}

// Upsert replaces the entry with the same id or appends a new one, then persists.
// If persisting fails the in-memory catalog is rolled back.
func (x *RecordIndex) Upsert(ctx context.Context, entry models.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev := append([]models.IndexEntry(nil), x.entries...)
	prevUpdated := x.lastUpdated

	replaced := false
	for i := range x.entries {
		if x.entries[i].ID == entry.ID {
			x.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		x.entries = append(x.entries, entry)
	}
	x.lastUpdated = x.now()
	x.refresh()

	if err := x.persist(ctx, []models.IndexEntry{entry}); err != nil {
		x.entries = prev
		x.lastUpdated = prevUpdated
		x.refresh()
		return err
	}
	if replaced {
		x.logger.Info("index entry updated", "id", entry.ID)
	} else {
		x.logger.Info("index entry added", "id", entry.ID)
	}
	return nil
}

// Replace swaps the whole catalog, as done by a rebuild.
func (x *RecordIndex) Replace(ctx context.Context, entries []models.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, prevUpdated := x.entries, x.lastUpdated
	x.entries = dedupe(entries)
	x.lastUpdated = x.now()
	x.refresh()
	if err := x.persist(ctx, nil); err != nil {
		x.entries, x.lastUpdated = prev, prevUpdated
		x.refresh()
		return err
	}
	return nil
}

// Get returns the entry with the given id.
func (x *RecordIndex) Get(id string) (models.IndexEntry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range x.entries {
		if e.ID == id {
			return e, true
		}
	}
	return models.IndexEntry{}, false
}

// Search returns matching entries, most recently crawled first.
func (x *RecordIndex) Search(q Query) []models.IndexEntry {
	season := ""
	if q.Season != "" {
		if s, err := models.NormalizeSeason(q.Season); err == nil {
			season = s
		} else {
			season = q.Season
		}
	}
	name := strings.ToLower(q.CompanyName)

	x.mu.Lock()
	defer x.mu.Unlock()

	var out []models.IndexEntry
	for _, e := range x.entries {
		if q.StockCode != "" && e.StockCode != q.StockCode {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(e.CompanyName), name) {
			continue
		}
		if q.Year != 0 && e.Year != q.Year {
			continue
		}
		if season != "" && e.Season != season {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Entries returns a copy of the catalog in crawl order.
func (x *RecordIndex) Entries() []models.IndexEntry {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]models.IndexEntry(nil), x.entries...)
}

func (x *RecordIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

func (x *RecordIndex) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.stats
	s.Companies = append([]string(nil), x.stats.Companies...)
	s.YearsDistribution = make(map[int]int, len(x.stats.YearsDistribution))
	for k, v := range x.stats.YearsDistribution {
		s.YearsDistribution[k] = v
	}
	s.ReportsPerCompany = make(map[string]int, len(x.stats.ReportsPerCompany))
	for k, v := range x.stats.ReportsPerCompany {
		s.ReportsPerCompany[k] = v
	}
	return s
}

// Catalog snapshots the index in its persisted shape.
func (x *RecordIndex) Catalog() *models.Catalog {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.catalog()
}

func (x *RecordIndex) catalog() *models.Catalog {
	return &models.Catalog{
		Version:      models.CatalogVersion,
		LastUpdated:  x.lastUpdated,
		TotalReports: len(x.entries),
		Reports:      append([]models.IndexEntry(nil), x.entries...),
	}
}

func (x *RecordIndex) persist(ctx context.Context, changed []models.IndexEntry) error {
	if x.backend == nil {
		return nil
	}
	if err := x.backend.Persist(ctx, x.catalog(), changed); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}
	return nil
}

// refresh re-sorts by crawled_at descending and recomputes the aggregates. Callers hold mu.
func (x *RecordIndex) refresh() {
	sort.SliceStable(x.entries, func(i, j int) bool {
		return x.entries[i].CrawledAt.After(x.entries[j].CrawledAt)
	})

	s := Stats{
		TotalReports:      len(x.entries),
		YearsDistribution: map[int]int{},
		ReportsPerCompany: map[string]int{},
		LastUpdated:       x.lastUpdated,
	}
	for _, e := range x.entries {
		s.YearsDistribution[e.Year]++
		s.ReportsPerCompany[e.StockCode]++
	}
	for code := range s.ReportsPerCompany {
		s.Companies = append(s.Companies, code)
	}
	sort.Strings(s.Companies)
	s.TotalCompanies = len(s.Companies)
	x.stats = s
}

// dedupe keeps the most recently crawled entry per id.
func dedupe(entries []models.IndexEntry) []models.IndexEntry {
	byID := make(map[string]int, len(entries))
	out := make([]models.IndexEntry, 0, len(entries))
	for _, e := range entries {
		if i, ok := byID[e.ID]; ok {
			if e.CrawledAt.After(out[i].CrawledAt) {
				out[i] = e
			}
			continue
		}
		byID[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// RebuildFromDirectory replaces the catalog with the entries found in dir.
func (x *RecordIndex) RebuildFromDirectory(ctx context.Context, dir string, conv models.PeriodConvention) (int, error) {
	entries, err := ScanDirectory(dir, conv, x.logger)
	if err != nil {
		return 0, err
	}
	if err := x.Replace(ctx, entries); err != nil {
		return 0, err
	}
	x.logger.Info("index rebuilt", "dir", dir, "reports", len(entries))
	return len(entries), nil
}
