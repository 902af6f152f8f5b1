package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"financial_reports/pkg/models"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS report_index (
	id               TEXT PRIMARY KEY,
	stock_code       TEXT NOT NULL,
	company_name     TEXT NOT NULL DEFAULT '',
	year             INTEGER NOT NULL,
	season           TEXT NOT NULL,
	period           TEXT NOT NULL,
	pdf_file         TEXT NOT NULL DEFAULT '',
	json_file        TEXT NOT NULL DEFAULT '',
	file_size        INTEGER NOT NULL DEFAULT 0,
	download_success INTEGER NOT NULL DEFAULT 0,
	crawled_at       TEXT NOT NULL,
	file_exists      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_report_index_stock ON report_index(stock_code);
CREATE TABLE IF NOT EXISTS catalog_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

const sqliteUpsert = `
INSERT INTO report_index (
	id, stock_code, company_name, year, season, period,
	pdf_file, json_file, file_size, download_success, crawled_at, file_exists
) VALUES (
	:id, :stock_code, :company_name, :year, :season, :period,
	:pdf_file, :json_file, :file_size, :download_success, :crawled_at, :file_exists
)
ON CONFLICT (id) DO UPDATE SET
	stock_code = excluded.stock_code,
	company_name = excluded.company_name,
	year = excluded.year,
	season = excluded.season,
	period = excluded.period,
	pdf_file = excluded.pdf_file,
	json_file = excluded.json_file,
	file_size = excluded.file_size,
	download_success = excluded.download_success,
	crawled_at = excluded.crawled_at,
	file_exists = excluded.file_exists`

// indexRow is the column mapping of an IndexEntry. Timestamps are stored as RFC 3339 text.
type indexRow struct {
	ID              string `db:"id"`
	StockCode       string `db:"stock_code"`
	CompanyName     string `db:"company_name"`
	Year            int    `db:"year"`
	Season          string `db:"season"`
	Period          string `db:"period"`
	PDFFile         string `db:"pdf_file"`
	JSONFile        string `db:"json_file"`
	FileSize        int64  `db:"file_size"`
	DownloadSuccess bool   `db:"download_success"`
	CrawledAt       string `db:"crawled_at"`
	FileExists      bool   `db:"file_exists"`
}

func toRow(e models.IndexEntry) indexRow {
	return indexRow{
		ID: e.ID, StockCode: e.StockCode, CompanyName: e.CompanyName,
		Year: e.Year, Season: e.Season, Period: e.Period,
		PDFFile: e.PDFFile, JSONFile: e.JSONFile, FileSize: e.FileSize,
		DownloadSuccess: e.DownloadSuccess,
		CrawledAt:       e.CrawledAt.UTC().Format(time.RFC3339Nano),
		FileExists:      e.FileExists,
	}
}

func (r indexRow) entry() (models.IndexEntry, error) {
	crawled, err := time.Parse(time.RFC3339Nano, r.CrawledAt)
	if err != nil {
		return models.IndexEntry{}, fmt.Errorf("bad crawled_at for %s: %w", r.ID, err)
	}
	return models.IndexEntry{
		ID: r.ID, StockCode: r.StockCode, CompanyName: r.CompanyName,
		Year: r.Year, Season: r.Season, Period: r.Period,
		PDFFile: r.PDFFile, JSONFile: r.JSONFile, FileSize: r.FileSize,
		DownloadSuccess: r.DownloadSuccess, CrawledAt: crawled, FileExists: r.FileExists,
	}, nil
}

// SQLiteCatalog stores the catalog in an embedded SQLite database. Each mutation is a
// single transaction.
type SQLiteCatalog struct {
	db *sqlx.DB
}

// OpenSQLiteCatalog opens (creating if needed) the database file and applies the schema.
func OpenSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite", abs)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

func (c *SQLiteCatalog) Close() error { return c.db.Close() }

func (c *SQLiteCatalog) Load(ctx context.Context) (*models.Catalog, error) {
	var rows []indexRow
	if err := c.db.SelectContext(ctx, &rows, `SELECT * FROM report_index ORDER BY crawled_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to query report_index: %w", err)
	}
	cat := &models.Catalog{Version: models.CatalogVersion}
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		cat.Reports = append(cat.Reports, e)
	}
	cat.TotalReports = len(cat.Reports)

	var updated string
	err := c.db.GetContext(ctx, &updated, `SELECT value FROM catalog_meta WHERE key = 'last_updated'`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read catalog_meta: %w", err)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
			cat.LastUpdated = t
		}
	}
	return cat, nil
}

func (c *SQLiteCatalog) Persist(ctx context.Context, cat *models.Catalog, changed []models.IndexEntry) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows := changed
	if changed == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM report_index`); err != nil {
			return fmt.Errorf("failed to clear report_index: %w", err)
		}
		rows = cat.Reports
	}
	for _, e := range rows {
		if _, err := tx.NamedExecContext(ctx, sqliteUpsert, toRow(e)); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", e.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_meta (key, value) VALUES ('last_updated', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		cat.LastUpdated.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to update catalog_meta: %w", err)
	}
	return tx.Commit()
}
