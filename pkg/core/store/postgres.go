package store

import (
	"context"
	"errors"
	"fmt"

	"financial_reports/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS report_index (
	id               TEXT PRIMARY KEY,
	stock_code       TEXT NOT NULL,
	company_name     TEXT NOT NULL DEFAULT '',
	year             INTEGER NOT NULL,
	season           TEXT NOT NULL,
	period           TEXT NOT NULL,
	pdf_file         TEXT NOT NULL DEFAULT '',
	json_file        TEXT NOT NULL DEFAULT '',
	file_size        BIGINT NOT NULL DEFAULT 0,
	download_success BOOLEAN NOT NULL DEFAULT FALSE,
	crawled_at       TIMESTAMPTZ NOT NULL,
	file_exists      BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_report_index_stock ON report_index(stock_code);
CREATE TABLE IF NOT EXISTS catalog_meta (
	key   TEXT PRIMARY KEY,
	value TIMESTAMPTZ NOT NULL
);`

// PostgresCatalog stores the catalog in the shared report_index table so several
// crawler hosts can see one catalog. Writers are still expected to be serialized.
type PostgresCatalog struct {
	pool  *pgxpool.Pool
	owned bool
}

// NewPostgresCatalog creates the tables if needed on a pool owned by the caller.
func NewPostgresCatalog(ctx context.Context, pool *pgxpool.Pool) (*PostgresCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres catalog requires a connection pool")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create report_index: %w", err)
	}
	return &PostgresCatalog{pool: pool}, nil
}

// OpenPostgresCatalog connects to dbURL and owns the pool; Close releases it.
func OpenPostgresCatalog(ctx context.Context, dbURL string) (*PostgresCatalog, error) {
	pool, err := OpenPool(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	c, err := NewPostgresCatalog(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// Close releases the pool if the catalog opened it.
func (c *PostgresCatalog) Close() {
	if c.owned {
		c.pool.Close()
	}
}

func (c *PostgresCatalog) Load(ctx context.Context) (*models.Catalog, error) {
	query := `
		SELECT id, stock_code, company_name, year, season, period,
		       pdf_file, json_file, file_size, download_success, crawled_at, file_exists
		FROM report_index
		ORDER BY crawled_at DESC
	`
	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query report_index: %w", err)
	}
	defer rows.Close()

	cat := &models.Catalog{Version: models.CatalogVersion}
	for rows.Next() {
		var e models.IndexEntry
		if err := rows.Scan(&e.ID, &e.StockCode, &e.CompanyName, &e.Year, &e.Season, &e.Period,
			&e.PDFFile, &e.JSONFile, &e.FileSize, &e.DownloadSuccess, &e.CrawledAt, &e.FileExists); err != nil {
			return nil, fmt.Errorf("failed to scan report_index row: %w", err)
		}
		cat.Reports = append(cat.Reports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	cat.TotalReports = len(cat.Reports)

	err = c.pool.QueryRow(ctx, `SELECT value FROM catalog_meta WHERE key = 'last_updated'`).Scan(&cat.LastUpdated)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read catalog_meta: %w", err)
	}
	return cat, nil
}

func (c *PostgresCatalog) Persist(ctx context.Context, cat *models.Catalog, changed []models.IndexEntry) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := changed
	if changed == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM report_index`); err != nil {
			return fmt.Errorf("failed to clear report_index: %w", err)
		}
		rows = cat.Reports
	}

	query := `
		INSERT INTO report_index (
			id, stock_code, company_name, year, season, period,
			pdf_file, json_file, file_size, download_success, crawled_at, file_exists
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET
			stock_code = EXCLUDED.stock_code,
			company_name = EXCLUDED.company_name,
			year = EXCLUDED.year,
			season = EXCLUDED.season,
			period = EXCLUDED.period,
			pdf_file = EXCLUDED.pdf_file,
			json_file = EXCLUDED.json_file,
			file_size = EXCLUDED.file_size,
			download_success = EXCLUDED.download_success,
			crawled_at = EXCLUDED.crawled_at,
			file_exists = EXCLUDED.file_exists,
			updated_at = NOW()
	`
	for _, e := range rows {
		if _, err := tx.Exec(ctx, query,
			e.ID, e.StockCode, e.CompanyName, e.Year, e.Season, e.Period,
			e.PDFFile, e.JSONFile, e.FileSize, e.DownloadSuccess, e.CrawledAt, e.FileExists,
		); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", e.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO catalog_meta (key, value) VALUES ('last_updated', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, cat.LastUpdated); err != nil {
		return fmt.Errorf("failed to update catalog_meta: %w", err)
	}
	return tx.Commit(ctx)
}
