package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"
)

// JSONCatalog keeps the catalog in a single JSON document. Every write goes to a temp
// file in the same directory and is renamed over the old catalog.
type JSONCatalog struct {
	path   string
	logger *slog.Logger
}

func NewJSONCatalog(path string, logger *slog.Logger) *JSONCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONCatalog{path: path, logger: logger}
}

func (c *JSONCatalog) Path() string { return c.path }

// Load returns an empty catalog when the file does not exist yet.
func (c *JSONCatalog) Load(ctx context.Context) (*models.Catalog, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return &models.Catalog{Version: models.CatalogVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var cat models.Catalog
	repaired, err := utils.DecodeLenient(data, &cat)
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog %s: %w", c.path, err)
	}
	if repaired {
		c.logger.Warn("catalog JSON was malformed and has been repaired", "path", c.path)
	}
	return &cat, nil
}

func (c *JSONCatalog) Persist(ctx context.Context, cat *models.Catalog, changed []models.IndexEntry) error {
	if cat.Reports == nil {
		cat.Reports = []models.IndexEntry{}
	}
	return utils.WriteJSONAtomic(c.path, cat)
}
