package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"financial_reports/pkg/models"

	"golang.org/x/time/rate"
)

// Pacer enforces the minimum delay between consecutive portal documents.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one document per delay. A zero delay disables pacing.
func NewPacer(delay time.Duration) *Pacer {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next document may start. The first call returns immediately.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// DownloadResult is the per-item outcome of a download-only batch.
type DownloadResult struct {
	Identity models.DocumentIdentity `json:"identity"`
	Success  bool                    `json:"success"`
	NoData   bool                    `json:"no_data,omitempty"`
	Message  string                  `json:"message"`
	PDFPath  string                  `json:"pdf_path,omitempty"`
	FileSize int64                   `json:"file_size,omitempty"`
}

// AcquireAll downloads each identity into dir sequentially, pacing between documents.
// A failed item never aborts the batch; cancellation stops it at the next document boundary.
func (c *PortalClient) AcquireAll(ctx context.Context, ids []models.DocumentIdentity, dir string) ([]DownloadResult, error) {
	pacer := NewPacer(c.cfg.DownloadDelay)
	results := make([]DownloadResult, 0, len(ids))

	for i, id := range ids {
		if err := pacer.Wait(ctx); err != nil {
			return results, err
		}
		filename, err := models.ReportFilename(id, c.convention)
		if err != nil {
			results = append(results, DownloadResult{Identity: id, Message: err.Error()})
			continue
		}
		path := filepath.Join(dir, filename)

		c.logger.Info("batch item", "index", i+1, "total", len(ids), "stock_code", id.StockCode, "period", id.Period())
		doc, err := c.AcquireTo(ctx, id, path)
		switch {
		case err == nil:
			results = append(results, DownloadResult{
				Identity: id, Success: true, Message: "downloaded",
				PDFPath: path, FileSize: doc.ByteSize,
			})
		case errors.Is(err, ErrNoDataForPeriod):
			results = append(results, DownloadResult{Identity: id, NoData: true, Message: "no data for period"})
		default:
			results = append(results, DownloadResult{Identity: id, Message: err.Error()})
		}
		if ctx.Err() != nil {
			return results, fmt.Errorf("batch cancelled after %d of %d: %w", i+1, len(ids), ctx.Err())
		}
	}
	return results, nil
}
