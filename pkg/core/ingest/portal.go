// Package ingest acquires quarterly financial report PDFs from the TWSE document portal.
//
// The portal protocol is two-phase: a form POST to the query endpoint returns an HTML
// page that references the document under /pdf/, which is then fetched with a GET.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"financial_reports/pkg/core/config"
	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"
)

const (
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptPDF  = "application/pdf,application/octet-stream,*/*"

	// Error pages are small; the sniff window only needs to cover the opening tags.
	sniffBytes = 100
)

var pdfSignature = []byte("%PDF")

// Acquirer is the contract the pipeline depends on.
type Acquirer interface {
	Acquire(ctx context.Context, id models.DocumentIdentity) (*models.RawDocument, error)
}

// =============================================================================
// PORTAL CLIENT
// =============================================================================

// PortalClient talks to the document portal.
type PortalClient struct {
	cfg        config.PortalConfig
	convention models.PeriodConvention
	httpClient *http.Client
	logger     *slog.Logger

	// sleep blocks between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPortalClient creates a client from portal settings.
func NewPortalClient(cfg config.PortalConfig, convention models.PeriodConvention, logger *slog.Logger) *PortalClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 1
	}
	return &PortalClient{
		cfg:        cfg,
		convention: convention,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before attempt n+1, doubling per attempt: base, 2*base, 4*base...
func (c *PortalClient) Backoff(attempt int) time.Duration {
	return c.cfg.BackoffBase << uint(attempt-1)
}

// Acquire runs query-then-download with retry. On success the returned document has
// passed the status, content-type, size and signature checks.
func (c *PortalClient) Acquire(ctx context.Context, id models.DocumentIdentity) (*models.RawDocument, error) {
	filename, err := models.ReportFilename(id, c.convention)
	if err != nil {
		return nil, &AcquisitionError{Identity: id, Attempts: 0, Last: err}
	}

	mismatches := 0
	var last error
	for attempt := 1; attempt <= c.cfg.MaxRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &AcquisitionError{Identity: id, Attempts: attempt - 1, Last: err}
		}

		c.logger.Info("acquiring report",
			"stock_code", id.StockCode, "year", id.Year, "season", id.Season,
			"attempt", attempt, "filename", filename)

		doc, err := c.attempt(ctx, id, filename)
		if err == nil {
			return doc, nil
		}
		last = err

		if errors.Is(err, ErrNoDataForPeriod) {
			c.logger.Info("no report published for period", "stock_code", id.StockCode, "period", id.Period())
			return nil, err
		}

		retry := IsTransient(err)
		var mismatch *ContentMismatchError
		if errors.As(err, &mismatch) && mismatch.StatusCode == http.StatusOK && mismatches == 0 {
			// A 200 with the wrong payload is usually a stale session; allow one more try.
			mismatches++
			retry = true
		}
		if !retry {
			c.logger.Warn("terminal acquisition failure", "stock_code", id.StockCode, "attempt", attempt, "error", err)
			return nil, &AcquisitionError{Identity: id, Attempts: attempt, Last: err}
		}

		c.logger.Warn("acquisition attempt failed", "stock_code", id.StockCode, "attempt", attempt, "error", err)
		if attempt == c.cfg.MaxRetry {
			break
		}
		if err := c.sleep(ctx, c.Backoff(attempt)); err != nil {
			return nil, &AcquisitionError{Identity: id, Attempts: attempt, Last: err}
		}
	}
	return nil, &AcquisitionError{Identity: id, Attempts: c.cfg.MaxRetry, Last: last}
}

// AcquireTo acquires the document and writes it to path. Nothing is written unless
// every validation passed.
func (c *PortalClient) AcquireTo(ctx context.Context, id models.DocumentIdentity, path string) (*models.RawDocument, error) {
	doc, err := c.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := utils.WriteFileAtomic(path, doc.Data); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", path, err)
	}
	doc.Path = path
	return doc, nil
}

func (c *PortalClient) attempt(ctx context.Context, id models.DocumentIdentity, filename string) (*models.RawDocument, error) {
	docPath, err := c.query(ctx, id, filename)
	if err != nil {
		return nil, err
	}
	downloadURL, err := resolve(c.cfg.BaseURL, docPath)
	if err != nil {
		return nil, fmt.Errorf("invalid document path %q: %w", docPath, err)
	}
	data, err := c.download(ctx, downloadURL)
	if err != nil {
		return nil, err
	}
	return &models.RawDocument{
		Identity:    id,
		FileName:    filename,
		Data:        data,
		SourceURL:   downloadURL,
		RetrievedAt: time.Now(),
		ByteSize:    int64(len(data)),
	}, nil
}

// query posts the search form and returns the document path from the response.
func (c *PortalClient) query(ctx context.Context, id models.DocumentIdentity, filename string) (string, error) {
	queryURL := c.cfg.QueryURL()
	form := url.Values{
		"step":     {"9"},
		"kind":     {"A"},
		"co_id":    {id.StockCode},
		"filename": {filename},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", acceptHTML)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", queryURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &NetworkError{Op: "query", URL: queryURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &NetworkError{Op: "query", URL: queryURL, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Op: "query", URL: queryURL, Err: err}
	}

	path := FindDocumentPath(string(body))
	if path == "" {
		return "", ErrNoDataForPeriod
	}
	c.logger.Debug("document path resolved", "stock_code", id.StockCode, "path", path)
	return path, nil
}

// download fetches the PDF and applies the acceptance checks.
func (c *PortalClient) download(ctx context.Context, downloadURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", acceptPDF)
	req.Header.Set("Referer", c.cfg.QueryURL())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "download", URL: downloadURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Op: "download", URL: downloadURL, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "download", URL: downloadURL, Err: err}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	size := int64(len(data))

	if size < c.cfg.MinDocumentBytes {
		return nil, &FileSizeAnomalyError{URL: downloadURL, Size: size, Min: c.cfg.MinDocumentBytes, HTML: looksLikeHTML(data)}
	}
	if !strings.Contains(contentType, "pdf") && !strings.Contains(contentType, "application/octet-stream") {
		return nil, &ContentMismatchError{URL: downloadURL, StatusCode: resp.StatusCode, ContentType: contentType, Reason: "unexpected content type"}
	}
	if !bytes.HasPrefix(data, pdfSignature) {
		return nil, &ContentMismatchError{URL: downloadURL, StatusCode: resp.StatusCode, ContentType: contentType, Reason: "missing %PDF signature"}
	}

	c.logger.Info("report downloaded", "url", downloadURL, "bytes", size)
	return data, nil
}

func looksLikeHTML(data []byte) bool {
	head := data
	if len(head) > sniffBytes {
		head = head[:sniffBytes]
	}
	lower := bytes.ToLower(head)
	return bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<body")) || bytes.Contains(lower, []byte("<!doctype html"))
}
