package ingest

import (
	"errors"
	"fmt"

	"financial_reports/pkg/models"
)

// ErrNoDataForPeriod means the portal has no document for the requested period.
// It is terminal and never retried.
var ErrNoDataForPeriod = errors.New("no data for period")

// NetworkError covers transport failures and non-200 responses. Always transient.
type NetworkError struct {
	Op         string // "query" or "download"
	URL        string
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ContentMismatchError means the download succeeded but the payload is not a PDF.
type ContentMismatchError struct {
	URL         string
	StatusCode  int
	ContentType string
	Reason      string
}

func (e *ContentMismatchError) Error() string {
	return fmt.Sprintf("content mismatch at %s (status %d, content-type %q): %s", e.URL, e.StatusCode, e.ContentType, e.Reason)
}

// FileSizeAnomalyError reports a payload below the plausibility threshold.
// With HTML set the payload is an error page and the failure is terminal.
type FileSizeAnomalyError struct {
	URL  string
	Size int64
	Min  int64
	HTML bool
}

func (e *FileSizeAnomalyError) Error() string {
	kind := "binary"
	if e.HTML {
		kind = "html"
	}
	return fmt.Sprintf("implausible %s payload at %s: %d bytes (minimum %d)", kind, e.URL, e.Size, e.Min)
}

// AcquisitionError is returned once retries are exhausted or a terminal failure occurs.
type AcquisitionError struct {
	Identity models.DocumentIdentity
	Attempts int
	Last     error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s failed after %d attempt(s): %v", e.Identity, e.Attempts, e.Last)
}

func (e *AcquisitionError) Unwrap() error { return e.Last }

// IsTransient reports whether another attempt may succeed.
// ContentMismatch is handled separately by the retry loop, which grants it one extra attempt.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNoDataForPeriod) {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var sizeErr *FileSizeAnomalyError
	if errors.As(err, &sizeErr) {
		return !sizeErr.HTML
	}
	return false
}
