// Package pipeline drives one report through acquisition, classification, extraction,
// reconciliation and indexing, and runs that flow over batches of reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"financial_reports/pkg/core/ingest"
	"financial_reports/pkg/core/reconcile"
	"financial_reports/pkg/core/store"
	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/core/validate"
	"financial_reports/pkg/models"

	"github.com/google/uuid"
)

// Classifier labels a downloaded document.
type Classifier interface {
	ClassifyBytes(data []byte) models.ClassificationResult
}

// FieldExtractor pulls financial fields out of a classified document.
type FieldExtractor interface {
	Extract(ctx context.Context, data []byte, cls models.ClassificationResult) ([]models.ExtractedField, error)
}

// Options controls where artifacts land and how batches are paced.
type Options struct {
	DataDir       string
	Convention    models.PeriodConvention
	DownloadDelay time.Duration
}

// Orchestrator manages the per-report data flow:
// Acquire -> Persist PDF -> Skeleton record -> Classify -> Extract -> Reconcile -> Index
type Orchestrator struct {
	acquirer   ingest.Acquirer
	classifier Classifier
	extractor  FieldExtractor
	records    *reconcile.RecordStore
	reconciler *reconcile.Engine
	index      *store.RecordIndex
	validator  *validate.Validator
	opts       Options
	logger     *slog.Logger

	now      func() time.Time
	newRunID func() string
}

// NewOrchestrator wires the components. records and reconciler must share the same
// record files; index may be an in-memory index.
func NewOrchestrator(
	acquirer ingest.Acquirer,
	classifier Classifier,
	extractor FieldExtractor,
	records *reconcile.RecordStore,
	reconciler *reconcile.Engine,
	index *store.RecordIndex,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Convention == "" {
		opts.Convention = models.PeriodSequential
	}
	return &Orchestrator{
		acquirer:   acquirer,
		classifier: classifier,
		extractor:  extractor,
		records:    records,
		reconciler: reconciler,
		index:      index,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newRunID:   uuid.NewString,
	}
}

// SetValidator enables a quality check after each reconciliation. The outcome is logged
// and reported in the result; it never blocks the pipeline.
func (o *Orchestrator) SetValidator(v *validate.Validator) {
	o.validator = v
}

// Result is the per-report outcome.
type Result struct {
	Identity     models.DocumentIdentity `json:"identity"`
	Success      bool                    `json:"success"`
	NoData       bool                    `json:"no_data,omitempty"`
	Message      string                  `json:"message"`
	PDFPath      string                  `json:"pdf_path,omitempty"`
	JSONPath     string                  `json:"json_path,omitempty"`
	FileSize     int64                   `json:"file_size,omitempty"`
	DocumentType models.DocumentType     `json:"document_type,omitempty"`
	FieldsFound  int                     `json:"fields_found"`
	Changed      int                     `json:"changed"`
	QualityScore *float64                `json:"quality_score,omitempty"`
}

// Paths returns where the PDF and its canonical record live for an identity.
func (o *Orchestrator) Paths(id models.DocumentIdentity) (pdfPath, jsonPath string, err error) {
	name, err := models.ReportFilename(id, o.opts.Convention)
	if err != nil {
		return "", "", err
	}
	pdfPath = filepath.Join(o.opts.DataDir, name)
	return pdfPath, strings.TrimSuffix(pdfPath, ".pdf") + ".json", nil
}

// Process runs the full flow for one report. A period with no published report is a
// normal outcome: the result has NoData set and the error is nil.
func (o *Orchestrator) Process(ctx context.Context, id models.DocumentIdentity) (Result, error) {
	res := Result{Identity: id}
	pdfPath, jsonPath, err := o.Paths(id)
	if err != nil {
		res.Message = err.Error()
		return res, err
	}

	// 1. Acquisition
	doc, err := o.acquirer.Acquire(ctx, id)
	if errors.Is(err, ingest.ErrNoDataForPeriod) {
		res.NoData = true
		res.Message = "no data for period"
		return res, nil
	}
	if err != nil {
		res.Message = err.Error()
		return res, err
	}
	if err := utils.WriteFileAtomic(pdfPath, doc.Data); err != nil {
		err = fmt.Errorf("failed to persist %s: %w", pdfPath, err)
		res.Message = err.Error()
		return res, err
	}
	doc.Path = pdfPath
	if doc.RetrievedAt.IsZero() {
		doc.RetrievedAt = o.now()
	}
	res.PDFPath, res.JSONPath, res.FileSize = pdfPath, jsonPath, doc.ByteSize

	// 2. Skeleton record on first acquisition; later acquisitions refresh provenance in step 5
	if _, err := o.records.Create(jsonPath, o.skeleton(id, doc)); err != nil {
		res.Message = err.Error()
		return res, err
	}

	// 3. Classification
	cls := o.classifier.ClassifyBytes(doc.Data)
	res.DocumentType = cls.Type
	o.logger.Info("document classified", "stock_code", id.StockCode, "period", id.Period(),
		"doc_type", cls.Type, "text_ratio", cls.TextDensityRatio)

	// 4. Extraction
	fields, err := o.extractor.Extract(ctx, doc.Data, cls)
	if err != nil {
		res.Message = err.Error()
		return res, err
	}
	res.FieldsFound = len(fields)

	// 5. Reconciliation
	updated, summary, err := o.reconciler.ReconcileFile(jsonPath, doc, fields, &cls)
	if err != nil {
		res.Message = err.Error()
		return res, err
	}
	res.Changed = summary.Count()

	// 6. Index
	if o.index != nil {
		if updated.CompanyName != "" {
			id.CompanyName = updated.CompanyName
		}
		entry := models.NewIndexEntry(id, pdfPath, jsonPath, doc.ByteSize, true, doc.RetrievedAt)
		entry.FileExists = utils.FileExists(pdfPath)
		if err := o.index.Upsert(ctx, entry); err != nil {
			res.Message = err.Error()
			return res, err
		}
	}

	// 7. Quality check (advisory)
	if o.validator != nil {
		if report, err := o.validator.Validate(updated); err != nil {
			o.logger.Warn("quality check failed", "stock_code", id.StockCode, "error", err)
		} else {
			score := report.QualityScore
			res.QualityScore = &score
			o.logger.Info("quality checked", "stock_code", id.StockCode, "period", id.Period(),
				"score", score, "errors", len(report.Errors), "warnings", len(report.Warnings))
		}
	}

	res.Success = true
	res.Message = fmt.Sprintf("extracted %d fields, %d changed", res.FieldsFound, res.Changed)
	return res, nil
}

func (o *Orchestrator) skeleton(id models.DocumentIdentity, doc *models.RawDocument) *models.CanonicalRecord {
	rec := models.NewCanonicalRecord(id)
	rec.SetProvenance(doc)
	return rec
}

// =============================================================================
// BATCH
// =============================================================================

// BatchReport summarises one batch run.
type BatchReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	NoData     int       `json:"no_data"`
	Failed     int       `json:"failed"`
	Results    []Result  `json:"results"`
}

// RunBatch processes identities strictly in order with the configured delay between
// documents. A failed item never aborts the batch. Cancellation is checked at each
// document boundary; the partial report is returned along with the context error.
func (o *Orchestrator) RunBatch(ctx context.Context, ids []models.DocumentIdentity) (*BatchReport, error) {
	report := &BatchReport{
		RunID:     o.newRunID(),
		StartedAt: o.now(),
		Total:     len(ids),
		Results:   make([]Result, 0, len(ids)),
	}
	log := o.logger.With("run_id", report.RunID)
	log.Info("batch started", "total", len(ids))

	pacer := ingest.NewPacer(o.opts.DownloadDelay)
	var stopErr error
	for i, id := range ids {
		if err := pacer.Wait(ctx); err != nil {
			stopErr = fmt.Errorf("batch cancelled after %d of %d: %w", i, len(ids), err)
			break
		}
		log.Info("batch item", "index", i+1, "total", len(ids), "stock_code", id.StockCode, "period", id.Period())

		res, err := o.Process(ctx, id)
		switch {
		case err == nil && res.NoData:
			report.NoData++
		case err == nil:
			report.Succeeded++
		default:
			report.Failed++
			log.Warn("batch item failed", "stock_code", id.StockCode, "period", id.Period(), "error", err)
		}
		report.Results = append(report.Results, res)

		if ctx.Err() != nil {
			stopErr = fmt.Errorf("batch cancelled after %d of %d: %w", i+1, len(ids), ctx.Err())
			break
		}
	}

	report.FinishedAt = o.now()
	log.Info("batch finished", "succeeded", report.Succeeded, "no_data", report.NoData, "failed", report.Failed)
	return report, stopErr
}

// Save writes the batch report as JSON.
func (r *BatchReport) Save(path string) error {
	return utils.WriteJSONAtomic(path, r)
}
