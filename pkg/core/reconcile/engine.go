// Package reconcile merges extracted fields into canonical records and keeps a
// one-generation backup of every record it rewrites.
package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"financial_reports/pkg/models"

	"github.com/google/uuid"
)

// Policy decides whether an extracted value may replace a stored one.
type Policy string

const (
	// OverwriteAlways lets extracted data supersede stored data whenever present.
	OverwriteAlways Policy = "always"
	// OverwriteIfConfident only replaces a stored value when the new confidence is at
	// least the confidence recorded for the stored value. Values with no recorded
	// confidence are always replaceable.
	OverwriteIfConfident Policy = "if_confident"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", OverwriteAlways:
		return OverwriteAlways, nil
	case OverwriteIfConfident:
		return OverwriteIfConfident, nil
	}
	return "", fmt.Errorf("unknown reconcile policy %q", s)
}

// Change is one field whose stored value moved.
type Change struct {
	Field      string        `json:"field"`
	OldValue   *float64      `json:"old_value"`
	NewValue   float64       `json:"new_value"`
	Confidence float64       `json:"confidence"`
	Source     models.Source `json:"source"`
}

// ChangeSummary lists changed fields per record section.
type ChangeSummary struct {
	ReconcileID     string   `json:"reconcile_id,omitempty"`
	Financials      []Change `json:"financials"`
	IncomeStatement []Change `json:"income_statement"`
	// Skipped lists fields the policy refused to overwrite.
	Skipped []string `json:"skipped,omitempty"`
}

func (s ChangeSummary) Count() int { return len(s.Financials) + len(s.IncomeStatement) }

func (s ChangeSummary) Empty() bool { return s.Count() == 0 }

// Engine applies extraction results to canonical records.
type Engine struct {
	policy Policy
	store  *RecordStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewEngine(policy Policy, store *RecordStore, logger *slog.Logger) *Engine {
	if policy == "" {
		policy = OverwriteAlways
	}
	if store == nil {
		store = NewRecordStore(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy: policy,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Reconcile returns an updated copy of rec with the extracted fields merged in. rec is
// not modified. cls, when non-nil, is recorded in the extraction summary.
//
// Applying the same extraction twice yields an identical record and an empty summary
// the second time: reconcile_id and last_backfill only move when a value changed.
func (e *Engine) Reconcile(rec *models.CanonicalRecord, extracted []models.ExtractedField, cls *models.ClassificationResult) (*models.CanonicalRecord, ChangeSummary) {
	out := rec.Clone()
	var summary ChangeSummary

	prior := out.Metadata.ExtractionSummary
	es := &models.ExtractionSummary{
		TotalPossibleFields: len(models.AllFields()),
		FieldConfidence:     map[string]float64{},
		FieldSource:         map[string]models.Source{},
		MissingFields:       []string{},
	}
	if prior != nil {
		for k, v := range prior.FieldConfidence {
			es.FieldConfidence[k] = v
		}
		for k, v := range prior.FieldSource {
			es.FieldSource[k] = v
		}
	}
	if cls != nil {
		es.DocumentType = cls.Type
		es.TextDensityRatio = cls.TextDensityRatio
	}

	seen := map[string]bool{}
	for _, f := range extracted {
		section, ok := models.FieldSection[f.Field]
		if !ok {
			e.logger.Warn("ignoring unknown extracted field", "field", f.Field)
			continue
		}
		if seen[f.Field] {
			continue
		}
		seen[f.Field] = true

		slot, _ := out.Slot(f.Field)
		old := *slot
		if old != nil && *old == f.Value {
			// same value; provenance may still improve
			if f.Confidence >= es.FieldConfidence[f.Field] {
				es.FieldConfidence[f.Field] = f.Confidence
				es.FieldSource[f.Field] = f.Source
			}
			continue
		}
		if old != nil && !e.allows(f, es) {
			summary.Skipped = append(summary.Skipped, f.Field)
			e.logger.Debug("kept stored value", "field", f.Field, "stored", *old, "extracted", f.Value)
			continue
		}

		v := f.Value
		*slot = &v
		es.FieldConfidence[f.Field] = f.Confidence
		es.FieldSource[f.Field] = f.Source

		ch := Change{Field: f.Field, NewValue: f.Value, Confidence: f.Confidence, Source: f.Source}
		if old != nil {
			ov := *old
			ch.OldValue = &ov
		}
		if section == models.SectionIncomeStatement {
			summary.IncomeStatement = append(summary.IncomeStatement, ch)
		} else {
			summary.Financials = append(summary.Financials, ch)
		}
	}

	es.FieldsFound = len(seen)
	for _, f := range models.AllFields() {
		if !seen[f] {
			es.MissingFields = append(es.MissingFields, f)
		}
	}
	out.Metadata.ExtractionSummary = es
	out.Metadata.EnhancedFieldsCount = out.PopulatedFields()

	if !summary.Empty() {
		now := e.now()
		summary.ReconcileID = e.newID()
		out.Metadata.LastBackfill = &now
		out.Metadata.ReconcileID = summary.ReconcileID
	}
	return out, summary
}

func (e *Engine) allows(f models.ExtractedField, es *models.ExtractionSummary) bool {
	if e.policy != OverwriteIfConfident {
		return true
	}
	stored, ok := es.FieldConfidence[f.Field]
	return !ok || f.Confidence >= stored
}

// ReconcileFile loads the record at path, merges the extraction and writes it back.
// doc, when non-nil, is the document the extraction came from and replaces the stored
// provenance (file size, crawl time, download URL). The previous file content is copied
// to the backup first. Nothing is written when the merge leaves the record unchanged.
// If the write fails the previous record and its backup are left in place.
func (e *Engine) ReconcileFile(path string, doc *models.RawDocument, extracted []models.ExtractedField, cls *models.ClassificationResult) (*models.CanonicalRecord, ChangeSummary, error) {
	rec, err := e.store.Load(path)
	if err != nil {
		return nil, ChangeSummary{}, err
	}

	updated, summary := e.Reconcile(rec, extracted, cls)
	if doc != nil {
		updated.SetProvenance(doc)
	}
	same, err := sameJSON(rec, updated)
	if err != nil {
		return nil, ChangeSummary{}, err
	}
	if same {
		e.logger.Info("record already up to date", "path", path)
		return updated, summary, nil
	}

	if err := e.store.Backup(path); err != nil {
		return nil, ChangeSummary{}, err
	}
	if err := e.store.Save(path, updated); err != nil {
		return nil, ChangeSummary{}, err
	}

	e.logger.Info("record reconciled",
		"stock_code", updated.StockCode,
		"year", updated.ReportYear,
		"season", updated.ReportSeason,
		"changed", summary.Count(),
		"populated", updated.Metadata.EnhancedFieldsCount)
	return updated, summary, nil
}
