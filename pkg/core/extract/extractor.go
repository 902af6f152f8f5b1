// Package extract pulls the eleven canonical financial fields out of report text and
// OCR output with ordered, tagged label matchers.
package extract

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"financial_reports/pkg/core/docreader"
	"financial_reports/pkg/models"
)

const (
	TextConfidence = 1.0
	OCRConfidence  = 0.7

	// Inputs shorter than these are noise (cover pages, failed OCR) and yield nothing.
	MinTextLength = 100
	MinOCRLength  = 50
)

// Options configure the OCR path. Zero values disable OCR.
type Options struct {
	OCR                docreader.OCREngine
	Rasterizer         docreader.Rasterizer
	OCRMaxPages        int
	MinTokenConfidence float64
}

// Extractor runs the pattern set over a document according to its classification.
type Extractor struct {
	patterns *PatternSet
	reader   docreader.Reader
	opts     Options
	logger   *slog.Logger
}

func NewExtractor(patterns *PatternSet, reader docreader.Reader, opts Options, logger *slog.Logger) *Extractor {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{patterns: patterns, reader: reader, opts: opts, logger: logger}
}

// Extract returns one ExtractedField per recognized field, in canonical field order.
// text_based and mixed documents are read as text; scanned and mixed documents go
// through OCR for the fields text did not yield. Absence is not an error: the only
// error returned is context cancellation.
func (e *Extractor) Extract(ctx context.Context, data []byte, cls models.ClassificationResult) ([]models.ExtractedField, error) {
	found := map[string]models.ExtractedField{}

	if cls.Type == models.DocTextBased || cls.Type == models.DocMixed {
		if lines, ok := e.textLines(data); ok {
			for _, f := range e.matchLines(lines, models.SourceText, TextConfidence, MinTextLength) {
				found[f.Field] = f
			}
		}
	}

	if cls.Type == models.DocScanned || cls.Type == models.DocMixed {
		if len(found) < len(e.patterns.Rules) {
			lines, err := e.ocrLines(ctx, data)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Warn("ocr unavailable, continuing with text results", "error", err)
			}
			for _, f := range e.matchLines(lines, models.SourceOCR, OCRConfidence, MinOCRLength) {
				if _, ok := found[f.Field]; !ok {
					found[f.Field] = f
				}
			}
		}
	}

	out := make([]models.ExtractedField, 0, len(found))
	for _, r := range e.patterns.Rules {
		if f, ok := found[r.Field]; ok {
			out = append(out, f)
		}
	}
	e.logger.Info("extraction finished", "doc_type", cls.Type, "fields_found", len(out))
	return out, nil
}

// ExtractText matches plain text directly, as used for text-sourced input.
func (e *Extractor) ExtractText(text string) []models.ExtractedField {
	return e.matchLines(strings.Split(text, "\n"), models.SourceText, TextConfidence, MinTextLength)
}

// ExtractOCR matches OCR text, tagging results with OCR provenance.
func (e *Extractor) ExtractOCR(text string) []models.ExtractedField {
	return e.matchLines(strings.Split(text, "\n"), models.SourceOCR, OCRConfidence, MinOCRLength)
}

// textLines returns page lines followed by table rows joined into lines.
func (e *Extractor) textLines(data []byte) ([]string, bool) {
	if e.reader == nil {
		return nil, false
	}
	doc, err := e.reader.Open(data)
	if err != nil {
		e.logger.Warn("text extraction failed", "error", err)
		return nil, false
	}

	var lines, tableLines []string
	for p := 1; p <= doc.NumPages(); p++ {
		if text, err := doc.ExtractText(p); err == nil {
			lines = append(lines, strings.Split(text, "\n")...)
		} else {
			e.logger.Debug("page text unavailable", "page", p, "error", err)
		}
		tables, err := doc.ExtractTables(p)
		if err != nil {
			continue
		}
		for _, t := range tables {
			for _, row := range t {
				tableLines = append(tableLines, strings.Join(row, " "))
			}
		}
	}
	return append(lines, tableLines...), true
}

func (e *Extractor) ocrLines(ctx context.Context, data []byte) ([]string, error) {
	if e.opts.OCR == nil || e.opts.Rasterizer == nil {
		e.logger.Info("ocr engine not configured, skipping ocr pass")
		return nil, nil
	}
	images, err := e.opts.Rasterizer.Rasterize(ctx, data, e.opts.OCRMaxPages)
	if err != nil {
		return nil, err
	}

	var lines []string
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		tokens, err := e.opts.OCR.Recognize(ctx, img)
		if err != nil {
			e.logger.Warn("ocr page failed", "page", i+1, "error", err)
			continue
		}
		for _, tok := range tokens {
			if tok.Confidence < e.opts.MinTokenConfidence {
				continue
			}
			lines = append(lines, tok.Text)
		}
	}
	return lines, nil
}

// matchLines walks the lines in order and, for each field not yet found, tries that
// field's matchers in priority order on the current line. The earliest line holding a
// plausible value wins.
func (e *Extractor) matchLines(lines []string, source models.Source, confidence float64, minLength int) []models.ExtractedField {
	total := 0
	cleaned := make([]string, 0, len(lines))
	for _, raw := range lines {
		total += utf8.RuneCountInString(raw) + 1
		if line := strings.TrimSpace(raw); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	if total < minLength {
		return nil
	}

	found := make(map[string]models.ExtractedField, len(e.patterns.Rules))
	for _, line := range cleaned {
		if len(found) == len(e.patterns.Rules) {
			break
		}
		for _, rule := range e.patterns.Rules {
			if _, ok := found[rule.Field]; ok {
				continue
			}
			if f, ok := matchRule(rule, line); ok {
				f.Confidence = confidence
				f.Source = source
				e.logger.Debug("field extracted", "field", f.Field, "value", f.Value, "source", source)
				found[rule.Field] = f
			}
		}
	}

	var out []models.ExtractedField
	for _, rule := range e.patterns.Rules {
		if f, ok := found[rule.Field]; ok {
			out = append(out, f)
		}
	}
	return out
}

func matchRule(rule FieldRule, line string) (models.ExtractedField, bool) {
	for _, m := range rule.Matchers {
		num := m.Find(line)
		if num == "" {
			continue
		}
		value, ok := parseNumber(num)
		if !ok || !rule.Range.Contains(value) {
			continue
		}
		return models.ExtractedField{
			Field:   rule.Field,
			Value:   value,
			Line:    truncate(line, 100),
			Pattern: m.Pattern,
		}, true
	}
	return models.ExtractedField{}, false
}

// parseNumber removes grouping separators and parses the rest.
func parseNumber(s string) (float64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
