// Package classify labels a PDF as text_based, scanned or mixed from the density of
// meaningful characters on its first pages.
package classify

import (
	"log/slog"
	"strings"
	"unicode"

	"financial_reports/pkg/core/config"
	"financial_reports/pkg/core/docreader"
	"financial_reports/pkg/models"
)

// cjkPunctuation counts as meaningful alongside letters and digits.
const cjkPunctuation = "，。、；：！？\"（）【】"

// FallbackRatio is reported when the document cannot be read.
const FallbackRatio = 0.5

type Classifier struct {
	th     config.ClassifierThresholds
	reader docreader.Reader
	logger *slog.Logger
}

func NewClassifier(th config.ClassifierThresholds, reader docreader.Reader, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{th: th, reader: reader, logger: logger}
}

// ClassifyBytes opens the PDF and classifies it. A reader failure yields the text_based
// fallback so extraction is still attempted.
func (c *Classifier) ClassifyBytes(data []byte) models.ClassificationResult {
	doc, err := c.reader.Open(data)
	if err != nil {
		c.logger.Warn("document analysis failed, using defaults", "error", err)
		return c.fallback()
	}
	return c.Classify(doc)
}

// Classify samples the first pages of an opened document.
func (c *Classifier) Classify(doc docreader.Document) models.ClassificationResult {
	total := doc.NumPages()
	if total < 1 {
		c.logger.Warn("document has no pages, using defaults")
		return c.fallback()
	}

	sample := c.th.SamplePages
	if total < sample {
		sample = total
	}

	chars := 0
	for p := 1; p <= sample; p++ {
		text, err := doc.ExtractText(p)
		if err != nil {
			c.logger.Debug("page text unavailable", "page", p, "error", err)
			continue
		}
		chars += MeaningfulChars(text)
	}

	ratio := float64(chars) / float64(sample*c.th.ExpectedCharsPerPage)
	if ratio > 1 {
		ratio = 1
	}

	result := models.ClassificationResult{
		Type:             c.decide(chars, ratio),
		TextDensityRatio: ratio,
		SampledPages:     sample,
		TotalPages:       total,
		MeaningfulChars:  chars,
	}
	c.logger.Info("document classified",
		"doc_type", result.Type, "text_ratio", ratio, "meaningful_chars", chars, "pages", total)
	return result
}

// decide applies the rules in order: rich text, then near-empty, otherwise mixed.
func (c *Classifier) decide(chars int, ratio float64) models.DocumentType {
	if chars > c.th.MinTextChars && (ratio > c.th.TextRatio || chars > c.th.RichTextChars) {
		return models.DocTextBased
	}
	if ratio < c.th.ScannedRatio && chars < c.th.MaxScannedChars {
		return models.DocScanned
	}
	return models.DocMixed
}

func (c *Classifier) fallback() models.ClassificationResult {
	return models.ClassificationResult{
		Type:             models.DocTextBased,
		TextDensityRatio: FallbackRatio,
		SampledPages:     1,
		TotalPages:       1,
		MeaningfulChars:  c.th.RichTextChars,
		Fallback:         true,
	}
}

// MeaningfulChars counts letters, digits and the CJK punctuation set.
func MeaningfulChars(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || strings.ContainsRune(cjkPunctuation, r) {
			n++
		}
	}
	return n
}
