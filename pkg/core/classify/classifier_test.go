package classify

import (
	"errors"
	"strings"
	"testing"

	"financial_reports/pkg/core/config"
	"financial_reports/pkg/core/docreader"
	"financial_reports/pkg/models"
)

type MockDocument struct {
	Pages   []string
	FailOn  map[int]bool
	Touched []int
}

func (m *MockDocument) NumPages() int { return len(m.Pages) }

func (m *MockDocument) ExtractText(p int) (string, error) {
	m.Touched = append(m.Touched, p)
	if m.FailOn[p] {
		return "", errors.New("broken content stream")
	}
	return m.Pages[p-1], nil
}

func (m *MockDocument) ExtractTables(p int) ([]docreader.Table, error) { return nil, nil }

type MockReader struct {
	Doc docreader.Document
	Err error
}

func (m *MockReader) Open(data []byte) (docreader.Document, error) { return m.Doc, m.Err }

func pages(n int, text string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = text
	}
	return out
}

func TestMeaningfulChars(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		// space and comma are not counted
		{"營業收入 1,234", 8},
		{"（單位：千元）", 7},
		{"   \n\t-- ..", 0},
		{"Revenue！", 8},
	}
	for _, tt := range tests {
		if got := MeaningfulChars(tt.text); got != tt.want {
			t.Errorf("MeaningfulChars(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier(config.DefaultClassifierThresholds(), nil, nil)

	tests := []struct {
		name      string
		pages     []string
		wantType  models.DocumentType
		wantRatio float64
		sampled   int
	}{
		// 5 pages x 200 chars = 1000 chars, ratio 0.4
		{"dense text", pages(8, strings.Repeat("財", 200)), models.DocTextBased, 0.4, 5},
		// 1200 chars over 5 pages: above the rich-text count
		{"rich text", pages(5, strings.Repeat("a", 240)), models.DocTextBased, 0.48, 5},
		// 6 chars total: nearly empty
		{"scanned", pages(3, "P1"+strings.Repeat(" ", 50)), models.DocScanned, 6.0 / 1500.0, 3},
		// 200 chars over 5 pages = ratio 0.08
		{"mixed", pages(5, strings.Repeat("x", 40)), models.DocMixed, 0.08, 5},
		// 60 chars, ratio 0.024: not rich enough for text, too many chars for scanned
		{"sparse is mixed", pages(5, strings.Repeat("x", 12)), models.DocMixed, 0.024, 5},
		// ratio clamps at 1
		{"clamped", pages(1, strings.Repeat("x", 900)), models.DocTextBased, 1.0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &MockDocument{Pages: tt.pages}
			got := c.Classify(doc)
			if got.Type != tt.wantType {
				t.Errorf("Type = %s, want %s (chars=%d ratio=%.3f)", got.Type, tt.wantType, got.MeaningfulChars, got.TextDensityRatio)
			}
			if diff := got.TextDensityRatio - tt.wantRatio; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("ratio = %v, want %v", got.TextDensityRatio, tt.wantRatio)
			}
			if got.SampledPages != tt.sampled {
				t.Errorf("SampledPages = %d, want %d", got.SampledPages, tt.sampled)
			}
		})
	}
}

func TestClassify_SamplesOnlyFirstPages(t *testing.T) {
	th := config.DefaultClassifierThresholds()
	th.SamplePages = 2
	c := NewClassifier(th, nil, nil)
	doc := &MockDocument{Pages: pages(10, "text")}
	c.Classify(doc)
	if len(doc.Touched) != 2 || doc.Touched[0] != 1 || doc.Touched[1] != 2 {
		t.Errorf("touched pages %v, want [1 2]", doc.Touched)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	c := NewClassifier(config.DefaultClassifierThresholds(), nil, nil)
	doc := &MockDocument{Pages: pages(4, strings.Repeat("收", 60))}
	first := c.Classify(doc)
	second := c.Classify(doc)
	if first != second {
		t.Errorf("classification not idempotent: %+v vs %+v", first, second)
	}
}

func TestClassify_PageErrorCountsAsEmpty(t *testing.T) {
	c := NewClassifier(config.DefaultClassifierThresholds(), nil, nil)
	doc := &MockDocument{Pages: pages(2, strings.Repeat("x", 600)), FailOn: map[int]bool{2: true}}
	got := c.Classify(doc)
	if got.MeaningfulChars != 600 || got.TextDensityRatio != 0.6 {
		t.Errorf("got %+v", got)
	}
}

func TestClassifyBytes_ReaderFailureFallsBack(t *testing.T) {
	c := NewClassifier(config.DefaultClassifierThresholds(), &MockReader{Err: errors.New("not a PDF file")}, nil)
	got := c.ClassifyBytes([]byte("junk"))
	if got.Type != models.DocTextBased || !got.Fallback || got.TextDensityRatio != FallbackRatio {
		t.Errorf("fallback = %+v", got)
	}
}

func TestClassify_ThresholdsInjectable(t *testing.T) {
	th := config.DefaultClassifierThresholds()
	th.TextRatio = 0.05
	th.MinTextChars = 10
	c := NewClassifier(th, nil, nil)
	// 200 chars over 5 pages = 0.08: mixed by default, text_based with the lowered cut-off
	got := c.Classify(&MockDocument{Pages: pages(5, strings.Repeat("x", 40))})
	if got.Type != models.DocTextBased {
		t.Errorf("Type = %s, want text_based", got.Type)
	}
}
