// Package docreader exposes the document primitives the crawler consumes:
// per-page text and tables from a PDF, page rasterization, and OCR engines.
package docreader

import (
	"context"
	"errors"
)

// ErrPageOutOfRange is returned for page numbers outside 1..NumPages.
var ErrPageOutOfRange = errors.New("page out of range")

// Table is a row-major grid of cell strings.
type Table [][]string

// Document is an opened PDF. Pages are 1-based.
type Document interface {
	NumPages() int
	ExtractText(page int) (string, error)
	ExtractTables(page int) ([]Table, error)
}

// Reader opens a PDF byte stream.
type Reader interface {
	Open(data []byte) (Document, error)
}

// OCRToken is one recognized unit of text with its engine confidence in [0,1].
// Engines in this package emit one token per recognized line.
type OCRToken struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// OCREngine recognizes text in a single page image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) ([]OCRToken, error)
}

// Rasterizer renders the first maxPages pages of a PDF to PNG images.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages int) ([][]byte, error)
}

// FullText concatenates all page text separated by newlines. Pages that fail are skipped.
func FullText(doc Document) string {
	var out []byte
	for i := 1; i <= doc.NumPages(); i++ {
		text, err := doc.ExtractText(i)
		if err != nil || text == "" {
			continue
		}
		out = append(out, text...)
		out = append(out, '\n')
	}
	return string(out)
}
