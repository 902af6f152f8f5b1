package docreader

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFReader reads born-digital PDFs with github.com/ledongthuc/pdf.
type PDFReader struct {
	// CellGap is the horizontal distance (in PDF units) that splits two text runs into separate cells.
	CellGap float64
}

func NewPDFReader() *PDFReader {
	return &PDFReader{CellGap: 12}
}

func (r *PDFReader) Open(data []byte) (Document, error) {
	pr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to create PDF reader: %w", err)
	}
	return &pdfDocument{r: pr, cellGap: r.CellGap}, nil
}

type pdfDocument struct {
	r       *pdf.Reader
	cellGap float64
}

func (d *pdfDocument) NumPages() int {
	return d.r.NumPage()
}

func (d *pdfDocument) page(n int) (pdf.Page, error) {
	if n < 1 || n > d.r.NumPage() {
		return pdf.Page{}, fmt.Errorf("page %d: %w", n, ErrPageOutOfRange)
	}
	p := d.r.Page(n)
	if p.V.IsNull() {
		return pdf.Page{}, fmt.Errorf("page %d is empty", n)
	}
	return p, nil
}

// ExtractText returns the page text with one line per text row.
// Malformed page trees can panic inside the library; those become errors.
func (d *pdfDocument) ExtractText(n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: pdf decode panic: %v", n, rec)
		}
	}()
	p, err := d.page(n)
	if err != nil {
		return "", err
	}
	rows, err := p.GetTextByRow()
	if err == nil && len(rows) > 0 {
		var b strings.Builder
		for _, row := range rows {
			for _, t := range row.Content {
				b.WriteString(t.S)
			}
			b.WriteByte('\n')
		}
		return b.String(), nil
	}
	return p.GetPlainText(nil)
}

// ExtractTables groups each text row into cells split on horizontal gaps.
// Consecutive rows with more than one cell form one table.
func (d *pdfDocument) ExtractTables(n int) (tables []Table, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: pdf decode panic: %v", n, rec)
		}
	}()
	p, err := d.page(n)
	if err != nil {
		return nil, err
	}
	rows, err := p.GetTextByRow()
	if err != nil {
		return nil, fmt.Errorf("page %d: failed to read rows: %w", n, err)
	}

	var current Table
	for _, row := range rows {
		cells := splitCells(row.Content, d.cellGap)
		if len(cells) > 1 {
			current = append(current, cells)
			continue
		}
		if len(current) > 0 {
			tables = append(tables, current)
			current = nil
		}
	}
	if len(current) > 0 {
		tables = append(tables, current)
	}
	return tables, nil
}

func splitCells(runs pdf.TextHorizontal, gap float64) []string {
	if len(runs) == 0 {
		return nil
	}
	sorted := make([]pdf.Text, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var cells []string
	var b strings.Builder
	end := sorted[0].X
	for i, t := range sorted {
		if i > 0 && t.X-end > gap {
			cells = append(cells, strings.TrimSpace(b.String()))
			b.Reset()
		}
		b.WriteString(t.S)
		end = math.Max(end, t.X+t.W)
	}
	cells = append(cells, strings.TrimSpace(b.String()))
	return cells
}
