package docreader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// TesseractEngine runs the tesseract CLI in TSV mode and returns one token per recognized line.
type TesseractEngine struct {
	Binary      string
	Languages   string
	PSM         int
	TessdataDir string

	runner Runner
	logger *slog.Logger
}

func NewTesseractEngine(languages string, runner Runner, logger *slog.Logger) *TesseractEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if languages == "" {
		languages = "chi_tra+eng"
	}
	return &TesseractEngine{Binary: "tesseract", Languages: languages, runner: runner, logger: logger}
}

func (e *TesseractEngine) Recognize(ctx context.Context, image []byte) ([]OCRToken, error) {
	tmp, err := os.CreateTemp("", "fr-ocr-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(image); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	tmp.Close()

	// tesseract <img> stdout -l <lang> [--psm N] tsv
	args := []string{tmp.Name(), "stdout", "-l", e.Languages}
	if e.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.PSM))
	}
	if e.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := e.runner.Run(ctx, e.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	tokens := ParseTesseractTSV(string(out))
	e.logger.Debug("tesseract recognized page", "lines", len(tokens))
	return tokens, nil
}

type tsvLineKey struct{ page, block, par, line int }

// ParseTesseractTSV folds word rows into line tokens. Line confidence is the mean word
// confidence scaled to [0,1]; rows with conf -1 (layout rows) are ignored.
func ParseTesseractTSV(tsv string) []OCRToken {
	type acc struct {
		words []string
		sum   float64
		n     int
		order int
	}
	lines := map[tsvLineKey]*acc{}

	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || strings.TrimSpace(ln) == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		key := tsvLineKey{atoi(cols[1]), atoi(cols[2]), atoi(cols[3]), atoi(cols[4])}
		a, ok := lines[key]
		if !ok {
			a = &acc{order: i}
			lines[key] = a
		}
		a.words = append(a.words, word)
		a.sum += conf
		a.n++
	}

	ordered := make([]*acc, 0, len(lines))
	for _, a := range lines {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	tokens := make([]OCRToken, 0, len(ordered))
	for _, a := range ordered {
		tokens = append(tokens, OCRToken{
			Text:       strings.Join(a.words, " "),
			Confidence: a.sum / float64(a.n) / 100,
		})
	}
	return tokens
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

// PdftoppmRasterizer renders pages with poppler's pdftoppm.
type PdftoppmRasterizer struct {
	Binary string
	DPI    int

	runner Runner
}

func NewPdftoppmRasterizer(dpi int, runner Runner) *PdftoppmRasterizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &PdftoppmRasterizer{Binary: "pdftoppm", DPI: dpi, runner: runner}
}

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages int) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "fr-pp-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	in := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(in, pdf, 0600); err != nil {
		return nil, fmt.Errorf("failed to stage pdf: %w", err)
	}
	prefix := filepath.Join(tmpDir, "page")

	// pdftoppm -r 300 -png [-f 1 -l N] in.pdf tmp/page
	args := []string{"-r", strconv.Itoa(r.DPI), "-png"}
	if maxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(maxPages))
	}
	args = append(args, in, prefix)
	if _, errb, err := r.runner.Run(ctx, r.Binary, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(string(errb)))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Slice(matches, func(i, j int) bool { return pageNumber(matches[i]) < pageNumber(matches[j]) })
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}

	images := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered page: %w", err)
		}
		images = append(images, data)
	}
	return images, nil
}

// pageNumber parses the N from ".../page-N.png"; pdftoppm zero-pads by page count.
func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0
	}
	return atoi(base[idx+1:])
}
