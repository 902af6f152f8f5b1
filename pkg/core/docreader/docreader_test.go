package docreader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"
)

// MockRunner records invocations and delegates to a func.
type MockRunner struct {
	Calls [][]string
	RunFn func(name string, args []string) ([]byte, []byte, error)
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	m.Calls = append(m.Calls, append([]string{name}, args...))
	return m.RunFn(name, args)
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t1000\t1000\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t10\t50\t20\t90\t營業收入\n" +
	"5\t1\t1\t1\t1\t2\t70\t10\t80\t20\t70\t1,234,567\n" +
	"5\t1\t1\t1\t2\t1\t10\t40\t50\t20\t60\t本期淨利\n"

func TestParseTesseractTSV(t *testing.T) {
	tokens := ParseTesseractTSV(sampleTSV)
	if len(tokens) != 2 {
		t.Fatalf("expected 2 line tokens, got %d: %+v", len(tokens), tokens)
	}
	if tokens[0].Text != "營業收入 1,234,567" {
		t.Errorf("line 1 = %q", tokens[0].Text)
	}
	if math.Abs(tokens[0].Confidence-0.8) > 1e-9 {
		t.Errorf("line 1 confidence = %v, want 0.8", tokens[0].Confidence)
	}
	if tokens[1].Text != "本期淨利" || math.Abs(tokens[1].Confidence-0.6) > 1e-9 {
		t.Errorf("line 2 = %+v", tokens[1])
	}
}

func TestTesseractEngine_Recognize(t *testing.T) {
	runner := &MockRunner{RunFn: func(name string, args []string) ([]byte, []byte, error) {
		return []byte(sampleTSV), nil, nil
	}}
	engine := NewTesseractEngine("chi_tra", runner, nil)

	tokens, err := engine.Recognize(context.Background(), []byte("png"))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	call := runner.Calls[0]
	if call[0] != "tesseract" || call[len(call)-1] != "tsv" || call[4] != "chi_tra" {
		t.Errorf("unexpected invocation: %v", call)
	}
}

func TestTesseractEngine_Failure(t *testing.T) {
	runner := &MockRunner{RunFn: func(name string, args []string) ([]byte, []byte, error) {
		return nil, []byte("Error opening data file"), errors.New("exit status 1")
	}}
	engine := NewTesseractEngine("", runner, nil)
	if _, err := engine.Recognize(context.Background(), []byte("png")); err == nil {
		t.Fatal("expected error")
	}
}

func TestPdftoppmRasterizer_OrdersPages(t *testing.T) {
	runner := &MockRunner{RunFn: func(name string, args []string) ([]byte, []byte, error) {
		prefix := args[len(args)-1]
		// pdftoppm pads to the page count width
		for _, n := range []string{"10", "02", "01"} {
			if err := os.WriteFile(fmt.Sprintf("%s-%s.png", prefix, n), []byte("img"+n), 0600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}}
	r := NewPdftoppmRasterizer(150, runner)

	images, err := r.Rasterize(context.Background(), []byte("%PDF-1.4"), 3)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	got := []string{string(images[0]), string(images[1]), string(images[2])}
	want := []string{"img01", "img02", "img10"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page %d = %s, want %s", i, got[i], want[i])
		}
	}
	args := strings.Join(runner.Calls[0], " ")
	if !strings.Contains(args, "-r 150") || !strings.Contains(args, "-l 3") {
		t.Errorf("unexpected args: %s", args)
	}
}

func TestPdftoppmRasterizer_NoImages(t *testing.T) {
	runner := &MockRunner{RunFn: func(name string, args []string) ([]byte, []byte, error) {
		return nil, nil, nil
	}}
	if _, err := NewPdftoppmRasterizer(0, runner).Rasterize(context.Background(), []byte("x"), 0); err == nil {
		t.Fatal("expected error when no pages are rendered")
	}
}

func TestSplitLines(t *testing.T) {
	tokens := SplitLines("```\n營業收入 100\n\n  毛利 50  \n```", 0.7)
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %+v", tokens)
	}
	if tokens[1].Text != "毛利 50" || tokens[1].Confidence != 0.7 {
		t.Errorf("token = %+v", tokens[1])
	}
}

func TestPDFReader_RejectsNonPDF(t *testing.T) {
	if _, err := NewPDFReader().Open([]byte("<html><body>error</body></html>")); err == nil {
		t.Fatal("expected error for non-PDF payload")
	}
}

// MockDocument is an in-memory Document.
type MockDocument struct {
	Pages []string
}

func (m *MockDocument) NumPages() int { return len(m.Pages) }
func (m *MockDocument) ExtractText(p int) (string, error) {
	if p < 1 || p > len(m.Pages) {
		return "", ErrPageOutOfRange
	}
	return m.Pages[p-1], nil
}
func (m *MockDocument) ExtractTables(p int) ([]Table, error) { return nil, nil }

func TestFullText(t *testing.T) {
	doc := &MockDocument{Pages: []string{"a", "", "b"}}
	if got := FullText(doc); got != "a\nb\n" {
		t.Errorf("FullText = %q", got)
	}
}
