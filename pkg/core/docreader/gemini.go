package docreader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const geminiOCRPrompt = `Transcribe every line of text in this scanned financial statement page.
Keep the original line breaks and reading order. Keep numbers exactly as printed, including commas.
Output plain text only, no commentary.`

// GeminiOCR uses a Gemini multimodal model as the OCR engine. The model reports no
// per-line confidence, so every line carries DefaultConfidence.
type GeminiOCR struct {
	Model             string
	DefaultConfidence float64

	client *genai.Client
	logger *slog.Logger
}

// NewGeminiOCR creates the API client. apiKey must be non-empty.
func NewGeminiOCR(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiOCR, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiOCR{Model: model, DefaultConfidence: 0.7, client: client, logger: logger}, nil
}

func (g *GeminiOCR) Recognize(ctx context.Context, image []byte) ([]OCRToken, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(geminiOCRPrompt),
			genai.NewPartFromBytes(image, "image/png"),
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0)),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini ocr failed: %w", err)
	}
	tokens := SplitLines(result.Text(), g.DefaultConfidence)
	g.logger.Debug("gemini recognized page", "model", g.Model, "lines", len(tokens))
	return tokens, nil
}

// SplitLines turns free text into one token per non-blank line.
func SplitLines(text string, confidence float64) []OCRToken {
	var tokens []OCRToken
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "```") {
			continue
		}
		tokens = append(tokens, OCRToken{Text: ln, Confidence: confidence})
	}
	return tokens
}
