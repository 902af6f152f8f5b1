// Package config loads crawler settings from defaults, an optional YAML file,
// a .env file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"financial_reports/pkg/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// PortalConfig describes the remote document portal.
type PortalConfig struct {
	BaseURL          string        `yaml:"base_url"`
	QueryPath        string        `yaml:"query_path"`
	UserAgent        string        `yaml:"user_agent"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetry         int           `yaml:"max_retry"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	DownloadDelay    time.Duration `yaml:"download_delay"`
	MinDocumentBytes int64         `yaml:"min_document_bytes"`
	PeriodConvention string        `yaml:"period_convention"`
}

// QueryURL is the absolute query endpoint.
func (p PortalConfig) QueryURL() string {
	return strings.TrimRight(p.BaseURL, "/") + p.QueryPath
}

// ClassifierThresholds tunes the text-density classification.
type ClassifierThresholds struct {
	SamplePages          int     `yaml:"sample_pages"`
	ExpectedCharsPerPage int     `yaml:"expected_chars_per_page"`
	TextRatio            float64 `yaml:"text_ratio"`
	ScannedRatio         float64 `yaml:"scanned_ratio"`
	MinTextChars         int     `yaml:"min_text_chars"`
	RichTextChars        int     `yaml:"rich_text_chars"`
	MaxScannedChars      int     `yaml:"max_scanned_chars"`
}

// DefaultClassifierThresholds returns the calibrated cut-offs.
func DefaultClassifierThresholds() ClassifierThresholds {
	return ClassifierThresholds{
		SamplePages:          5,
		ExpectedCharsPerPage: 500,
		TextRatio:            0.3,
		ScannedRatio:         0.05,
		MinTextChars:         100,
		RichTextChars:        1000,
		MaxScannedChars:      50,
	}
}

type OCRConfig struct {
	Engine             string  `yaml:"engine"` // "tesseract", "gemini" or "none"
	Languages          string  `yaml:"languages"`
	DPI                int     `yaml:"dpi"`
	MaxPages           int     `yaml:"max_pages"`
	MinTokenConfidence float64 `yaml:"min_token_confidence"`
	GeminiModel        string  `yaml:"gemini_model"`
	GeminiAPIKey       string  `yaml:"-"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	IndexBackend string `yaml:"index_backend"` // "json", "sqlite" or "postgres"
	IndexFile    string `yaml:"index_file"`
	SQLitePath   string `yaml:"sqlite_path"`
	DatabaseURL  string `yaml:"-"`
}

type ExtractConfig struct {
	PatternsFile string `yaml:"patterns_file"`
}

type ReconcileConfig struct {
	Policy string `yaml:"policy"` // "always" or "if_confident"
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the full crawler configuration.
type Config struct {
	Portal     PortalConfig         `yaml:"portal"`
	Classifier ClassifierThresholds `yaml:"classifier"`
	OCR        OCRConfig            `yaml:"ocr"`
	Storage    StorageConfig        `yaml:"storage"`
	Extract    ExtractConfig        `yaml:"extract"`
	Reconcile  ReconcileConfig      `yaml:"reconcile"`
	Log        LogConfig            `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:          "https://doc.twse.com.tw",
			QueryPath:        "/server-java/t57sb01",
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Timeout:          30 * time.Second,
			MaxRetry:         3,
			BackoffBase:      time.Second,
			DownloadDelay:    2 * time.Second,
			MinDocumentBytes: 10000,
			PeriodConvention: string(models.PeriodSequential),
		},
		Classifier: DefaultClassifierThresholds(),
		OCR: OCRConfig{
			Engine:             "tesseract",
			Languages:          "chi_tra+eng",
			DPI:                300,
			MaxPages:           15,
			MinTokenConfidence: 0.3,
			GeminiModel:        "gemini-2.5-flash",
		},
		Storage: StorageConfig{
			DataDir:      "data/financial_reports",
			IndexBackend: "json",
			IndexFile:    "index.json",
			SQLitePath:   "index.db",
		},
		Reconcile: ReconcileConfig{Policy: "always"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FR_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("FR_INDEX_BACKEND"); v != "" {
		c.Storage.IndexBackend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.OCR.GeminiAPIKey = v
	}
	if v := os.Getenv("FR_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FR_PERIOD_CONVENTION"); v != "" {
		c.Portal.PeriodConvention = v
	}
	if v := os.Getenv("FR_MAX_RETRY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FR_MAX_RETRY %q: %w", v, err)
		}
		c.Portal.MaxRetry = n
	}
	return nil
}

// Validate rejects settings the crawler cannot run with.
func (c *Config) Validate() error {
	if _, err := models.ParsePeriodConvention(c.Portal.PeriodConvention); err != nil {
		return err
	}
	if c.Portal.MaxRetry < 1 {
		return fmt.Errorf("max_retry must be at least 1, got %d", c.Portal.MaxRetry)
	}
	switch c.Storage.IndexBackend {
	case "json", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("index backend postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Storage.IndexBackend)
	}
	switch c.OCR.Engine {
	case "tesseract", "none":
	case "gemini":
		if c.OCR.GeminiAPIKey == "" {
			return fmt.Errorf("ocr engine gemini requires GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("unknown ocr engine %q", c.OCR.Engine)
	}
	switch c.Reconcile.Policy {
	case "always", "if_confident":
	default:
		return fmt.Errorf("unknown reconcile policy %q", c.Reconcile.Policy)
	}
	if c.Classifier.SamplePages < 1 || c.Classifier.ExpectedCharsPerPage < 1 {
		return fmt.Errorf("classifier sample_pages and expected_chars_per_page must be positive")
	}
	return nil
}

// Convention returns the parsed period convention. Validate has already checked it.
func (c *Config) Convention() models.PeriodConvention {
	conv, _ := models.ParsePeriodConvention(c.Portal.PeriodConvention)
	return conv
}

// IndexPath resolves the JSON catalog location inside the data directory.
func (c *Config) IndexPath() string {
	return c.resolve(c.Storage.IndexFile)
}

// SQLitePath resolves the SQLite catalog location inside the data directory.
func (c *Config) SQLitePath() string {
	return c.resolve(c.Storage.SQLitePath)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}
