package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"financial_reports/pkg/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Portal.QueryURL() != "https://doc.twse.com.tw/server-java/t57sb01" {
		t.Errorf("QueryURL = %s", cfg.Portal.QueryURL())
	}
	if cfg.Convention() != models.PeriodSequential {
		t.Errorf("Convention = %s, want sequential", cfg.Convention())
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawler.yaml")
	yamlData := `
portal:
  max_retry: 5
  timeout: 10s
  period_convention: quarter_end
classifier:
  sample_pages: 3
  expected_chars_per_page: 400
storage:
  data_dir: /tmp/reports
`
	if err := os.WriteFile(path, []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FR_MAX_RETRY", "2")
	t.Setenv("FR_INDEX_BACKEND", "sqlite")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Portal.MaxRetry != 2 {
		t.Errorf("MaxRetry = %d, want env override 2", cfg.Portal.MaxRetry)
	}
	if cfg.Portal.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Portal.Timeout)
	}
	if cfg.Convention() != models.PeriodQuarterEnd {
		t.Errorf("Convention = %s", cfg.Convention())
	}
	if cfg.Classifier.SamplePages != 3 || cfg.Classifier.TextRatio != 0.3 {
		t.Errorf("classifier merge wrong: %+v", cfg.Classifier)
	}
	if cfg.Storage.IndexBackend != "sqlite" {
		t.Errorf("IndexBackend = %s", cfg.Storage.IndexBackend)
	}
	if cfg.SQLitePath() != filepath.Join("/tmp/reports", "index.db") {
		t.Errorf("SQLitePath = %s", cfg.SQLitePath())
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad convention", func(c *Config) { c.Portal.PeriodConvention = "monthly" }},
		{"zero retry", func(c *Config) { c.Portal.MaxRetry = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.IndexBackend = "redis" }},
		{"postgres without url", func(c *Config) { c.Storage.IndexBackend = "postgres" }},
		{"unknown policy", func(c *Config) { c.Reconcile.Policy = "never" }},
		{"gemini without key", func(c *Config) { c.OCR.Engine = "gemini" }},
		{"unknown ocr engine", func(c *Config) { c.OCR.Engine = "abbyy" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "stock_code", "2330")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"stock_code":"2330"`) {
		t.Errorf("expected JSON attribute, got %s", out)
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
