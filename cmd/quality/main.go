package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"financial_reports/pkg/core/config"
	"financial_reports/pkg/core/validate"
)

var (
	configPath string
	dir        string
	file       string
	out        string
	format     string
)

var rootCmd = &cobra.Command{
	Use:          "quality",
	Short:        "Validate extracted report records and write a quality report",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
	rootCmd.Flags().StringVar(&dir, "dir", "", "directory of *_AI1.json records (defaults to the data directory)")
	rootCmd.Flags().StringVar(&file, "file", "", "validate a single record and print its report")
	rootCmd.Flags().StringVar(&out, "out", "", "output path prefix for the batch report (defaults to <dir>/quality_report)")
	rootCmd.Flags().StringVar(&format, "format", "all", "json, md, html or all")
	rootCmd.MarkFlagsMutuallyExclusive("dir", "file")
}

func main() {
	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)

	v, err := validate.NewValidator(logger)
	if err != nil {
		return err
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		report, err := v.ValidateJSON(data)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(report)
	}

	target := dir
	if target == "" {
		target = cfg.Storage.DataDir
	}
	report, err := v.ValidateDirectory(target)
	if err != nil {
		return err
	}

	prefix := out
	if prefix == "" {
		prefix = filepath.Join(target, "quality_report")
	}
	if err := write(report, prefix, format); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	s := report.Summary
	cmd.Printf("files %d, valid %d, with warnings %d, with errors %d, average score %.1f\n",
		s.TotalFiles, s.ValidFiles, s.FilesWithWarnings, s.FilesWithErrors, s.AverageScore)
	return nil
}

func write(report *validate.BatchReport, prefix, format string) error {
	switch format {
	case "json", "md", "html", "all":
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if format == "json" || format == "all" {
		if err := report.Save(prefix + ".json"); err != nil {
			return err
		}
	}
	if format == "md" || format == "all" {
		if err := os.WriteFile(prefix+".md", []byte(report.Markdown()), 0644); err != nil {
			return err
		}
	}
	if format == "html" || format == "all" {
		html, err := report.HTML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(prefix+".html", []byte(html), 0644); err != nil {
			return err
		}
	}
	return nil
}
