package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"financial_reports/pkg/core/config"
	"financial_reports/pkg/core/store"
)

var (
	configPath string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download, extract and index quarterly financial reports",
	Long: `Fetches quarterly report PDFs from the TWSE document portal, extracts key
financial fields into per-period JSON records and keeps a searchable index of them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logger = config.NewLogger(cfg.Log.Level, cfg.Log.Format)
		slog.SetDefault(logger)
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetOut(os.Stdout)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withIndex opens the configured catalog backend and the index over it for the
// duration of fn.
func withIndex(ctx context.Context, fn func(*store.RecordIndex) error) error {
	backend, closeBackend, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	index, err := store.OpenIndex(ctx, backend, logger)
	if err != nil {
		return err
	}
	return fn(index)
}
