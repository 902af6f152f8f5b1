package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"financial_reports/pkg/core/ingest"
	"financial_reports/pkg/core/reconcile"
	"financial_reports/pkg/core/store"
	"financial_reports/pkg/core/validate"
	"financial_reports/pkg/models"
)

var (
	fetchCodes    string
	fetchCompany  string
	fetchYear     int
	fetchSeasons  string
	fetchReport   string
	fetchValidate bool

	searchCode   string
	searchYear   int
	searchSeason string
	searchJSON   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download, extract, reconcile and index reports",
	RunE:  runFetch,
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download report PDFs only",
	RunE:  runDownload,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from the PDFs in the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIndex(cmd.Context(), func(index *store.RecordIndex) error {
			n, err := index.RebuildFromDirectory(cmd.Context(), cfg.Storage.DataDir, cfg.Convention())
			if err != nil {
				return err
			}
			cmd.Printf("index rebuilt: %d reports\n", n)
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [company]",
	Short: "Search the index",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSearch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print index statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIndex(cmd.Context(), func(index *store.RecordIndex) error {
			data, err := json.MarshalIndent(index.Stats(), "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Export the index and extracted fields to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIndex(cmd.Context(), func(index *store.RecordIndex) error {
			if err := exportIndex(index, args[0]); err != nil {
				return err
			}
			cmd.Printf("exported %d reports to %s\n", index.Len(), args[0])
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <record.json>",
	Short: "Put a record's backup generation back in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := reconcile.NewRecordStore(logger).Restore(args[0]); err != nil {
			return err
		}
		cmd.Printf("restored %s from %s\n", args[0], reconcile.BackupPath(args[0]))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{fetchCmd, downloadCmd} {
		c.Flags().StringVar(&fetchCodes, "codes", "", "comma-separated stock codes, e.g. 2330,2317")
		c.Flags().StringVar(&fetchCompany, "company", "", "company name recorded with the reports")
		c.Flags().IntVarP(&fetchYear, "year", "y", 0, "fiscal year")
		c.Flags().StringVarP(&fetchSeasons, "season", "s", "Q1", "comma-separated seasons, e.g. Q1,Q2")
		c.MarkFlagRequired("codes")
		c.MarkFlagRequired("year")
	}
	fetchCmd.Flags().StringVar(&fetchReport, "report", "", "write the batch report JSON here")
	fetchCmd.Flags().BoolVar(&fetchValidate, "validate", false, "score each record after reconciliation")

	searchCmd.Flags().StringVar(&searchCode, "code", "", "stock code")
	searchCmd.Flags().IntVar(&searchYear, "year", 0, "fiscal year")
	searchCmd.Flags().StringVar(&searchSeason, "season", "", "season, e.g. Q1")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")

	rootCmd.AddCommand(fetchCmd, downloadCmd, rebuildCmd, searchCmd, statsCmd, exportCmd, restoreCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ids, err := identities(fetchCodes, fetchCompany, fetchYear, fetchSeasons)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	return withIndex(ctx, func(index *store.RecordIndex) error {
		orch, err := buildPipeline(ctx, index)
		if err != nil {
			return err
		}
		if fetchValidate {
			v, err := validate.NewValidator(logger)
			if err != nil {
				return err
			}
			orch.SetValidator(v)
		}

		report, runErr := orch.RunBatch(ctx, ids)
		for _, r := range report.Results {
			cmd.Printf("%s %s: %s\n", status(r.Success, r.NoData), r.Identity, r.Message)
		}
		cmd.Printf("succeeded %d, no data %d, failed %d (run %s)\n", report.Succeeded, report.NoData, report.Failed, report.RunID)
		if fetchReport != "" {
			if err := report.Save(fetchReport); err != nil {
				return err
			}
		}
		return runErr
	})
}

// runDownload fetches the PDFs only; records and the index are left untouched.
func runDownload(cmd *cobra.Command, args []string) error {
	ids, err := identities(fetchCodes, fetchCompany, fetchYear, fetchSeasons)
	if err != nil {
		return err
	}
	client := ingest.NewPortalClient(cfg.Portal, cfg.Convention(), logger)
	results, err := client.AcquireAll(cmd.Context(), ids, cfg.Storage.DataDir)
	for _, r := range results {
		cmd.Printf("%s %s: %s %s\n", status(r.Success, r.NoData), r.Identity, r.Message, r.PDFPath)
	}
	return err
}

func runSearch(cmd *cobra.Command, args []string) error {
	q := store.Query{StockCode: searchCode, Year: searchYear, Season: searchSeason}
	if len(args) == 1 {
		q.CompanyName = args[0]
	}
	return withIndex(cmd.Context(), func(index *store.RecordIndex) error {
		results := index.Search(q)
		if searchJSON {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal results: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}
		if len(results) == 0 {
			cmd.Println("No reports found.")
			return nil
		}
		for _, e := range results {
			cmd.Printf("%s\t%s\t%s\t%s\t%d bytes\n", e.ID, e.CompanyName, e.Period, e.PDFFile, e.FileSize)
		}
		return nil
	})
}

func status(success, noData bool) string {
	switch {
	case success:
		return "✓"
	case noData:
		return "-"
	}
	return "✗"
}

// identities expands the code and season lists into one identity per pair.
func identities(codes, company string, year int, seasons string) ([]models.DocumentIdentity, error) {
	if year == 0 {
		return nil, fmt.Errorf("--year is required")
	}
	var ids []models.DocumentIdentity
	for _, code := range splitList(codes) {
		for _, s := range splitList(seasons) {
			season, err := models.NormalizeSeason(s)
			if err != nil {
				return nil, err
			}
			ids = append(ids, models.DocumentIdentity{StockCode: code, CompanyName: company, Year: year, Season: season})
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to do: no stock codes given")
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
