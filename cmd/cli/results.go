package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanledger/internal/api/handlers"
	"github.com/anstrom/scanledger/internal/db"
)

var (
	resultsTarget   string
	resultsScanType string
	resultsHistory  bool
	resultsLimit    int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Look up stored scan results",
}

var resultsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the latest result per target and scan type",
	Example: `  scanledger results latest --target example.com
  scanledger results latest --scan-type encryption_quality --limit 20
  scanledger results latest --target example.com --scan-type encryption_quality --history`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			return showResults(ctx, e.out, e.stores.Results, resultsTarget, resultsScanType, resultsHistory, resultsLimit)
		})
	},
}

func showResults(
	ctx context.Context, w io.Writer, store handlers.ResultReader, target, scanType string, history bool, limit int,
) error {
	target = strings.ToLower(strings.TrimSpace(target))

	var (
		rows []*db.ScanResult
		err  error
	)
	if history {
		if target == "" || scanType == "" {
			return fmt.Errorf("--history needs --target and --scan-type")
		}
		rows, err = store.History(ctx, target, scanType, limit)
	} else {
		rows, err = store.ListLatest(ctx, db.ResultFilter{Target: target, ScanType: scanType, Limit: limit})
	}
	if err != nil {
		return err
	}
	return printResults(w, rows)
}

func printResults(w io.Writer, rows []*db.ScanResult) error {
	table := newTable(w, "Target", "Scan Type", "Rating", "Message", "Determined", "Last Scan", "Latest")
	for _, r := range rows {
		latest := ""
		if r.IsLatest {
			latest = "*"
		}
		if err := table.Append([]string{
			r.Target,
			r.ScanType,
			r.Rating,
			r.Message,
			formatTime(&r.DeterminedOn),
			formatTime(&r.LastScanMoment),
			latest,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func init() {
	resultsLatestCmd.Flags().StringVar(&resultsTarget, "target", "", "only this target")
	resultsLatestCmd.Flags().StringVar(&resultsScanType, "scan-type", "", "only this scan type")
	resultsLatestCmd.Flags().BoolVar(&resultsHistory, "history", false, "show every stored row, newest first")
	resultsLatestCmd.Flags().IntVar(&resultsLimit, "limit", 100, "maximum rows to show")

	resultsCmd.AddCommand(resultsLatestCmd)
	rootCmd.AddCommand(resultsCmd)
}
