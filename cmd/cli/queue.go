package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/intake"
)

var (
	requestActivity string
	requestScanner  string
	requestFile     string
	progressAll     bool
	outdatedLimit   int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the scan request ledger",
}

var queueRequestCmd = &cobra.Command{
	Use:   "request [targets...]",
	Short: "Request scans of targets",
	Long: `Request an activity of a scanner for each target. Targets already
requested or picked up on the same lane are skipped.`,
	Example: `  scanledger queue request --scanner tlsq example.com example.org
  scanledger queue request --activity verify --scanner dns --file hosts.txt
  cat hosts.txt | scanledger queue request --scanner tlsq --file -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := collectTargets(args, requestFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			h := intake.NewHandler(e.stores.Queue, e.cfg.ScannerNames(), e.logger, nil)
			return requestTargets(ctx, e.out, h, intake.Message{
				Activity: requestActivity,
				Scanner:  requestScanner,
				Targets:  targets,
			})
		})
	},
}

var queueProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show request counts per scanner, activity and state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			rows, err := e.stores.Queue.Progress(ctx, e.cfg.ScannerNames())
			if err != nil {
				return err
			}
			return printProgress(e.out, rows, progressAll)
		})
	},
}

var queueOutdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "List errored requests and requests stuck in picked_up",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			rows, err := e.stores.Queue.Outdated(ctx, e.cfg.Queue.PickupTimeout, outdatedLimit)
			if err != nil {
				return err
			}
			return printRequests(e.out, rows)
		})
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Hand stale picked up requests back and expire old requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			retried, err := e.stores.Queue.RetrySweep(ctx, e.cfg.Queue.PickupTimeout)
			if err != nil {
				return err
			}
			expired, err := e.stores.Queue.Expire(ctx, e.cfg.Queue.RetentionPeriod)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "Requeued %d stale requests, expired %d\n", retried, expired)
			return err
		})
	},
}

// collectTargets merges targets from args with one target per line read
// from file ("-" reads stdin). Blank lines and # comments are skipped.
func collectTargets(args []string, file string, stdin io.Reader) ([]string, error) {
	targets := append([]string(nil), args...)
	if file != "" {
		r := stdin
		if file != "-" {
			f, err := os.Open(file) //nolint:gosec // operator supplied path
			if err != nil {
				return nil, fmt.Errorf("failed to open targets file: %w", err)
			}
			defer func() { _ = f.Close() }()
			r = f
		}
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			targets = append(targets, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read targets: %w", err)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets given")
	}
	return targets, nil
}

func requestTargets(ctx context.Context, w io.Writer, h *intake.Handler, msg intake.Message) error {
	created, err := h.Submit(ctx, msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Requested %s/%s for %d targets (%d new, %d already queued)\n",
		msg.Activity, msg.Scanner, len(msg.Targets), created, len(msg.Targets)-created)
	return err
}

func printProgress(w io.Writer, rows []db.ProgressRow, all bool) error {
	table := newTable(w, "Scanner", "Activity", "State", "Count")
	for _, r := range rows {
		if r.Count == 0 && !all {
			continue
		}
		if err := table.Append([]string{r.Scanner, string(r.Activity), string(r.State), strconv.Itoa(r.Count)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func printRequests(w io.Writer, rows []*db.ScanRequest) error {
	table := newTable(w, "ID", "Activity", "Scanner", "Target", "State", "Changed", "Reason")
	for _, r := range rows {
		reason := ""
		if r.ErrorReason != nil {
			reason = *r.ErrorReason
		}
		if err := table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			string(r.Activity),
			r.Scanner,
			r.Target,
			string(r.State),
			formatTime(&r.LastStateChangeAt),
			reason,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func init() {
	queueRequestCmd.Flags().StringVar(&requestActivity, "activity", string(db.ActivityScan), "activity: discover, verify or scan")
	queueRequestCmd.Flags().StringVar(&requestScanner, "scanner", "", "scanner name")
	queueRequestCmd.Flags().StringVar(&requestFile, "file", "", "read targets from file, one per line (- for stdin)")
	_ = queueRequestCmd.MarkFlagRequired("scanner")

	queueProgressCmd.Flags().BoolVar(&progressAll, "all", false, "include empty states")
	queueOutdatedCmd.Flags().IntVar(&outdatedLimit, "limit", 100, "maximum rows to show")

	queueCmd.AddCommand(queueRequestCmd, queueProgressCmd, queueOutdatedCmd, queueSweepCmd)
	rootCmd.AddCommand(queueCmd)
}
