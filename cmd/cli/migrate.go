package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanledger/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			applied, err := db.NewMigrator(e.database.DB).Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				_, err = fmt.Fprintln(e.out, "Schema is up to date")
				return err
			}
			for _, name := range applied {
				if _, err := fmt.Fprintf(e.out, "Applied %s\n", name); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var migrateResetYes bool

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every scanledger table and re-apply the migrations",
	Long: `Drop the request ledger, the proxy pool and the stored results, then
re-create the schema. All data is lost; --yes is required.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := confirmReset(migrateResetYes); err != nil {
			return err
		}
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			applied, err := db.NewMigrator(e.database.DB).Reset(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(e.out, "Schema reset, applied %d migrations\n", len(applied))
			return err
		})
	},
}

func confirmReset(yes bool) error {
	if !yes {
		return fmt.Errorf("refusing to drop the schema without --yes")
	}
	return nil
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			status, err := db.NewMigrator(e.database.DB).Status(ctx)
			if err != nil {
				return err
			}
			return printMigrations(e.out, status)
		})
	},
}

func printMigrations(w io.Writer, status []db.MigrationStatus) error {
	table := newTable(w, "Migration", "Applied", "Applied At", "Drifted")
	for i := range status {
		s := &status[i]
		appliedAt := "-"
		if s.Applied {
			appliedAt = formatTime(&s.AppliedAt)
		}
		if err := table.Append([]string{s.Name, strconv.FormatBool(s.Applied), appliedAt, strconv.FormatBool(s.Drifted)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func init() {
	migrateResetCmd.Flags().BoolVar(&migrateResetYes, "yes", false, "confirm that all data may be dropped")
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)
	rootCmd.AddCommand(migrateCmd)
}
