package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/daemon"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/logging"
)

const timeLayout = "2006-01-02 15:04"

// env is what a command runs against.
type env struct {
	cfg      *config.Config
	database *db.DB
	stores   daemon.Stores
	logger   *logging.Logger
	out      io.Writer
}

// withEnv loads the configuration, connects to the database and runs fn.
// With migrate set, pending migrations are applied first.
func withEnv(ctx context.Context, migrate bool, fn func(ctx context.Context, e *env) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	connect := db.Connect
	if migrate {
		connect = db.ConnectAndMigrate
	}
	database, err := connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return fn(ctx, &env{
		cfg:      cfg,
		database: database,
		stores:   daemon.PostgresStores(database, cfg),
		logger:   logging.Default(),
		out:      os.Stdout,
	})
}

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	return table
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
