package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/daemon"
	"github.com/anstrom/scanledger/internal/metrics"
	"github.com/anstrom/scanledger/internal/orchestrator"
)

var (
	daemonPidFile string
	daemonPort    int
	daemonNoAPI   bool
	daemonIntake  bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scanner lanes in the foreground",
	Long: `Run one loop per configured scanner lane: pick up requests, scan them
and settle the outcomes. The API, the scheduler and the intake stay off;
use the daemon command for the full service.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), false, func(ctx context.Context, e *env) error {
			workerConfig(e.cfg)
			return runDaemon(ctx, e)
		})
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the full scanledger service",
	Long: `Run the scanner lanes, the maintenance scheduler, the read-only API
and, when enabled, the AMQP intake. Pending migrations are applied on
start. SIGINT or SIGTERM shuts the service down; SIGUSR1 logs its status.`,
	Example: `  scanledger daemon
  scanledger daemon --port 9090 --pid-file /run/scanledger.pid
  scanledger daemon --no-api --intake`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), true, func(ctx context.Context, e *env) error {
			if cmd.Flags().Changed("pid-file") {
				e.cfg.Daemon.PIDFile = daemonPidFile
			}
			if cmd.Flags().Changed("port") {
				e.cfg.API.Port = daemonPort
			}
			if daemonNoAPI {
				e.cfg.API.Enabled = false
			}
			if daemonIntake {
				e.cfg.Intake.Enabled = true
			}
			if err := e.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runDaemon(ctx, e)
		})
	},
}

// workerConfig switches off everything but the lanes.
func workerConfig(cfg *config.Config) {
	cfg.API.Enabled = false
	cfg.Scheduler.Enabled = false
	cfg.Intake.Enabled = false
	cfg.Daemon.PIDFile = ""
}

func runDaemon(ctx context.Context, e *env) error {
	prom := metrics.NewPrometheusMetrics()
	opts := []daemon.Option{
		daemon.WithLogger(e.logger),
		daemon.WithMetrics(prom, prom.GetRegistry()),
		daemon.WithVersion(version),
	}
	if path := configPath(); path != "" {
		opts = append(opts, daemon.WithSettings(orchestrator.FileSettings(path)))
	}

	d, err := daemon.New(e.cfg, e.stores, opts...)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func init() {
	daemonCmd.Flags().StringVar(&daemonPidFile, "pid-file", "", "PID file path (overrides config)")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "API port (overrides config)")
	daemonCmd.Flags().BoolVar(&daemonNoAPI, "no-api", false, "do not serve the API")
	daemonCmd.Flags().BoolVar(&daemonIntake, "intake", false, "consume requests from the configured AMQP queue")

	rootCmd.AddCommand(workerCmd, daemonCmd)
}
