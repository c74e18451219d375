// Package cli provides the cobra commands of scanledger: schema migrations,
// queue and proxy administration, result lookups and the long-running
// worker and daemon modes.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/logging"
)

const envPrefix = "SCANLEDGER"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanledger",
	Short: "Scan request ledger and scan orchestrator",
	Long: `scanledger keeps a ledger of scan requests per activity and scanner,
drives external assessments through a pool of rotating proxies, runs local
probes and stores the latest result per target and scan type.`,
	Version:      getVersion(),
	SilenceUsage: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file and enables SCANLEDGER_* overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/scanledger")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// stringOverrides maps override keys to the fields they replace, e.g.
// SCANLEDGER_DATABASE_PASSWORD sets database.password.
func stringOverrides(c *config.Config) map[string]*string {
	return map[string]*string{
		"database.host":           &c.Database.Host,
		"database.database":       &c.Database.Database,
		"database.username":       &c.Database.Username,
		"database.password":       &c.Database.Password,
		"database.ssl_mode":       &c.Database.SSLMode,
		"external_api.base_url":   &c.ExternalAPI.BaseURL,
		"external_api.user_agent": &c.ExternalAPI.UserAgent,
		"api.listen_addr":         &c.API.ListenAddr,
		"intake.url":              &c.Intake.URL,
		"intake.queue":            &c.Intake.Queue,
		"daemon.pid_file":         &c.Daemon.PIDFile,
		"probes.resolver":         &c.Probes.Resolver,
	}
}

func intOverrides(c *config.Config) map[string]*int {
	return map[string]*int{
		"database.port": &c.Database.Port,
		"api.port":      &c.API.Port,
	}
}

// applyOverrides copies every override set in v onto cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	for key, field := range stringOverrides(cfg) {
		if v.IsSet(key) {
			*field = v.GetString(key)
		}
	}
	for key, field := range intOverrides(cfg) {
		if v.IsSet(key) {
			*field = v.GetInt(key)
		}
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = logging.LogLevel(v.GetString("logging.level"))
	}
}

// loadConfig reads the configuration file, applies the environment
// overrides, validates the result and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	initLogging(cfg)
	return cfg, nil
}

// configPath returns the config file in use, empty when running on
// defaults.
func configPath() string {
	path := viper.ConfigFileUsed()
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// initLogging installs the logger described by cfg as the default.
func initLogging(cfg *config.Config) {
	logConfig := cfg.Logging
	if verbose {
		logConfig.Level = logging.LevelDebug
		logConfig.AddSource = true
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}
