// Package daemon runs the long-lived scanledger service. It wires the
// stores into the proxy pool, the lane workers, the maintenance scheduler,
// the read-only API and the optional AMQP intake, and keeps them running
// until it is told to stop.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anstrom/scanledger/internal/api"
	"github.com/anstrom/scanledger/internal/api/handlers"
	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/intake"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
	"github.com/anstrom/scanledger/internal/orchestrator"
	"github.com/anstrom/scanledger/internal/probes"
	"github.com/anstrom/scanledger/internal/proxypool"
	"github.com/anstrom/scanledger/internal/results"
	"github.com/anstrom/scanledger/internal/scheduler"
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Queue is everything the service needs from the request ledger.
type Queue interface {
	orchestrator.Queue
	scheduler.Queue
	handlers.QueueReader
	intake.Requester
}

// Proxies is everything the service needs from the proxy registry.
type Proxies interface {
	proxypool.Store
	handlers.ProxyReader
	Add(ctx context.Context, address string) (*db.Proxy, error)
	SetDisabled(ctx context.Context, id int64, disabled bool) error
}

// Results is everything the service needs from the result store.
type Results interface {
	results.Store
	handlers.ResultReader
}

var (
	_ Queue   = (*db.QueueRepository)(nil)
	_ Proxies = (*db.ProxyRepository)(nil)
	_ Results = (*db.ResultRepository)(nil)
)

// Stores groups the persistence the service runs on. Database is only
// used for health checks and may be nil.
type Stores struct {
	Database handlers.DatabasePinger
	Queue    Queue
	Proxies  Proxies
	Results  Results
}

// PostgresStores returns the repositories backed by database.
func PostgresStores(database *db.DB, cfg *config.Config) Stores {
	return Stores{
		Database: database,
		Queue:    db.NewQueueRepository(database, cfg.Queue.TimeBucket),
		Proxies:  db.NewProxyRepository(database),
		Results:  db.NewResultRepository(database),
	}
}

// ExternalAPIConfig converts the external API section of cfg.
func ExternalAPIConfig(cfg *config.Config) extapi.Config {
	return extapi.Config{
		BaseURL:           cfg.ExternalAPI.BaseURL,
		Timeout:           cfg.ExternalAPI.RequestTimeout,
		RequestsPerSecond: cfg.ExternalAPI.RequestsPerSecond,
		UserAgent:         cfg.ExternalAPI.UserAgent,
	}
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics sets the recorder and the gatherer served on /metrics.
func WithMetrics(rec metrics.Recorder, gatherer prometheus.Gatherer) Option {
	return func(d *Daemon) {
		d.metrics = metrics.OrNop(rec)
		d.gatherer = gatherer
	}
}

// WithAPIFactory replaces the external API client factory.
func WithAPIFactory(f extapi.Factory) Option {
	return func(d *Daemon) { d.apiFactory = f }
}

// WithProbes replaces the probe registry.
func WithProbes(r *probes.Registry) Option {
	return func(d *Daemon) { d.probes = r }
}

// WithSettings replaces the orchestrator settings loader. By default the
// settings come from the configuration the daemon was built with.
func WithSettings(load orchestrator.SettingsLoader) Option {
	return func(d *Daemon) { d.settings = load }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// Daemon represents the main service process.
type Daemon struct {
	config     *config.Config
	stores     Stores
	logger     *logging.Logger
	metrics    metrics.Recorder
	gatherer   prometheus.Gatherer
	apiFactory extapi.Factory
	probes     *probes.Registry
	settings   orchestrator.SettingsLoader
	version    string

	pool      *proxypool.Pool
	orch      *orchestrator.Orchestrator
	worker    *orchestrator.Worker
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	consumer  *intake.Consumer

	pidFile string
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a daemon and its components without starting anything.
func New(cfg *config.Config, stores Stores, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	d := &Daemon{
		config:  cfg,
		stores:  stores,
		logger:  logging.Default(),
		metrics: metrics.Nop(),
		pidFile: cfg.Daemon.PIDFile,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("daemon")

	if d.apiFactory == nil {
		d.apiFactory = extapi.NewFactory(ExternalAPIConfig(cfg), extapi.WithRecorder(d.metrics))
	}
	if d.probes == nil {
		registry, err := probes.Builtin(cfg.Probes)
		if err != nil {
			return nil, fmt.Errorf("failed to build probes: %w", err)
		}
		d.probes = registry
	}
	if d.settings == nil {
		d.settings = orchestrator.StaticSettings(orchestrator.SettingsFrom(cfg))
	}

	d.pool = proxypool.New(stores.Proxies, proxypool.ConfigFrom(cfg), d.apiFactory,
		proxypool.WithLogger(d.logger), proxypool.WithRecorder(d.metrics))
	d.orch = orchestrator.New(stores.Queue, d.pool, stores.Results, d.settings, cfg.Orchestrator.SettingsTTL,
		orchestrator.WithLogger(d.logger), orchestrator.WithRecorder(d.metrics), orchestrator.WithProbes(d.probes))
	d.worker = orchestrator.NewWorker(d.orch)

	if cfg.Scheduler.Enabled {
		s, err := scheduler.NewMaintenance(cfg, stores.Queue, d.pool,
			scheduler.WithLogger(d.logger), scheduler.WithRecorder(d.metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to build scheduler: %w", err)
		}
		d.scheduler = s
	}

	if cfg.API.Enabled {
		srv, err := api.New(cfg, api.Deps{
			Database: stores.Database,
			Queue:    stores.Queue,
			Results:  stores.Results,
			Proxies:  stores.Proxies,
			Gatherer: d.gatherer,
			Recorder: d.metrics,
			Logger:   d.logger,
			Version:  d.version,
		})
		if err != nil {
			return nil, fmt.Errorf("API server creation failed: %w", err)
		}
		d.apiServer = srv
	}

	if cfg.Intake.Enabled {
		handler := intake.NewHandler(stores.Queue, cfg.ScannerNames(), d.logger, d.metrics)
		d.consumer = intake.NewConsumer(cfg.Intake, handler)
	}
	return d, nil
}

// Pool returns the proxy pool.
func (d *Daemon) Pool() *proxypool.Pool { return d.pool }

// Worker returns the lane worker.
func (d *Daemon) Worker() *orchestrator.Worker { return d.worker }

// Scheduler returns the maintenance scheduler, nil when disabled.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// APIServer returns the API server, nil when disabled.
func (d *Daemon) APIServer() *api.Server { return d.apiServer }

// Start writes the PID file and starts every enabled component.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	d.logger.Info("Starting scanledger daemon", "version", d.version)
	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.worker.Start(ctx); err != nil {
		cancel()
		d.removePIDFile()
		return fmt.Errorf("failed to start worker: %w", err)
	}
	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			cancel()
			d.worker.Stop()
			d.removePIDFile()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	if d.apiServer != nil {
		d.goRun("api", func() error { return d.apiServer.Start(ctx) })
	}
	if d.consumer != nil {
		d.goRun("intake", func() error { return d.consumer.Run(ctx) })
	}

	d.running = true
	d.logger.Info("Daemon started", "lanes", len(d.worker.Lanes()),
		"scheduler", d.scheduler != nil, "api", d.apiServer != nil, "intake", d.consumer != nil)
	return nil
}

func (d *Daemon) goRun(name string, run func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := run(); err != nil {
			d.logger.Error("Component stopped with error", "component", name, "error", err)
		}
	}()
}

// Stop shuts every component down, waiting up to ShutdownTimeout.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("Stopping daemon")

	done := make(chan error, 1)
	go func() {
		if d.scheduler != nil {
			d.scheduler.Stop()
		}
		d.cancel()
		d.worker.Stop()
		var err error
		if d.apiServer != nil {
			err = d.apiServer.Stop()
		}
		d.wg.Wait()
		done <- err
	}()

	var result *multierror.Error
	select {
	case err := <-done:
		if err != nil {
			result = multierror.Append(result, err)
		}
		d.logger.Info("Daemon stopped")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, leaving components behind",
			"timeout", d.config.Daemon.ShutdownTimeout)
		result = multierror.Append(result, fmt.Errorf("shutdown timed out after %s", d.config.Daemon.ShutdownTimeout))
	}

	d.removePIDFile()
	return result.ErrorOrNil()
}

// Run starts the daemon and blocks until ctx is done or SIGINT or SIGTERM
// arrives. SIGUSR1 logs a status dump.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return d.Stop()
		case sig := <-sigChan:
			d.logger.Info("Received signal", "signal", sig.String())
			if sig == syscall.SIGUSR1 {
				d.dumpStatus()
				continue
			}
			return d.Stop()
		}
	}
}

// Status is a snapshot of the running components.
type Status struct {
	PID       int                  `json:"pid"`
	Running   bool                 `json:"running"`
	Worker    orchestrator.Stats   `json:"worker"`
	Scheduler []scheduler.TaskInfo `json:"scheduler,omitempty"`
	API       string               `json:"api,omitempty"`
	Intake    bool                 `json:"intake"`
}

// Status returns the current status.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	s := Status{
		PID:     os.Getpid(),
		Running: running,
		Worker:  d.worker.Stats(),
		Intake:  d.consumer != nil,
	}
	if d.scheduler != nil {
		s.Scheduler = d.scheduler.Tasks()
	}
	if d.apiServer != nil {
		s.API = d.apiServer.Addr()
	}
	return s
}

func (d *Daemon) dumpStatus() {
	s := d.Status()
	d.logger.Info("Daemon status",
		"pid", s.PID,
		"lanes", s.Worker.Lanes,
		"batches_run", s.Worker.BatchesRun,
		"targets_finished", s.Worker.TargetsFinished,
		"targets_failed", s.Worker.TargetsFailed,
		"step_errors", s.Worker.StepErrors,
		"api", s.API)
	for _, t := range s.Scheduler {
		d.logger.Info("Scheduled task", "task", t.Name, "runs", t.Runs, "failures", t.Failures, "last_error", t.LastError)
	}
}

// createPIDFile writes the PID file, refusing when another live process
// owns it.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	d.logger.Info("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}
	d.logger.Warn("Removing stale PID file", "path", d.pidFile)
	_ = os.Remove(d.pidFile)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Error removing PID file", "path", d.pidFile, "error", err)
	}
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || stderrors.Is(err, syscall.EPERM)
}
