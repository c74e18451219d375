// Package scheduler runs the periodic maintenance of scanledger: the queue
// retry sweep and expiry, the proxy claim sweep, proxy health checks and the
// refresh of the queue depth gauges. Each task runs on its own cron spec and
// never overlaps with itself.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
	"github.com/anstrom/scanledger/internal/proxypool"
)

// Task names.
const (
	TaskQueueSweep      = "queue_sweep"
	TaskQueueExpire     = "queue_expire"
	TaskProxySweep      = "proxy_sweep"
	TaskProxyCheck      = "proxy_check"
	TaskProgressRefresh = "progress_refresh"
)

// Queue is the maintenance surface of the request ledger.
type Queue interface {
	RetrySweep(ctx context.Context, olderThan time.Duration) (int, error)
	Expire(ctx context.Context, olderThan time.Duration) (int, error)
	Progress(ctx context.Context, knownScanners []string) ([]db.ProgressRow, error)
}

var _ Queue = (*db.QueueRepository)(nil)

// Proxies is the maintenance surface of the proxy pool.
type Proxies interface {
	TimeoutSweep(ctx context.Context) (int, error)
	CheckAll(ctx context.Context) (proxypool.CheckSummary, error)
}

var _ Proxies = (*proxypool.Pool)(nil)

// Task is one periodic job.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitzero"`
}

type scheduledTask struct {
	Task
	entryID   cron.EntryID
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError string
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l.WithComponent("scheduler") }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = metrics.OrNop(r) }
}

// Scheduler manages the periodic tasks.
type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]*scheduledTask
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
	metrics metrics.Recorder
}

// New creates a scheduler without tasks.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   make(map[string]*scheduledTask),
		logger:  logging.Default().WithComponent("scheduler"),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// NewMaintenance creates a scheduler carrying the maintenance tasks
// configured in cfg. Tasks with an empty spec are left out.
func NewMaintenance(cfg *config.Config, queue Queue, proxies Proxies, opts ...Option) (*Scheduler, error) {
	s := New(opts...)

	scanners := make([]string, 0, len(cfg.Scanners))
	for _, sc := range cfg.Scanners {
		scanners = append(scanners, sc.Name)
	}

	tasks := []Task{
		{Name: TaskQueueSweep, Spec: cfg.Scheduler.QueueSweep, Run: s.queueSweep(queue, cfg.Queue.PickupTimeout)},
		{Name: TaskQueueExpire, Spec: cfg.Scheduler.QueueExpire, Run: s.queueExpire(queue, cfg.Queue.RetentionPeriod)},
		{Name: TaskProxySweep, Spec: cfg.Scheduler.ProxySweep, Run: s.proxySweep(proxies)},
		{Name: TaskProxyCheck, Spec: cfg.Scheduler.ProxyCheck, Run: s.proxyCheck(proxies)},
		{Name: TaskProgressRefresh, Spec: cfg.Scheduler.ProgressRefresh, Run: s.progressRefresh(queue, scanners)},
	}
	for _, t := range tasks {
		if t.Spec == "" {
			s.logger.Info("Task disabled", "task", t.Name)
			continue
		}
		if err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a task. The spec accepts the standard five fields and
// descriptors such as "@every 15m".
func (s *Scheduler) Add(t Task) error {
	if _, err := cron.ParseStandard(t.Spec); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", t.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.Name]; exists {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	st := &scheduledTask{Task: t}
	id, err := s.cron.AddFunc(t.Spec, func() { s.execute(s.ctx, st) })
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	st.entryID = id
	s.tasks[t.Name] = st

	s.logger.Info("Added task", "task", t.Name, "schedule", t.Spec)
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop stops the scheduler and waits for running tasks to return.
// Running tasks see their context cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunNow runs the named task immediately in the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	st, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	return s.execute(ctx, st)
}

// Tasks returns the registered tasks ordered by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, st := range s.tasks {
		info := TaskInfo{
			Name:      st.Name,
			Spec:      st.Spec,
			Runs:      st.runs,
			Failures:  st.failures,
			LastRun:   st.lastRun,
			LastError: st.lastError,
		}
		if s.running {
			info.NextRun = s.cron.Entry(st.entryID).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(ctx context.Context, st *scheduledTask) error {
	log := s.logger.WithFields("task", st.Name)
	start := time.Now()
	log.Debug("Running task")

	err := st.Run(ctx)

	s.mu.Lock()
	st.runs++
	st.lastRun = start
	st.lastError = ""
	if err != nil {
		st.failures++
		st.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("Task failed", "error", err, "duration", time.Since(start))
		s.metrics.IncSchedulerRun(st.Name, "error")
		return err
	}
	log.Debug("Task completed", "duration", time.Since(start))
	s.metrics.IncSchedulerRun(st.Name, "success")
	return nil
}

func (s *Scheduler) queueSweep(queue Queue, olderThan time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := queue.RetrySweep(ctx, olderThan)
		if err != nil {
			return err
		}
		s.metrics.AddSwept(TaskQueueSweep, n)
		if n > 0 {
			s.logger.Warn("Handed stale picked up requests back", "count", n, "older_than", olderThan)
		}
		return nil
	}
}

func (s *Scheduler) queueExpire(queue Queue, olderThan time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := queue.Expire(ctx, olderThan)
		if err != nil {
			return err
		}
		s.metrics.AddSwept(TaskQueueExpire, n)
		if n > 0 {
			s.logger.Info("Expired old requests", "count", n, "older_than", olderThan)
		}
		return nil
	}
}

func (s *Scheduler) proxySweep(proxies Proxies) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := proxies.TimeoutSweep(ctx)
		if err != nil {
			return err
		}
		s.metrics.AddSwept(TaskProxySweep, n)
		return nil
	}
}

func (s *Scheduler) proxyCheck(proxies Proxies) func(context.Context) error {
	return func(ctx context.Context) error {
		summary, err := proxies.CheckAll(ctx)
		s.logger.Info("Proxy check done",
			"checked", summary.Checked, "alive", summary.Alive, "dead", summary.Dead)
		return err
	}
}

func (s *Scheduler) progressRefresh(queue Queue, scanners []string) func(context.Context) error {
	return func(ctx context.Context) error {
		rows, err := queue.Progress(ctx, scanners)
		if err != nil {
			return err
		}
		for _, r := range rows {
			s.metrics.SetQueueDepth(r.Scanner, string(r.Activity), string(r.State), r.Count)
		}
		return nil
	}
}

// cronLogger routes cron's own messages to the structured logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
