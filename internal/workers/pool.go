// Package workers provides a worker pool for concurrent operations in
// scanledger. It supports job queuing, retries, rate limiting and graceful
// shutdown, and reports through the structured logging and metrics systems.
// Proxy health checks and local probe runs are executed on it.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// MaxRetries is the maximum number of retries for failed jobs.
	MaxRetries int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration
	// RateLimit is the maximum number of jobs per second (0 = no limit).
	RateLimit int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            10,
		QueueSize:       100,
		MaxRetries:      0,
		RetryDelay:      time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimit:       0,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
// Results must be drained by the caller once the queue can fill up.
type Pool struct {
	config  Config
	jobs    chan Job
	results chan Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	metrics metrics.Recorder

	startOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New creates a new worker pool with the given configuration.
func New(config Config, recorder metrics.Recorder) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		results: make(chan Result, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: metrics.OrNop(recorder),
	}

	if config.RateLimit > 0 {
		pool.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		logging.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit adds a job to the queue without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		logging.Debug("Job submitted to worker pool", "job_id", job.ID(), "job_type", job.Type())
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitWait adds a job to the queue, waiting for room until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns a channel for receiving job results. It is closed by Shutdown.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops accepting jobs, lets queued jobs finish and closes Results.
// Workers still running after the shutdown timeout are cancelled.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	// Workers must exist to drain the queue.
	p.Start()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Debug("Worker pool shutdown completed")
	case <-time.After(p.config.ShutdownTimeout):
		logging.Warn("Worker pool shutdown timeout, forcing termination")
		p.cancel()
		<-done
	}

	p.cancel()
	close(p.results)
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		if p.ctx.Err() != nil {
			continue
		}
		result := p.execute(id, job)
		select {
		case p.results <- result:
		case <-p.ctx.Done():
		}
	}
}

// execute runs a single job with retry logic.
func (p *Pool) execute(workerID int, job Job) Result {
	timer := metrics.NewTimer(func(d time.Duration) { p.metrics.ObserveWorkerJob(job.Type(), d) })
	defer timer.Stop()

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return Result{JobID: job.ID(), JobType: job.Type(), Error: err}
		}
	}

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err := p.safeExecute(job)
		if err == nil {
			p.metrics.IncWorkerJob(job.Type(), "success")
			return Result{
				JobID:    job.ID(),
				JobType:  job.Type(),
				Duration: time.Since(start),
				Retries:  attempt,
			}
		}
		lastErr = err

		if attempt < p.config.MaxRetries {
			logging.Debug("Job failed, retrying",
				"job_id", job.ID(),
				"job_type", job.Type(),
				"attempt", attempt+1,
				"max_retries", p.config.MaxRetries,
				"error", err)

			select {
			case <-time.After(p.config.RetryDelay):
			case <-p.ctx.Done():
				return Result{JobID: job.ID(), JobType: job.Type(), Error: p.ctx.Err(), Retries: attempt}
			}
		}
	}

	p.metrics.IncWorkerJob(job.Type(), "error")
	logging.Warn("Job failed",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"retries", p.config.MaxRetries,
		"error", lastErr,
		"worker_id", workerID)

	return Result{
		JobID:    job.ID(),
		JobType:  job.Type(),
		Error:    lastErr,
		Duration: time.Since(start),
		Retries:  p.config.MaxRetries,
	}
}

func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID(), r)
		}
	}()
	return job.Execute(p.ctx)
}

// RunAll executes jobs on a fresh pool and returns their results in
// completion order. Jobs not yet started when ctx is done are skipped.
func RunAll(ctx context.Context, config Config, recorder metrics.Recorder, jobs []Job) []Result {
	if config.QueueSize <= 0 {
		config.QueueSize = len(jobs)
	}
	pool := New(config, recorder)
	pool.Start()

	collected := make(chan []Result, 1)
	go func() {
		var out []Result
		for r := range pool.Results() {
			out = append(out, r)
		}
		collected <- out
	}()

	stop := context.AfterFunc(ctx, pool.cancel)
	defer stop()

	for _, job := range jobs {
		if err := pool.SubmitWait(ctx, job); err != nil {
			break
		}
	}
	_ = pool.Shutdown()
	return <-collected
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewJob creates a job that runs fn.
func NewJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
