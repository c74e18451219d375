// Package metrics provides Prometheus-based metrics collection for scanledger.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanledger metrics
	namespace = "scanledger"

	// Subsystems
	subsystemQueue     = "queue"
	subsystemProxy     = "proxy"
	subsystemExternal  = "external_api"
	subsystemResults   = "results"
	subsystemWorker    = "worker"
	subsystemScheduler = "scheduler"
	subsystemAPI       = "api"
	subsystemSystem    = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Queue metrics
	queueDepth      *prometheus.GaugeVec
	requestsCreated *prometheus.CounterVec
	pickedUp        *prometheus.CounterVec
	settled         *prometheus.CounterVec
	swept           *prometheus.CounterVec

	// Proxy metrics
	proxyClaims   *prometheus.CounterVec
	claimWait     prometheus.Histogram
	proxyChecks   *prometheus.CounterVec
	proxyCapacity *prometheus.GaugeVec

	// External API and result metrics
	externalCalls *prometheus.CounterVec
	resultsStored *prometheus.CounterVec

	// Worker and scheduler metrics
	workerJobs        *prometheus.CounterVec
	workerJobDuration *prometheus.HistogramVec
	schedulerRuns     *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initQueueMetrics()
	pm.initProxyMetrics()
	pm.initScanMetrics()
	pm.initWorkerMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initQueueMetrics() {
	pm.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "requests",
			Help:      "Scan requests in the ledger by scanner, activity and state",
		},
		[]string{"scanner", "activity", "state"},
	)

	pm.requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "requested_total",
			Help:      "Scan requests created",
		},
		[]string{"activity", "scanner"},
	)

	pm.pickedUp = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "picked_up_total",
			Help:      "Scan requests picked up by workers",
		},
		[]string{"activity", "scanner"},
	)

	pm.settled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "settled_total",
			Help:      "Scan requests moved to a terminal state",
		},
		[]string{"activity", "scanner", "state"},
	)

	pm.swept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "swept_total",
			Help:      "Rows touched by maintenance sweeps",
		},
		[]string{"task"},
	)
}

func (pm *PrometheusMetrics) initProxyMetrics() {
	pm.proxyClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "claims_total",
			Help:      "Proxy claim lifecycle events",
		},
		[]string{"event"},
	)

	pm.claimWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "claim_wait_seconds",
			Help:      "Time spent waiting for a free proxy",
			Buckets:   []float64{0.01, 0.1, 1, 10, 60, 300, 900, 3600},
		},
	)

	pm.proxyChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "checks_total",
			Help:      "Proxy health checks by result",
		},
		[]string{"result"},
	)

	pm.proxyCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProxy,
			Name:      "capacity",
			Help:      "External API capacity last seen through a proxy",
		},
		[]string{"proxy", "kind"},
	)
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.externalCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemExternal,
			Name:      "calls_total",
			Help:      "Calls to the external scanning API by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	pm.resultsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResults,
			Name:      "stored_total",
			Help:      "Findings passed to the result store by outcome",
		},
		[]string{"scan_type", "outcome"},
	)
}

func (pm *PrometheusMetrics) initWorkerMetrics() {
	pm.workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "jobs_total",
			Help:      "Worker pool jobs by type and status",
		},
		[]string{"job_type", "status"},
	)

	pm.workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemWorker,
			Name:      "job_duration_seconds",
			Help:      "Duration of worker pool jobs",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0},
		},
		[]string{"job_type"},
	)

	pm.schedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "runs_total",
			Help:      "Periodic task runs by task and status",
		},
		[]string{"task", "status"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.queueDepth,
		pm.requestsCreated,
		pm.pickedUp,
		pm.settled,
		pm.swept,
		pm.proxyClaims,
		pm.claimWait,
		pm.proxyChecks,
		pm.proxyCapacity,
		pm.externalCalls,
		pm.resultsStored,
		pm.workerJobs,
		pm.workerJobDuration,
		pm.schedulerRuns,
		pm.httpRequests,
		pm.httpDuration,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// SetQueueDepth sets the ledger gauge for one bucket.
func (pm *PrometheusMetrics) SetQueueDepth(scanner, activity, state string, count int) {
	pm.queueDepth.WithLabelValues(scanner, activity, state).Set(float64(count))
}

// AddRequests counts created scan requests.
func (pm *PrometheusMetrics) AddRequests(activity, scanner string, n int) {
	pm.requestsCreated.WithLabelValues(activity, scanner).Add(float64(n))
}

// AddPickedUp counts picked up scan requests.
func (pm *PrometheusMetrics) AddPickedUp(activity, scanner string, n int) {
	pm.pickedUp.WithLabelValues(activity, scanner).Add(float64(n))
}

// IncSettled counts a request reaching a terminal state.
func (pm *PrometheusMetrics) IncSettled(activity, scanner, state string) {
	pm.settled.WithLabelValues(activity, scanner, state).Inc()
}

// AddSwept counts rows touched by a maintenance sweep.
func (pm *PrometheusMetrics) AddSwept(task string, n int) {
	pm.swept.WithLabelValues(task).Add(float64(n))
}

// IncProxyClaim counts a claim lifecycle event.
func (pm *PrometheusMetrics) IncProxyClaim(event string) {
	pm.proxyClaims.WithLabelValues(event).Inc()
}

// ObserveClaimWait records how long a claim waited.
func (pm *PrometheusMetrics) ObserveClaimWait(d time.Duration) {
	pm.claimWait.Observe(d.Seconds())
}

// IncProxyCheck counts a proxy check by result.
func (pm *PrometheusMetrics) IncProxyCheck(result string) {
	pm.proxyChecks.WithLabelValues(result).Inc()
}

// SetProxyCapacity records the capacity counters seen through a proxy.
func (pm *PrometheusMetrics) SetProxyCapacity(proxy string, current, maximum, thisClient int) {
	pm.proxyCapacity.WithLabelValues(proxy, "current").Set(float64(current))
	pm.proxyCapacity.WithLabelValues(proxy, "max").Set(float64(maximum))
	pm.proxyCapacity.WithLabelValues(proxy, "this_client").Set(float64(thisClient))
}

// IncExternalCall counts a call to the external API.
func (pm *PrometheusMetrics) IncExternalCall(endpoint, outcome string) {
	pm.externalCalls.WithLabelValues(endpoint, outcome).Inc()
}

// IncResultStored counts a result store outcome.
func (pm *PrometheusMetrics) IncResultStored(scanType, outcome string) {
	pm.resultsStored.WithLabelValues(scanType, outcome).Inc()
}

// IncWorkerJob counts a worker pool job.
func (pm *PrometheusMetrics) IncWorkerJob(jobType, status string) {
	pm.workerJobs.WithLabelValues(jobType, status).Inc()
}

// ObserveWorkerJob records a worker pool job duration.
func (pm *PrometheusMetrics) ObserveWorkerJob(jobType string, d time.Duration) {
	pm.workerJobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// IncSchedulerRun counts a periodic task run.
func (pm *PrometheusMetrics) IncSchedulerRun(task, status string) {
	pm.schedulerRuns.WithLabelValues(task, status).Inc()
}

// IncHTTPRequest increments HTTP request counter
func (pm *PrometheusMetrics) IncHTTPRequest(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPRequest records HTTP request duration
func (pm *PrometheusMetrics) ObserveHTTPRequest(method, path string, d time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
