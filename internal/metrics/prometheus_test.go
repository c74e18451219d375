package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	require.NotNil(t, pm.GetRegistry())

	pm.UpdateSystemMetrics()
	before := pm.GetUptime()
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, pm.GetUptime(), before)
	assert.False(t, pm.GetLastUpdate().IsZero())
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.SetQueueDepth("tlsq", "scan", "requested", 4)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "scanledger_system_uptime_seconds")
	assert.Contains(t, body, `scanledger_queue_requests{activity="scan",scanner="tlsq",state="requested"} 4`)
}

func TestPrometheusMetrics_QueueMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.AddRequests("scan", "tlsq", 2)
	pm.AddRequests("scan", "tlsq", 3)
	pm.AddPickedUp("scan", "tlsq", 5)
	pm.IncSettled("scan", "tlsq", "finished")
	pm.IncSettled("scan", "tlsq", "error")
	pm.AddSwept("queue_retry", 1)

	assert.Equal(t, float64(5), testutil.ToFloat64(pm.requestsCreated.WithLabelValues("scan", "tlsq")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.settled))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.swept))
}

func TestPrometheusMetrics_ProxyMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncProxyClaim("claimed")
	pm.IncProxyClaim("released")
	pm.ObserveClaimWait(2 * time.Second)
	pm.IncProxyCheck("ok")
	pm.IncProxyCheck("proxy_error")
	pm.SetProxyCapacity("http://10.0.0.1:3128", 3, 25, 25)

	assert.Equal(t, 2, testutil.CollectAndCount(pm.proxyClaims))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.claimWait))
	assert.Equal(t, 3, testutil.CollectAndCount(pm.proxyCapacity))
	assert.Equal(t, float64(25),
		testutil.ToFloat64(pm.proxyCapacity.WithLabelValues("http://10.0.0.1:3128", "max")))
}

func TestPrometheusMetrics_WorkerAndAPI(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncWorkerJob("proxy_check", "success")
	pm.ObserveWorkerJob("proxy_check", 50*time.Millisecond)
	pm.IncSchedulerRun("queue_retry_sweep", "success")
	pm.IncExternalCall("analyze", "ok")
	pm.IncResultStored("tls_encryption_quality", "unchanged")
	pm.IncHTTPRequest("GET", "/api/v1/progress", "200")
	pm.ObserveHTTPRequest("GET", "/api/v1/progress", time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(pm.workerJobs))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.workerJobDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.schedulerRuns))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.externalCalls))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.resultsStored))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.httpRequests))
}

func TestPrometheusMetrics_PeriodicUpdatesStop(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop")
	}
}

func TestGlobalMetricsIsSingleton(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}

func TestNopAndTimer(t *testing.T) {
	r := OrNop(nil)
	r.IncProxyClaim("claimed")
	r.ObserveHTTPRequest("GET", "/", time.Second)

	var seen time.Duration
	timer := NewTimer(func(d time.Duration) { seen = d })
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	assert.Equal(t, elapsed, seen)
	assert.True(t, strings.HasSuffix(elapsed.String(), "s"))

	pm := NewPrometheusMetrics()
	assert.Same(t, pm, OrNop(pm))
}
