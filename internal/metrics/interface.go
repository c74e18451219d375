package metrics

import "time"

//go:generate mockgen -source=interface.go -destination=mocks/mock_recorder.go -package=mocks

// Recorder is the metrics surface the core packages write to.
// This interface allows for easy mocking and testing of metrics functionality.
type Recorder interface {
	SetQueueDepth(scanner, activity, state string, count int)
	AddRequests(activity, scanner string, n int)
	AddPickedUp(activity, scanner string, n int)
	IncSettled(activity, scanner, state string)
	AddSwept(task string, n int)

	IncProxyClaim(event string)
	ObserveClaimWait(d time.Duration)
	IncProxyCheck(result string)
	SetProxyCapacity(proxy string, current, maximum, thisClient int)

	IncExternalCall(endpoint, outcome string)
	IncResultStored(scanType, outcome string)

	IncWorkerJob(jobType, status string)
	ObserveWorkerJob(jobType string, d time.Duration)
	IncSchedulerRun(task, status string)

	IncHTTPRequest(method, path, status string)
	ObserveHTTPRequest(method, path string, d time.Duration)
}

// Ensure that PrometheusMetrics implements Recorder.
var _ Recorder = (*PrometheusMetrics)(nil)
