package metrics

import "time"

// Nop returns a Recorder that drops everything.
func Nop() Recorder {
	return nopRecorder{}
}

type nopRecorder struct{}

func (nopRecorder) SetQueueDepth(string, string, string, int) {}
func (nopRecorder) AddRequests(string, string, int) {}
func (nopRecorder) AddPickedUp(string, string, int) {}
func (nopRecorder) IncSettled(string, string, string) {}
func (nopRecorder) AddSwept(string, int) {}
func (nopRecorder) IncProxyClaim(string) {}
func (nopRecorder) ObserveClaimWait(time.Duration) {}
func (nopRecorder) IncProxyCheck(string) {}
func (nopRecorder) SetProxyCapacity(string, int, int, int) {}
func (nopRecorder) IncExternalCall(string, string) {}
func (nopRecorder) IncResultStored(string, string) {}
func (nopRecorder) IncWorkerJob(string, string) {}
func (nopRecorder) ObserveWorkerJob(string, time.Duration) {}
func (nopRecorder) IncSchedulerRun(string, string) {}
func (nopRecorder) IncHTTPRequest(string, string, string) {}
func (nopRecorder) ObserveHTTPRequest(string, string, time.Duration) {}

// OrNop returns r, or a no-op recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop()
	}
	return r
}

// Timer measures an operation and reports it to a callback when stopped.
type Timer struct {
	start  time.Time
	report func(time.Duration)
}

// NewTimer creates and starts a new timer.
func NewTimer(report func(time.Duration)) *Timer {
	return &Timer{start: time.Now(), report: report}
}

// Stop reports the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.report != nil {
		t.report(elapsed)
	}
	return elapsed
}
