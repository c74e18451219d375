package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/memstore"
	"github.com/anstrom/scanledger/internal/probes"
	"github.com/anstrom/scanledger/internal/proxypool"
	"github.com/anstrom/scanledger/internal/results"
)

var (
	fullCapacity     = extapi.Capacity{Current: 25, Max: 25, ClientMax: 25, Known: true}
	headroomCapacity = extapi.Capacity{Current: 3, Max: 25, ClientMax: 25, Known: true}
	tlsqLane         = Lane{Activity: db.ActivityScan, Scanner: "tlsq"}
	stubLane         = Lane{Activity: db.ActivityVerify, Scanner: "stub"}
)

// reply is one scripted answer of the fake assessment API.
type reply struct {
	status extapi.Status
	grade  string
	err    error
	panic  bool
	onCall func()
}

// fakeAPI scripts the external API. Replies are consumed per target and the
// last one repeats; targets without a script are READY with grade A.
type fakeAPI struct {
	mu               sync.Mutex
	fullPerSubmit    int
	pendingFull      int
	full             bool
	deadProxies      map[string]bool
	replies          map[string][]reply
	infoCalls        int
	infoResets       int
	submits          []string
	submitsWhileFull int
	polls            map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		deadProxies: map[string]bool{},
		replies:     map[string][]reply{},
		polls:       map[string]int{},
	}
}

func (f *fakeAPI) script(target string, replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[target] = replies
}

func (f *fakeAPI) factory(address string) (extapi.API, error) {
	return &boundAPI{f: f, proxy: address}, nil
}

type boundAPI struct {
	f     *fakeAPI
	proxy string
}

func (b *boundAPI) Info(context.Context) (*extapi.Info, extapi.Capacity, error) {
	f := b.f
	f.mu.Lock()
	defer f.mu.Unlock()

	f.infoCalls++
	if f.infoResets > 0 {
		f.infoResets--
		return nil, extapi.Capacity{}, errors.ErrNetwork(b.proxy, "info", stderrors.New("read: connection reset by peer"))
	}
	if f.deadProxies[b.proxy] {
		return nil, extapi.Capacity{}, errors.ErrNetwork(b.proxy, "info", stderrors.New("proxyconnect tcp: connection refused"))
	}
	if f.pendingFull < f.fullPerSubmit {
		f.pendingFull++
		f.full = true
		return &extapi.Info{}, fullCapacity, nil
	}
	f.full = false
	return &extapi.Info{}, headroomCapacity, nil
}

func (b *boundAPI) Analyze(_ context.Context, host string, startNew bool) (*extapi.Assessment, extapi.Capacity, error) {
	f := b.f
	f.mu.Lock()
	if startNew {
		f.submits = append(f.submits, host)
		if f.full {
			f.submitsWhileFull++
		}
		f.pendingFull = 0
	} else {
		f.polls[host]++
	}
	r := reply{status: extapi.StatusReady, grade: "A"}
	if rs := f.replies[host]; len(rs) > 0 {
		r = rs[0]
		if len(rs) > 1 {
			f.replies[host] = rs[1:]
		}
	}
	f.mu.Unlock()

	if r.onCall != nil {
		r.onCall()
	}
	if r.panic {
		panic("boom")
	}
	if r.err != nil {
		return nil, headroomCapacity, r.err
	}

	a := &extapi.Assessment{Host: host, Status: r.status}
	switch r.status {
	case extapi.StatusReady:
		a.Endpoints = []extapi.Endpoint{{IPAddress: "192.0.2.1", Grade: r.grade, GradeTrustIgnored: r.grade, StatusMessage: "Ready"}}
	case extapi.StatusError:
		a.StatusMessage = "Unable to resolve domain name"
	}
	return a, headroomCapacity, nil
}

type stubProbe struct{}

func (stubProbe) Name() string              { return "stub" }
func (stubProbe) Activities() []db.Activity { return []db.Activity{db.ActivityVerify} }
func (stubProbe) Run(_ context.Context, _ db.Activity, target string) ([]db.Finding, error) {
	switch target {
	case "bad.example":
		return nil, errors.NewScanError(errors.CodeScanFailed, "probe failed")
	case "panic.example":
		panic("probe exploded")
	}
	return []db.Finding{{Target: target, ScanType: "stub_check", Rating: "ok", Message: "fine"}}, nil
}

func testSettings() Settings {
	return Settings{
		PollInterval:        time.Millisecond,
		RetryBackoff:        time.Millisecond,
		ConcurrentLimitStep: time.Millisecond,
		MaxBackoff:          3 * time.Millisecond,
		MaxNetworkRetries:   3,
		NetworkRetryWait:    time.Millisecond,
		IdleInterval:        time.Millisecond,
		ProbeConcurrency:    4,
		ProbeTimeout:        time.Second,
		Scanners: []config.ScannerConfig{
			{Name: "tlsq", Kind: config.ScannerKindExternal, Activities: []string{"scan"}, BatchSize: 25, MaxConcurrent: 25, Workers: 1},
			{Name: "stub", Kind: config.ScannerKindLocal, Activities: []string{"verify"}, BatchSize: 10, Workers: 1},
		},
	}
}

type harness struct {
	queue   *memstore.Queue
	proxies *memstore.Proxies
	results *memstore.Results
	api     *fakeAPI
	pool    *proxypool.Pool
	orch    *Orchestrator
}

func newHarness(t *testing.T, store proxypool.Store, addresses ...string) *harness {
	t.Helper()
	h := &harness{
		queue:   memstore.NewQueue(0),
		proxies: memstore.NewProxies(),
		results: memstore.NewResults(),
		api:     newFakeAPI(),
	}
	if store == nil {
		store = h.proxies
	}
	for _, addr := range addresses {
		_, err := h.proxies.Add(context.Background(), addr)
		require.NoError(t, err)
	}
	h.pool = proxypool.New(store, proxypool.Config{
		PollInterval:       time.Millisecond,
		CapacityBackoff:    time.Millisecond,
		CapacityFloor:      20,
		OutOfResourceLimit: 2,
		NetworkRetries:     2,
		NetworkRetryWait:   time.Millisecond,
	}, h.api.factory, proxypool.WithLogger(logging.Discard()))
	h.orch = New(h.queue, h.pool, h.results, StaticSettings(testSettings()), time.Minute,
		WithLogger(logging.Discard()),
		WithProbes(probes.NewRegistry(stubProbe{})))
	return h
}

// pickup requests targets on lane and picks them all up.
func (h *harness) pickup(t *testing.T, lane Lane, targets ...string) []string {
	t.Helper()
	ctx := context.Background()
	_, err := h.queue.Request(ctx, lane.Activity, lane.Scanner, targets)
	require.NoError(t, err)
	picked, err := h.queue.Pickup(ctx, lane.Activity, lane.Scanner, len(targets), 0)
	require.NoError(t, err)
	require.Len(t, picked, len(targets))
	return picked
}

func (h *harness) state(t *testing.T, lane Lane, target string) db.RequestState {
	t.Helper()
	s, ok := h.queue.StateOf(lane.Activity, lane.Scanner, target)
	require.True(t, ok, "no row for %s", target)
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunBatchDefersSubmissionsUntilHeadroom(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128")
	h.api.fullPerSubmit = 2

	var targets []string
	for i := range 25 {
		targets = append(targets, fmt.Sprintf("host%02d.example", i))
	}
	picked := h.pickup(t, tlsqLane, targets...)

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)

	assert.Equal(t, 25, report.Count(db.StateFinished))
	assert.Equal(t, targets, h.api.submits, "every target submitted once, in order")
	assert.Zero(t, h.api.submitsWhileFull, "no submission while capacity was exhausted")
	assert.Equal(t, 25*3, h.api.infoCalls)
	for _, target := range targets {
		assert.Equal(t, db.StateFinished, h.state(t, tlsqLane, target))
	}

	proxy, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, proxy.CurrentlyClaimed, "proxy released after the batch")
	assert.Equal(t, 25, proxy.CapacityMax)
}

func TestRunBatchPollsUntilTerminal(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128")
	h.api.script("slow.example",
		reply{status: extapi.StatusDNS},
		reply{status: extapi.StatusInProgress},
		reply{status: extapi.StatusRunning},
		reply{status: extapi.StatusReady, grade: "B"},
	)
	picked := h.pickup(t, tlsqLane, "slow.example")

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, db.StateFinished, report.Outcomes[0].State)
	assert.Equal(t, 2, report.Outcomes[0].Findings)
	assert.Equal(t, 3, h.api.polls["slow.example"])

	latest, err := h.results.Latest(context.Background(), "slow.example", results.ScanTypeEncryptionQuality)
	require.NoError(t, err)
	assert.Equal(t, "B", latest.Rating)
}

func TestRunBatchOutcomes(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128")
	netErr := func(host string) error {
		return errors.ErrNetwork(host, "poll", stderrors.New("connection reset by peer"))
	}
	h.api.script("err.example", reply{status: extapi.StatusError})
	h.api.script("unknown.example", reply{err: &extapi.APIError{Kind: extapi.KindUnknown, StatusCode: 400, Messages: []string{"Invalid host"}}})
	h.api.script("flaky.example", reply{err: netErr("flaky.example")}, reply{err: netErr("flaky.example")}, reply{status: extapi.StatusReady, grade: "A+"})
	h.api.script("down.example", reply{err: netErr("down.example")})
	h.api.script("garbled.example", reply{err: errors.ErrMalformedResponse("garbled.example", "empty status", nil)})
	h.api.script("boom.example", reply{panic: true})
	h.api.script("busy.example",
		reply{err: &extapi.APIError{Kind: extapi.KindAtCapacity, StatusCode: 529}},
		reply{err: &extapi.APIError{Kind: extapi.KindConcurrentLimit, StatusCode: 429}},
		reply{status: extapi.StatusReady, grade: "A"},
	)

	targets := []string{
		"ok.example", "err.example", "unknown.example", "flaky.example",
		"down.example", "garbled.example", "boom.example", "busy.example",
	}
	picked := h.pickup(t, tlsqLane, targets...)

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)
	require.Len(t, report.Outcomes, len(targets))

	want := map[string]db.RequestState{
		"ok.example":      db.StateFinished,
		"err.example":     db.StateFinished,
		"unknown.example": db.StateError,
		"flaky.example":   db.StateFinished,
		"down.example":    db.StateError,
		"garbled.example": db.StateError,
		"boom.example":    db.StateError,
		"busy.example":    db.StateFinished,
	}
	for i, out := range report.Outcomes {
		assert.Equal(t, targets[i], out.Target)
		assert.Equal(t, want[out.Target], out.State, out.Target)
		assert.Equal(t, want[out.Target], h.state(t, tlsqLane, out.Target), out.Target)
	}

	byTarget := map[string]Outcome{}
	for _, out := range report.Outcomes {
		byTarget[out.Target] = out
	}
	assert.Contains(t, byTarget["down.example"].Reason, "network error after 3 attempts")
	assert.Contains(t, byTarget["boom.example"].Reason, "panic: boom")
	assert.Contains(t, byTarget["unknown.example"].Reason, "Invalid host")

	scanErr, err := h.results.Latest(context.Background(), "err.example", results.ScanTypeEncryptionQuality)
	require.NoError(t, err)
	assert.Equal(t, results.RatingScanError, scanErr.Rating)
	assert.Equal(t, "Unable to resolve domain name", scanErr.Message)

	proxy, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, proxy.OutOfResourceCounter)
	assert.False(t, proxy.IsDead)
	assert.Len(t, report.Proxies, 1)
}

func TestRunBatchReplacesDeadProxy(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128", "http://10.0.0.2:3128")
	h.proxies.SetSpeed(1, 10)
	h.proxies.SetSpeed(2, 50)
	h.api.deadProxies["http://10.0.0.1:3128"] = true
	picked := h.pickup(t, tlsqLane, "a.example", "b.example")

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)

	assert.Equal(t, 2, report.Count(db.StateFinished))
	assert.Equal(t, []string{"http://10.0.0.1:3128", "http://10.0.0.2:3128"}, report.Proxies)

	first, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, first.IsDead)
	assert.Equal(t, proxypool.ReasonCapacityCheckFailed, first.IsDeadReason)
	assert.False(t, first.CurrentlyClaimed)

	second, err := h.proxies.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, second.IsDead)
	assert.False(t, second.CurrentlyClaimed)
}

func TestRunBatchKeepsProxyAfterTransientCapacityReadFailure(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128")
	h.api.infoResets = 1
	picked := h.pickup(t, tlsqLane, "a.example")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := h.orch.RunBatch(ctx, tlsqLane, picked)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, db.StateFinished, report.Outcomes[0].State)
	assert.Equal(t, db.StateFinished, h.state(t, tlsqLane, "a.example"))
	assert.Len(t, report.Proxies, 1)

	proxy, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, proxy.IsDead)
	assert.False(t, proxy.CurrentlyClaimed)
}

func TestRunBatchOutOfResourceKillsProxy(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128", "http://10.0.0.2:3128")
	h.proxies.SetSpeed(1, 10)
	h.proxies.SetSpeed(2, 50)
	limit := reply{err: &extapi.APIError{Kind: extapi.KindConcurrentLimit, StatusCode: 429}}
	h.api.script("a.example", limit, limit, limit, reply{status: extapi.StatusReady, grade: "A"})
	picked := h.pickup(t, tlsqLane, "a.example")

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, db.StateFinished, report.Outcomes[0].State)
	assert.Len(t, report.Proxies, 2)

	first, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, first.IsDead)
	assert.Equal(t, proxypool.ReasonOutOfResource, first.IsDeadReason)
	assert.Equal(t, 3, first.OutOfResourceCounter)
}

func TestRunBatchCancelledLeavesRemainingPickedUp(t *testing.T) {
	h := newHarness(t, nil, "http://10.0.0.1:3128")
	ctx, cancel := context.WithCancel(testContext(t))
	h.api.script("b.example", reply{status: extapi.StatusInProgress, onCall: cancel})
	picked := h.pickup(t, tlsqLane, "a.example", "b.example", "c.example")

	report := h.orch.RunBatch(ctx, tlsqLane, picked)

	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, db.StateFinished, h.state(t, tlsqLane, "a.example"))
	assert.Equal(t, db.StatePickedUp, h.state(t, tlsqLane, "b.example"))
	assert.Equal(t, db.StatePickedUp, h.state(t, tlsqLane, "c.example"))

	proxy, err := h.proxies.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, proxy.CurrentlyClaimed, "release survives cancellation")
}

type brokenClaims struct {
	*memstore.Proxies
}

func (brokenClaims) ClaimFastest(context.Context, string) (*db.Proxy, error) {
	return nil, errors.NewDatabaseError(errors.CodeDatabaseConnection, "connection refused")
}

func TestRunBatchClaimFailureErrorsEveryTarget(t *testing.T) {
	h := newHarness(t, brokenClaims{memstore.NewProxies()})
	picked := h.pickup(t, tlsqLane, "a.example", "b.example")

	report := h.orch.RunBatch(testContext(t), tlsqLane, picked)

	require.Len(t, report.Outcomes, 2)
	for _, out := range report.Outcomes {
		assert.Equal(t, db.StateError, out.State)
		assert.Contains(t, out.Reason, "claim proxy")
		assert.Equal(t, db.StateError, h.state(t, tlsqLane, out.Target))
	}
}

func TestRunLocal(t *testing.T) {
	h := newHarness(t, nil)
	picked := h.pickup(t, stubLane, "good.example", "bad.example", "panic.example")

	report := h.orch.RunLocal(testContext(t), stubLane, picked)

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, db.StateFinished, h.state(t, stubLane, "good.example"))
	assert.Equal(t, db.StateError, h.state(t, stubLane, "bad.example"))
	assert.Equal(t, db.StateError, h.state(t, stubLane, "panic.example"))

	latest, err := h.results.Latest(context.Background(), "good.example", "stub_check")
	require.NoError(t, err)
	assert.Equal(t, "ok", latest.Rating)
}

type failingQueue struct {
	*memstore.Queue
}

func (failingQueue) Finish(context.Context, db.Activity, string, string) (bool, error) {
	return false, stderrors.New("connection refused")
}

func TestSettleReportsEveryFailure(t *testing.T) {
	h := newHarness(t, nil)
	picked := h.pickup(t, tlsqLane, "a.example", "b.example", "c.example")
	o := New(failingQueue{h.queue}, h.pool, h.results, StaticSettings(testSettings()), time.Minute,
		WithLogger(logging.Discard()))

	err := o.Settle(context.Background(), tlsqLane, []Outcome{
		finished(picked[0], 2),
		failed(picked[1], "network error"),
		finished(picked[2], 2),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settle a.example")
	assert.Contains(t, err.Error(), "settle c.example")
	assert.Equal(t, db.StateError, h.state(t, tlsqLane, "b.example"))
}
