// Package orchestrator moves picked-up scan requests to a terminal state.
// External lanes drive the third-party assessment API through one claimed
// proxy per batch; local lanes run the built-in probes. The orchestrator is
// the error boundary: every target it is handed ends finished or error,
// unless the process is cancelled, in which case the queue sweep recovers
// the rest.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
	"github.com/anstrom/scanledger/internal/probes"
	"github.com/anstrom/scanledger/internal/proxypool"
	"github.com/anstrom/scanledger/internal/results"
)

// Queue is the part of the request ledger the orchestrator needs.
// Implemented by db.QueueRepository.
type Queue interface {
	Pickup(ctx context.Context, activity db.Activity, scanner string, amount, maxConcurrent int) ([]string, error)
	Finish(ctx context.Context, activity db.Activity, scanner, target string) (bool, error)
	Error(ctx context.Context, activity db.Activity, scanner, target, reason string) (bool, error)
}

var _ Queue = (*db.QueueRepository)(nil)

// Lane is one (activity, scanner) stream of work.
type Lane struct {
	Activity db.Activity `json:"activity"`
	Scanner  string      `json:"scanner"`
}

func (l Lane) String() string {
	return string(l.Activity) + "/" + l.Scanner
}

// Outcome is the terminal state reached by one target.
type Outcome struct {
	Target   string          `json:"target"`
	State    db.RequestState `json:"state"`
	Reason   string          `json:"reason,omitempty"`
	Findings int             `json:"findings"`
}

func finished(target string, findings int) Outcome {
	return Outcome{Target: target, State: db.StateFinished, Findings: findings}
}

func failed(target, reason string) Outcome {
	return Outcome{Target: target, State: db.StateError, Reason: reason}
}

// BatchReport describes one batch run.
type BatchReport struct {
	Lane     Lane          `json:"lane"`
	Label    string        `json:"label"`
	Proxies  []string      `json:"proxies,omitempty"`
	Outcomes []Outcome     `json:"outcomes"`
	Duration time.Duration `json:"duration"`
}

// Count returns how many outcomes reached state.
func (r BatchReport) Count(state db.RequestState) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.WithComponent("orchestrator") }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNop(r) }
}

// WithProbes sets the registry used for local lanes.
func WithProbes(r *probes.Registry) Option {
	return func(o *Orchestrator) { o.probes = r }
}

// Orchestrator runs batches of picked-up targets.
type Orchestrator struct {
	queue    Queue
	pool     *proxypool.Pool
	results  results.Store
	probes   *probes.Registry
	settings *settingsCache
	logger   *logging.Logger
	metrics  metrics.Recorder
}

// New creates an orchestrator. Settings are reloaded through load at most
// once per ttl.
func New(
	queue Queue, pool *proxypool.Pool, store results.Store, load SettingsLoader, ttl time.Duration, opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		queue:   queue,
		pool:    pool,
		results: store,
		probes:  probes.NewRegistry(),
		logger:  logging.Default().WithComponent("orchestrator"),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.settings = newSettingsCache(load, ttl, o.logger)
	return o
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	return o.settings.Get()
}

// RunBatch scans targets of an external lane through one claimed proxy and
// settles every target that reached an outcome.
func (o *Orchestrator) RunBatch(ctx context.Context, lane Lane, targets []string) BatchReport {
	report := o.scanExternal(ctx, lane, targets)
	if err := o.Settle(ctx, lane, report.Outcomes); err != nil {
		o.logger.Error("Failed to settle batch", "lane", lane.String(), "label", report.Label, "error", err)
	}
	return report
}

// Settle writes outcomes to the queue. It runs to completion even when ctx
// is cancelled, and reports every failed write.
func (o *Orchestrator) Settle(ctx context.Context, lane Lane, outcomes []Outcome) error {
	ctx = context.WithoutCancel(ctx)
	log := o.logger.WithLane(string(lane.Activity), lane.Scanner)

	var result *multierror.Error
	for _, out := range outcomes {
		var (
			changed bool
			err     error
		)
		switch out.State {
		case db.StateFinished:
			changed, err = o.queue.Finish(ctx, lane.Activity, lane.Scanner, out.Target)
		case db.StateError:
			changed, err = o.queue.Error(ctx, lane.Activity, lane.Scanner, out.Target, out.Reason)
		default:
			err = fmt.Errorf("cannot settle %s as %s", out.Target, out.State)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("settle %s: %w", out.Target, err))
			continue
		}
		if !changed {
			log.Warn("Scan request was no longer picked up", "target", out.Target, "state", out.State)
			continue
		}
		o.metrics.IncSettled(string(lane.Activity), lane.Scanner, string(out.State))
	}
	return result.ErrorOrNil()
}

// batch is the mutable state of one external batch.
type batch struct {
	lane     Lane
	label    string
	settings Settings
	proxy    *db.Proxy
	api      extapi.API
	backoff  time.Duration
	log      *logging.Logger
	report   *BatchReport
}

func newLabel(lane Lane) string {
	return lane.String() + "/" + uuid.NewString()
}

func (o *Orchestrator) scanExternal(ctx context.Context, lane Lane, targets []string) BatchReport {
	start := time.Now()
	settings := o.settings.Get()
	report := BatchReport{Lane: lane, Label: newLabel(lane)}
	b := &batch{
		lane:     lane,
		label:    report.Label,
		settings: settings,
		log:      o.logger.WithLane(string(lane.Activity), lane.Scanner).WithFields("label", report.Label),
		report:   &report,
	}
	defer o.release(ctx, b)

	b.log.Info("Starting external batch", "targets", len(targets))

	for i, target := range targets {
		if ctx.Err() != nil {
			b.log.Warn("Batch cancelled, leaving targets for the sweep", "remaining", len(targets)-i)
			break
		}

		out, err := o.scanWithProxy(ctx, b, target)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Claiming failed on the store. The remaining targets cannot run.
			for _, rest := range targets[i:] {
				report.Outcomes = append(report.Outcomes, failed(rest, "claim proxy: "+err.Error()))
			}
			break
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	report.Duration = time.Since(start)
	b.log.Info("External batch done",
		"finished", report.Count(db.StateFinished),
		"errored", report.Count(db.StateError),
		"duration", report.Duration)
	return report
}

// scanWithProxy runs one target, claiming a proxy first when the batch has
// none. A proxy reported dead is marked, released and replaced before the
// target is tried again. Errors are only returned for a failed claim or a
// cancelled ctx.
func (o *Orchestrator) scanWithProxy(ctx context.Context, b *batch, target string) (Outcome, error) {
	for {
		if b.proxy == nil {
			if err := o.claim(ctx, b); err != nil {
				return Outcome{}, err
			}
			if b.proxy == nil {
				continue
			}
		}

		out, err := o.scanTarget(ctx, b, target)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		var proxyErr *errors.ProxyError
		if stderrors.As(err, &proxyErr) {
			b.log.Warn("Proxy failed during batch, claiming another",
				"proxy", proxypool.Redact(b.proxy.Address), "reason", proxyErr.Reason, "target", target)
			if proxyErr.Reason != proxypool.ReasonOutOfResource {
				if err := o.pool.MarkDead(context.WithoutCancel(ctx), b.proxy, proxyErr.Reason); err != nil {
					b.log.Error("Failed to mark proxy dead", "error", err)
				}
			}
			o.release(ctx, b)
			continue
		}
		return failed(target, err.Error()), nil
	}
}

// claim leases a proxy for the batch. A proxy without a usable address is
// marked dead and released, leaving b.proxy nil.
func (o *Orchestrator) claim(ctx context.Context, b *batch) error {
	proxy, err := o.pool.Claim(ctx, b.label)
	if err != nil {
		return err
	}
	b.proxy = proxy
	b.backoff = b.settings.RetryBackoff
	b.report.Proxies = append(b.report.Proxies, proxypool.Redact(proxy.Address))

	api, err := o.pool.Client(proxy)
	if err != nil {
		b.log.Error("Proxy address unusable", "proxy", proxypool.Redact(proxy.Address), "error", err)
		if err := o.pool.MarkDead(context.WithoutCancel(ctx), proxy, proxypool.CheckInvalidAddress); err != nil {
			b.log.Error("Failed to mark proxy dead", "error", err)
		}
		o.release(ctx, b)
		return nil
	}
	b.api = api
	return nil
}

func (o *Orchestrator) release(ctx context.Context, b *batch) {
	if b.proxy == nil {
		return
	}
	if err := o.pool.Release(context.WithoutCancel(ctx), b.proxy, b.label); err != nil {
		b.log.Error("Failed to release proxy", "proxy", proxypool.Redact(b.proxy.Address), "error", err)
	}
	b.proxy, b.api = nil, nil
}

// scanTarget submits target, polls until the assessment ends and stores
// the findings. The returned error is either ctx's or a *errors.ProxyError;
// every other failure becomes an error outcome.
func (o *Orchestrator) scanTarget(ctx context.Context, b *batch, target string) (out Outcome, err error) {
	log := b.log.WithTarget(target)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while scanning target", "panic", r, "stack", string(debug.Stack()))
			out, err = failed(target, fmt.Sprintf("panic: %v", r)), nil
		}
	}()

	var (
		startNew    = true
		netFailures = 0
		started     = time.Now()
	)
	for {
		if startNew {
			if _, err := o.pool.AwaitCapacity(ctx, b.proxy, b.api); err != nil {
				if ctx.Err() != nil || errors.IsCode(err, errors.CodeProxyDead) {
					return Outcome{}, err
				}
				log.Error("Capacity check failed", "error", err)
				return failed(target, "capacity check: "+err.Error()), nil
			}
		}

		a, _, err := b.api.Analyze(ctx, target, startNew)
		if err == nil {
			netFailures = 0
			if a.Status.Terminal() {
				return o.store(ctx, log, target, a)
			}
			if !a.Status.Pending() {
				log.Error("Unexpected assessment status", "status", a.Status, "raw", string(a.Raw))
				return failed(target, fmt.Sprintf("unexpected status %q", a.Status)), nil
			}
			if b.settings.PickupTimeout > 0 && time.Since(started) > b.settings.PickupTimeout {
				return failed(target, "assessment did not finish within "+b.settings.PickupTimeout.String()), nil
			}
			startNew = false
			log.Debug("Assessment pending", "status", a.Status, "poll_interval", b.settings.PollInterval)
			if err := sleep(ctx, b.settings.PollInterval); err != nil {
				return Outcome{}, err
			}
			continue
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		if apiErr, ok := extapi.AsAPIError(err); ok {
			switch apiErr.Kind {
			case extapi.KindAtCapacity:
				log.Info("External API at capacity, retrying", "backoff", b.backoff)
			case extapi.KindConcurrentLimit:
				b.backoff = min(b.backoff+b.settings.ConcurrentLimitStep, b.settings.MaxBackoff)
				log.Info("Concurrent assessment limit reached, backing off", "backoff", b.backoff)
				dead, noteErr := o.pool.NoteOutOfResource(ctx, b.proxy)
				if noteErr != nil {
					log.Error("Failed to count out-of-resource", "error", noteErr)
				}
				if dead {
					return Outcome{}, errors.ErrProxyDead(proxypool.Redact(b.proxy.Address), proxypool.ReasonOutOfResource, err)
				}
			default:
				log.Error("Unrecognised external API error", "error", err, "status_code", apiErr.StatusCode)
				return failed(target, err.Error()), nil
			}
			if err := sleep(ctx, b.backoff); err != nil {
				return Outcome{}, err
			}
			continue
		}

		switch {
		case errors.IsRetryable(err):
			netFailures++
			if netFailures >= b.settings.MaxNetworkRetries {
				log.Warn("Giving up after network errors", "attempts", netFailures, "error", err)
				return failed(target, fmt.Sprintf("network error after %d attempts: %v", netFailures, err)), nil
			}
			log.Info("Network error, retrying", "attempt", netFailures, "wait", b.settings.NetworkRetryWait, "error", err)
			if err := sleep(ctx, b.settings.NetworkRetryWait); err != nil {
				return Outcome{}, err
			}
		case errors.IsCode(err, errors.CodeMalformedResponse):
			log.Error("Malformed external API response", "error", err, "submit", startNew)
			return failed(target, err.Error()), nil
		default:
			log.Error("External API call failed", "error", err)
			return failed(target, err.Error()), nil
		}
	}
}

func (o *Orchestrator) store(ctx context.Context, log *logging.Logger, target string, a *extapi.Assessment) (Outcome, error) {
	findings, err := results.Normalize(target, a)
	if err != nil {
		log.Error("Cannot normalise assessment", "error", err, "raw", string(a.Raw))
		return failed(target, err.Error()), nil
	}
	if err := results.Save(ctx, o.results, o.metrics, findings); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Error("Failed to store results", "error", err)
		return failed(target, err.Error()), nil
	}
	log.Info("Assessment stored", "status", a.Status, "findings", len(findings))
	return finished(target, len(findings)), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
