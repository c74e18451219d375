// Package proxypool leases egress proxies to scan batches. A proxy is owned
// by at most one claimer at a time; the claim row in the store is the only
// coordination between worker processes.
package proxypool

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics"
)

// Store persists proxies. Implemented by db.ProxyRepository.
type Store interface {
	ClaimFastest(ctx context.Context, label string) (*db.Proxy, error)
	Release(ctx context.Context, id int64, label string) (bool, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
	MarkDead(ctx context.Context, id int64, reason string) error
	RecordHealth(ctx context.Context, id int64, h db.ProxyHealth) error
	UpdateCapacity(ctx context.Context, id int64, c db.Capacity) error
	IncrementOutOfResource(ctx context.Context, id int64) (int, error)
	ListCheckable(ctx context.Context) ([]*db.Proxy, error)
}

var _ Store = (*db.ProxyRepository)(nil)

// Config tunes the pool.
type Config struct {
	PollInterval       time.Duration
	ClaimTimeout       time.Duration
	TestURL            string
	CheckTimeout       time.Duration
	CheckConcurrency   int
	OutOfResourceLimit int
	CapacityBackoff    time.Duration
	CapacityFloor      int
	NetworkRetries     int
	NetworkRetryWait   time.Duration
}

// ConfigFrom extracts pool settings from the process configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		PollInterval:       c.Proxy.ClaimPollInterval,
		ClaimTimeout:       c.Proxy.ClaimTimeout,
		TestURL:            c.Proxy.TestURL,
		CheckTimeout:       c.Proxy.CheckTimeout,
		CheckConcurrency:   c.Proxy.CheckConcurrency,
		OutOfResourceLimit: c.Proxy.OutOfResourceLimit,
		CapacityBackoff:    c.Orchestrator.CapacityBackoff,
		CapacityFloor:      c.Orchestrator.CapacityFloor,
		NetworkRetries:     c.Orchestrator.MaxNetworkRetries,
		NetworkRetryWait:   c.Orchestrator.NetworkRetryWait,
	}
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l.WithComponent("proxypool") }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) { p.metrics = metrics.OrNop(r) }
}

// WithHTTPClientFunc replaces how check clients are built.
func WithHTTPClientFunc(fn func(proxyAddress string, timeout time.Duration) (*http.Client, error)) Option {
	return func(p *Pool) { p.httpClient = fn }
}

// Pool hands out proxies and keeps their health and capacity up to date.
type Pool struct {
	store      Store
	cfg        Config
	api        extapi.Factory
	httpClient func(proxyAddress string, timeout time.Duration) (*http.Client, error)
	logger     *logging.Logger
	metrics    metrics.Recorder
}

// New creates a pool over store. api builds external API clients bound to a proxy.
func New(store Store, cfg Config, api extapi.Factory, opts ...Option) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * time.Hour
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	if cfg.CheckConcurrency <= 0 {
		cfg.CheckConcurrency = 5
	}
	if cfg.OutOfResourceLimit <= 0 {
		cfg.OutOfResourceLimit = 10
	}
	if cfg.CapacityBackoff <= 0 {
		cfg.CapacityBackoff = 70 * time.Second
	}
	if cfg.NetworkRetries <= 0 {
		cfg.NetworkRetries = 3
	}
	if cfg.NetworkRetryWait <= 0 {
		cfg.NetworkRetryWait = 30 * time.Second
	}

	p := &Pool{
		store:      store,
		cfg:        cfg,
		api:        api,
		httpClient: extapi.HTTPClient,
		logger:     logging.Default().WithComponent("proxypool"),
		metrics:    metrics.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Redact hides proxy credentials for logging.
func Redact(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return address
	}
	return u.Redacted()
}

// Claim leases the fastest eligible proxy to label. While none is eligible
// it polls every PollInterval. It only fails on a store error or when ctx
// is done.
func (p *Pool) Claim(ctx context.Context, label string) (*db.Proxy, error) {
	start := time.Now()
	waiting := false

	for {
		proxy, err := p.store.ClaimFastest(ctx, label)
		if err != nil {
			return nil, err
		}
		if proxy != nil {
			p.metrics.IncProxyClaim("claimed")
			p.metrics.ObserveClaimWait(time.Since(start))
			p.logger.Debug("Proxy claimed", "proxy", Redact(proxy.Address), "label", label)
			return proxy, nil
		}

		if !waiting {
			waiting = true
			p.metrics.IncProxyClaim("waited")
			p.logger.Info("No eligible proxy, waiting", "label", label, "poll_interval", p.cfg.PollInterval)
		}
		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Release gives the proxy back. Releasing a claim that was already swept
// away is logged and otherwise ignored.
func (p *Pool) Release(ctx context.Context, proxy *db.Proxy, label string) error {
	ok, err := p.store.Release(ctx, proxy.ID, label)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Warn("Proxy claim already gone on release", "proxy", Redact(proxy.Address), "label", label)
		return nil
	}
	p.metrics.IncProxyClaim("released")
	return nil
}

// WithProxy claims a proxy, runs fn with it and always releases it. The
// release survives cancellation of ctx.
func (p *Pool) WithProxy(ctx context.Context, label string, fn func(*db.Proxy) error) error {
	proxy, err := p.Claim(ctx, label)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Release(context.WithoutCancel(ctx), proxy, label); err != nil {
			p.logger.Error("Failed to release proxy", "proxy", Redact(proxy.Address), "error", err)
		}
	}()
	return fn(proxy)
}

// TimeoutSweep force-releases claims older than ClaimTimeout.
func (p *Pool) TimeoutSweep(ctx context.Context) (int, error) {
	n, err := p.store.ReleaseStale(ctx, p.cfg.ClaimTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.metrics.IncProxyClaim("swept")
		p.logger.Warn("Released stale proxy claims", "count", n, "older_than", p.cfg.ClaimTimeout)
	}
	return n, nil
}

// MarkDead takes the proxy out of rotation.
func (p *Pool) MarkDead(ctx context.Context, proxy *db.Proxy, reason string) error {
	p.logger.Warn("Marking proxy dead", "proxy", Redact(proxy.Address), "reason", reason)
	p.metrics.IncProxyClaim("marked_dead")
	return p.store.MarkDead(ctx, proxy.ID, reason)
}

// Client returns an external API client routed through proxy.
func (p *Pool) Client(proxy *db.Proxy) (extapi.API, error) {
	return p.api(proxy.Address)
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
