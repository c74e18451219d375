package proxypool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/extapi"
	"github.com/anstrom/scanledger/internal/workers"
)

// Check results stored in check_result.
const (
	CheckOK                = "ok"
	CheckProxyError        = "proxy_error"
	CheckSSLError          = "ssl_error"
	CheckConnectTimeout    = "connect_timeout"
	CheckConnectionError   = "connection_error"
	CheckProtocolError     = "protocol_error"
	CheckBadStatusLine     = "bad_status_line"
	CheckInvalidAddress    = "invalid_address"
	CheckMalformedResponse = "malformed_response"
)

// ClassifyCheckError maps a transport failure to a check result.
func ClassifyCheckError(err error) string {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		if opErr.Timeout() {
			return CheckConnectTimeout
		}
		return CheckProxyError
	}

	var (
		verifyErr    *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		alertErr     tls.AlertError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
	)
	if stderrors.As(err, &verifyErr) || stderrors.As(err, &recordErr) || stderrors.As(err, &alertErr) ||
		stderrors.As(err, &authorityErr) || stderrors.As(err, &hostnameErr) || stderrors.As(err, &invalidErr) {
		return CheckSSLError
	}

	msg := err.Error()
	if strings.Contains(msg, "malformed HTTP status code") || strings.Contains(msg, "malformed HTTP response") {
		return CheckBadStatusLine
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return CheckConnectTimeout
	}

	if stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF) || strings.Contains(msg, "malformed") {
		return CheckProtocolError
	}
	return CheckConnectionError
}

// Check probes a proxy. A failing GET of the test URL marks the proxy dead
// with the classified reason. Otherwise the external API info endpoint is
// called twice through the proxy: the first call reads capacity, the second
// is timed for request_speed_ms. A healthy proxy is revived if it was dead.
func (p *Pool) Check(ctx context.Context, proxy *db.Proxy) (string, error) {
	log := p.logger.WithProxy(Redact(proxy.Address))

	dead := func(reason string, cause error) (string, error) {
		p.metrics.IncProxyCheck(reason)
		log.Info("Proxy check failed", "result", reason, "error", cause)
		if err := p.store.MarkDead(ctx, proxy.ID, reason); err != nil {
			return reason, err
		}
		return reason, nil
	}

	hc, err := p.httpClient(proxy.Address, p.cfg.CheckTimeout)
	if err != nil {
		return dead(CheckInvalidAddress, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.TestURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("build proxy test request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return dead(ClassifyCheckError(err), err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return dead(CheckProxyError, fmt.Errorf("test url returned %s", resp.Status))
	}

	api, err := p.api(proxy.Address)
	if err != nil {
		return dead(CheckInvalidAddress, err)
	}

	_, capacity, err := api.Info(ctx)
	if reason, failed := p.apiFailure(ctx, err); failed {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return dead(reason, err)
	}

	start := time.Now()
	_, second, err := api.Info(ctx)
	speed := time.Since(start)
	if reason, failed := p.apiFailure(ctx, err); failed {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return dead(reason, err)
	}
	if second.Known {
		capacity = second
	}

	health := db.ProxyHealth{
		CheckResult:    CheckOK,
		Capacity:       toDBCapacity(capacity),
		RequestSpeedMS: int(speed.Milliseconds()),
		CheckedAt:      time.Now(),
	}
	if err := p.store.RecordHealth(ctx, proxy.ID, health); err != nil {
		return "", err
	}
	p.metrics.IncProxyCheck(CheckOK)
	p.metrics.SetProxyCapacity(Redact(proxy.Address), capacity.Current, capacity.Max, capacity.ClientMax)
	log.Debug("Proxy healthy", "speed_ms", health.RequestSpeedMS,
		"capacity_current", capacity.Current, "capacity_max", capacity.Max)
	return CheckOK, nil
}

// apiFailure reports whether an info call error means the proxy is unusable.
// API-level errors prove the proxy works and are not failures.
func (p *Pool) apiFailure(ctx context.Context, err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if ctx.Err() != nil {
		return "", true
	}
	if _, ok := extapi.AsAPIError(err); ok {
		return "", false
	}
	if errors.IsCode(err, errors.CodeMalformedResponse) {
		return CheckMalformedResponse, true
	}
	return ClassifyCheckError(err), true
}

// CheckSummary counts the outcomes of CheckAll.
type CheckSummary struct {
	Checked int              `json:"checked"`
	Alive   int              `json:"alive"`
	Dead    int              `json:"dead"`
	Results map[int64]string `json:"results"`
}

// CheckAll checks every proxy that is neither disabled nor claimed, with
// at most CheckConcurrency checks in flight.
func (p *Pool) CheckAll(ctx context.Context) (CheckSummary, error) {
	proxies, err := p.store.ListCheckable(ctx)
	if err != nil {
		return CheckSummary{}, err
	}

	var mu sync.Mutex
	summary := CheckSummary{Results: make(map[int64]string, len(proxies))}

	jobs := make([]workers.Job, 0, len(proxies))
	for _, proxy := range proxies {
		jobs = append(jobs, workers.NewJob(fmt.Sprintf("proxy-%d", proxy.ID), "proxy_check",
			func(jobCtx context.Context) error {
				result, err := p.Check(jobCtx, proxy)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				summary.Results[proxy.ID] = result
				return nil
			}))
	}

	results := workers.RunAll(ctx, workers.Config{
		Size:            p.cfg.CheckConcurrency,
		ShutdownTimeout: p.cfg.CheckTimeout * 4,
	}, p.metrics, jobs)

	var firstErr error
	for _, r := range results {
		if r.Error != nil && firstErr == nil {
			firstErr = r.Error
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, result := range summary.Results {
		summary.Checked++
		if result == CheckOK {
			summary.Alive++
		} else {
			summary.Dead++
		}
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, firstErr
}

func toDBCapacity(c extapi.Capacity) db.Capacity {
	return db.Capacity{Current: c.Current, Max: c.Max, ThisClient: c.ClientMax}
}
