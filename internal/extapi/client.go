// Package extapi is a client for the third-party TLS scanning API. Every
// client is bound to one egress proxy, and every response reports the
// capacity headers used for admission control.
package extapi

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/metrics"
)

// Capacity headers.
const (
	HeaderMaxAssessments       = "X-Max-Assessments"
	HeaderCurrentAssessments   = "X-Current-Assessments"
	HeaderClientMaxAssessments = "X-ClientMaxAssessments"
)

const maxBodyBytes = 8 << 20

// Config configures a Client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	UserAgent         string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the proxy-bound HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder reports calls to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Client) { c.metrics = metrics.OrNop(r) }
}

// Client talks to the external API through a single proxy.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	metrics   metrics.Recorder
}

// HTTPClient returns an HTTP client that routes every request through
// proxyAddress. An empty address connects directly.
func HTTPClient(proxyAddress string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxyAddress != "" {
		u, err := url.Parse(proxyAddress)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy address %q", proxyAddress)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// New creates a client bound to proxyAddress.
func New(cfg Config, proxyAddress string, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("invalid external api base url %q", cfg.BaseURL)
	}

	c := &Client{
		baseURL:   base,
		userAgent: cfg.UserAgent,
		metrics:   metrics.Nop(),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		if c.http, err = HTTPClient(proxyAddress, timeout); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Info calls the info endpoint and returns its payload and the capacity headers.
func (c *Client) Info(ctx context.Context) (*Info, Capacity, error) {
	body, capacity, err := c.get(ctx, "info", "info", nil)
	if err != nil {
		return nil, capacity, err
	}

	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, capacity, errors.ErrMalformedResponse("", "undecodable info payload", err)
	}
	return &info, capacity, nil
}

// Analyze submits (startNew) or polls an assessment of host.
func (c *Client) Analyze(ctx context.Context, host string, startNew bool) (*Assessment, Capacity, error) {
	params := url.Values{}
	params.Set("host", host)
	params.Set("all", "done")
	op := "poll"
	if startNew {
		params.Set("startNew", "on")
		op = "submit"
	}

	body, capacity, err := c.get(ctx, "analyze", host, params)
	if err != nil {
		var se *errors.ScanError
		if stderrors.As(err, &se) {
			se.Operation = op
		}
		return nil, capacity, err
	}

	var a Assessment
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, capacity, errors.ErrMalformedResponse(host, "undecodable assessment payload", err)
	}
	if a.Status == "" {
		return nil, capacity, errors.ErrMalformedResponse(host, "assessment without status", nil)
	}
	a.Raw = body
	return &a, capacity, nil
}

func (c *Client) get(ctx context.Context, endpoint, target string, params url.Values) ([]byte, Capacity, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, Capacity{}, err
		}
	}

	u := c.baseURL.JoinPath(endpoint)
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, Capacity{}, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Capacity{}, ctx.Err()
		}
		c.metrics.IncExternalCall(endpoint, "network_error")
		return nil, Capacity{}, errors.ErrNetwork(target, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	capacity := ParseCapacity(resp.Header)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.metrics.IncExternalCall(endpoint, "network_error")
		return nil, capacity, errors.ErrNetwork(target, endpoint, err)
	}

	if apiErr := decodeAPIError(resp.StatusCode, body); apiErr != nil {
		c.metrics.IncExternalCall(endpoint, apiErr.Kind.String())
		return nil, capacity, apiErr
	}

	c.metrics.IncExternalCall(endpoint, "ok")
	return body, capacity, nil
}

// decodeAPIError returns an APIError for non-2xx statuses and for 2xx
// bodies that carry an errors list.
func decodeAPIError(statusCode int, body []byte) *APIError {
	var payload apiErrorPayload
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		_ = json.Unmarshal(trimmed, &payload)
	}

	ok := statusCode >= 200 && statusCode < 300
	if ok && len(payload.Errors) == 0 {
		return nil
	}

	messages := make([]string, 0, len(payload.Errors))
	for _, e := range payload.Errors {
		if e.Field != "" {
			messages = append(messages, e.Field+": "+e.Message)
		} else {
			messages = append(messages, e.Message)
		}
	}
	if len(messages) == 0 && len(trimmed) > 0 && len(trimmed) < 512 {
		messages = append(messages, string(trimmed))
	}

	return &APIError{
		Kind:       classify(statusCode, messages),
		StatusCode: statusCode,
		Messages:   messages,
	}
}

// ParseCapacity reads the capacity headers. Known is set only when all
// three are present and numeric; a partial reading must not gate admission.
func ParseCapacity(h http.Header) Capacity {
	var c Capacity
	parsed := 0
	read := func(name string) int {
		n, err := strconv.Atoi(h.Get(name))
		if err != nil {
			return 0
		}
		parsed++
		return n
	}
	c.Max = read(HeaderMaxAssessments)
	c.Current = read(HeaderCurrentAssessments)
	c.ClientMax = read(HeaderClientMaxAssessments)
	c.Known = parsed == 3
	return c
}

// AsAPIError returns the APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := stderrors.As(err, &apiErr)
	return apiErr, ok
}

// API is the part of Client the proxy pool and the orchestrator depend on.
type API interface {
	Info(ctx context.Context) (*Info, Capacity, error)
	Analyze(ctx context.Context, host string, startNew bool) (*Assessment, Capacity, error)
}

var _ API = (*Client)(nil)

// Factory builds an API client bound to one proxy address.
type Factory func(proxyAddress string) (API, error)

// NewFactory returns a Factory creating Clients with cfg and opts.
func NewFactory(cfg Config, opts ...Option) Factory {
	return func(proxyAddress string) (API, error) {
		c, err := New(cfg, proxyAddress, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
