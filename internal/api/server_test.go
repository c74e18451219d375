package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/memstore"
	"github.com/anstrom/scanledger/internal/metrics"
)

func newTestServer(t *testing.T, mutate func(*config.Config, *Deps)) (*Server, *memstore.Queue) {
	t.Helper()
	cfg := config.Default()
	cfg.API.Port = 0
	queue := memstore.NewQueue(time.Minute)
	prom := metrics.NewPrometheusMetrics()
	deps := Deps{
		Queue:    queue,
		Results:  memstore.NewResults(),
		Proxies:  memstore.NewProxies(),
		Gatherer: prom.GetRegistry(),
		Recorder: prom,
		Logger:   logging.Discard(),
		Version:  "test",
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s, queue
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(config.Default(), Deps{Logger: logging.Discard()})
	require.Error(t, err)
}

func TestRoutes(t *testing.T) {
	s, queue := newTestServer(t, nil)
	_, err := queue.Request(context.Background(), db.ActivityScan, "tlsq", []string{"a.example"})
	require.NoError(t, err)

	tests := []struct {
		path   string
		status int
	}{
		{"/healthz", http.StatusOK},
		{"/api/v1/progress", http.StatusOK},
		{"/api/v1/outdated", http.StatusOK},
		{"/api/v1/results", http.StatusOK},
		{"/api/v1/results/latest?target=a.example&scan_type=encryption_quality", http.StatusNotFound},
		{"/api/v1/results/history?target=a.example&scan_type=encryption_quality", http.StatusOK},
		{"/api/v1/proxies", http.StatusOK},
		{"/api/v1/proxies/7", http.StatusNotFound},
		{"/api/v1/proxies/abc", http.StatusNotFound},
		{"/api/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.path)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestMatchedRoutesCarryMiddleware(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := get(t, s.Handler(), "/api/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/v1/progress").Code)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `path="/api/v1/progress"`)
}

func TestMetricsEndpointDisabledWithoutGatherer(t *testing.T) {
	s, _ := newTestServer(t, func(_ *config.Config, d *Deps) { d.Gatherer = nil })
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestSwaggerDocs(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s.Handler(), "/swagger/doc.json")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	require.True(t, json.Valid(body), "doc.json must be valid JSON")

	var doc struct {
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "/api/v1", doc.BasePath)
	for _, path := range []string{"/progress", "/outdated", "/results", "/results/latest",
		"/results/history", "/proxies", "/proxies/{id}"} {
		assert.Contains(t, doc.Paths, path)
	}

	rec = get(t, s.Handler(), "/docs")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/swagger/index.html", rec.Header().Get("Location"))

	s, _ = newTestServer(t, func(c *config.Config, _ *Deps) { c.API.Docs = false })
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/swagger/doc.json").Code)
}

func TestAPIKeyAuthentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sl_secret"), bcrypt.MinCost)
	require.NoError(t, err)
	s, _ := newTestServer(t, func(c *config.Config, _ *Deps) {
		c.API.Auth.Enabled = true
		c.API.Auth.KeyHashes = []string{string(hash)}
	})

	withKey := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/api/v1/progress").Code)
	assert.Equal(t, http.StatusUnauthorized, withKey("/api/v1/progress", "sl_wrong").Code)
	assert.Equal(t, http.StatusOK, withKey("/api/v1/progress", "sl_secret").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/api/v1/progress/stream").Code)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/metrics").Code)
}

func TestAPIKeyAuthenticationRejectsPlainKeys(t *testing.T) {
	cfg := config.Default()
	cfg.API.Auth.Enabled = true
	cfg.API.Auth.KeyHashes = []string{"sl_not_a_hash"}
	_, err := New(cfg, Deps{
		Queue:   memstore.NewQueue(time.Minute),
		Results: memstore.NewResults(),
		Proxies: memstore.NewProxies(),
		Logger:  logging.Discard(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a bcrypt hash")
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config, _ *Deps) { c.API.ListenAddr = "127.0.0.1" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, s.IsRunning, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())
}
