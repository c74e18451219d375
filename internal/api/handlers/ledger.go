package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/proxypool"
)

// QueueReader is the read side of the request ledger.
type QueueReader interface {
	Progress(ctx context.Context, knownScanners []string) ([]db.ProgressRow, error)
	Outdated(ctx context.Context, stuckAfter time.Duration, limit int) ([]*db.ScanRequest, error)
}

// ResultReader is the read side of the result store.
type ResultReader interface {
	Latest(ctx context.Context, target, scanType string) (*db.ScanResult, error)
	ListLatest(ctx context.Context, filter db.ResultFilter) ([]*db.ScanResult, error)
	History(ctx context.Context, target, scanType string, limit int) ([]*db.ScanResult, error)
}

// ProxyReader is the read side of the proxy registry.
type ProxyReader interface {
	Get(ctx context.Context, id int64) (*db.Proxy, error)
	List(ctx context.Context) ([]*db.Proxy, error)
}

var (
	_ QueueReader  = (*db.QueueRepository)(nil)
	_ ResultReader = (*db.ResultRepository)(nil)
	_ ProxyReader  = (*db.ProxyRepository)(nil)
)

// LedgerHandler serves queue progress, results and proxies.
type LedgerHandler struct {
	queue      QueueReader
	results    ResultReader
	proxies    ProxyReader
	scanners   []string
	stuckAfter time.Duration
	logger     *logging.Logger
}

// NewLedgerHandler creates a ledger handler. scanners lists the configured
// scanner names so progress reports zero rows for idle lanes. Requests
// picked up longer than stuckAfter ago count as outdated.
func NewLedgerHandler(
	queue QueueReader,
	results ResultReader,
	proxies ProxyReader,
	scanners []string,
	stuckAfter time.Duration,
	logger *logging.Logger,
) *LedgerHandler {
	return &LedgerHandler{
		queue:      queue,
		results:    results,
		proxies:    proxies,
		scanners:   scanners,
		stuckAfter: stuckAfter,
		logger:     logger.WithFields("handler", "ledger"),
	}
}

// ProgressResponse is the per-lane request state summary.
type ProgressResponse struct {
	Rows      []db.ProgressRow `json:"rows"`
	Timestamp time.Time        `json:"timestamp"`
}

func (h *LedgerHandler) progress(ctx context.Context) (ProgressResponse, error) {
	rows, err := h.queue.Progress(ctx, h.scanners)
	if err != nil {
		return ProgressResponse{}, err
	}
	return ProgressResponse{Rows: rows, Timestamp: time.Now().UTC()}, nil
}

// Progress handles GET /api/v1/progress.
//
// @Summary Queue progress
// @Description Request counts per scanner lane and state
// @Tags Ledger
// @Produce json
// @Success 200 {object} ProgressResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /progress [get]
// @ID getProgress
func (h *LedgerHandler) Progress(w http.ResponseWriter, r *http.Request) {
	resp, err := h.progress(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, resp)
}

// Outdated handles GET /api/v1/outdated?limit=N.
//
// @Summary Outdated requests
// @Description Requests picked up and never finished
// @Tags Ledger
// @Produce json
// @Param limit query int false "Maximum rows" minimum(1) maximum(1000) default(100)
// @Success 200 {object} ListResponse{data=[]db.ScanRequest}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /outdated [get]
// @ID listOutdated
func (h *LedgerHandler) Outdated(w http.ResponseWriter, r *http.Request) {
	limit, err := getLimit(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	rows, err := h.queue.Outdated(r.Context(), h.stuckAfter, limit)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, ListResponse{Data: rows, Count: len(rows), Timestamp: time.Now().UTC()})
}

// ListResults handles GET /api/v1/results?target=&scan_type=&limit=.
// Only latest rows are returned.
//
// @Summary Latest results
// @Tags Results
// @Produce json
// @Param target query string false "Target host"
// @Param scan_type query string false "Scan type"
// @Param limit query int false "Maximum rows" minimum(1) maximum(1000) default(100)
// @Success 200 {object} ListResponse{data=[]db.ScanResult}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /results [get]
// @ID listResults
func (h *LedgerHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	limit, err := getLimit(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	rows, err := h.results.ListLatest(r.Context(), db.ResultFilter{
		Target:   strings.ToLower(strings.TrimSpace(q.Get("target"))),
		ScanType: q.Get("scan_type"),
		Limit:    limit,
	})
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, ListResponse{Data: rows, Count: len(rows), Timestamp: time.Now().UTC()})
}

func targetAndType(r *http.Request) (string, string, error) {
	q := r.URL.Query()
	target := strings.ToLower(strings.TrimSpace(q.Get("target")))
	scanType := q.Get("scan_type")
	if target == "" || scanType == "" {
		return "", "", fmt.Errorf("target and scan_type are required")
	}
	return target, scanType, nil
}

// LatestResult handles GET /api/v1/results/latest?target=&scan_type=.
//
// @Summary Latest result for one target and scan type
// @Tags Results
// @Produce json
// @Param target query string true "Target host"
// @Param scan_type query string true "Scan type"
// @Success 200 {object} db.ScanResult
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /results/latest [get]
// @ID getLatestResult
func (h *LedgerHandler) LatestResult(w http.ResponseWriter, r *http.Request) {
	target, scanType, err := targetAndType(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	row, err := h.results.Latest(r.Context(), target, scanType)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, row)
}

// ResultHistory handles GET /api/v1/results/history?target=&scan_type=&limit=.
//
// @Summary Result history
// @Description Every stored result for one target and scan type, newest first
// @Tags Results
// @Produce json
// @Param target query string true "Target host"
// @Param scan_type query string true "Scan type"
// @Param limit query int false "Maximum rows" minimum(1) maximum(1000) default(100)
// @Success 200 {object} ListResponse{data=[]db.ScanResult}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /results/history [get]
// @ID getResultHistory
func (h *LedgerHandler) ResultHistory(w http.ResponseWriter, r *http.Request) {
	target, scanType, err := targetAndType(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	limit, err := getLimit(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	rows, err := h.results.History(r.Context(), target, scanType, limit)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, ListResponse{Data: rows, Count: len(rows), Timestamp: time.Now().UTC()})
}

// redacted returns a copy of p safe to show: proxy credentials are masked.
func redacted(p *db.Proxy) *db.Proxy {
	c := *p
	c.Address = proxypool.Redact(c.Address)
	return &c
}

// ListProxies handles GET /api/v1/proxies.
//
// @Summary List proxies
// @Description Proxy credentials are masked
// @Tags Proxies
// @Produce json
// @Success 200 {object} ListResponse{data=[]db.Proxy}
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /proxies [get]
// @ID listProxies
func (h *LedgerHandler) ListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := h.proxies.List(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	out := make([]*db.Proxy, len(proxies))
	for i, p := range proxies {
		out[i] = redacted(p)
	}
	writeJSON(w, r, h.logger, http.StatusOK, ListResponse{Data: out, Count: len(out), Timestamp: time.Now().UTC()})
}

// GetProxy handles GET /api/v1/proxies/{id}.
//
// @Summary Get proxy
// @Tags Proxies
// @Produce json
// @Param id path int true "Proxy ID"
// @Success 200 {object} db.Proxy
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /proxies/{id} [get]
// @ID getProxy
func (h *LedgerHandler) GetProxy(w http.ResponseWriter, r *http.Request) {
	id, err := extractIDFromPath(r)
	if err != nil {
		writeError(w, r, h.logger, http.StatusBadRequest, err)
		return
	}
	p, err := h.proxies.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, h.logger, http.StatusOK, redacted(p))
}
