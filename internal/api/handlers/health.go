package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/anstrom/scanledger/internal/logging"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// HealthHandler handles the health endpoint.
type HealthHandler struct {
	database  DatabasePinger
	version   string
	logger    *logging.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database may be nil.
func NewHealthHandler(database DatabasePinger, version string, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		version:   version,
		logger:    logger.WithFields("handler", "health"),
		startTime: time.Now(),
	}
}

// Health reports whether the service and its database are usable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Checks:    map[string]string{},
	}

	switch {
	case h.database == nil:
		resp.Checks["database"] = StatusNotConfigured
	default:
		if err := h.database.Ping(ctx); err != nil {
			h.logger.Warn("Database health check failed", "error", err)
			resp.Status = StatusUnhealthy
			resp.Checks["database"] = "failed"
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, h.logger, status, resp)
}
