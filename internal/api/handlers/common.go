// Package handlers provides the HTTP handlers of the read-only scanledger
// API. This file holds the helpers shared by every handler.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/scanledger/internal/api/middleware"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/logging"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ListResponse wraps list payloads.
type ListResponse struct {
	Data      interface{} `json:"data"`
	Count     int         `json:"count"`
	Timestamp time.Time   `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, logger *logging.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode JSON response", "error", err, "path", r.URL.Path)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error("API error", "method", r.Method, "path", r.URL.Path, "status", status, "error", err,
			"request_id", middleware.GetRequestID(r))
	}
	writeJSON(w, r, logger, status, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}

// statusFor maps a store error to an HTTP status. Internal details of
// database errors stay in the log.
func statusFor(err error) (int, error) {
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		return http.StatusNotFound, fmt.Errorf("not found")
	case errors.CodeValidation:
		return http.StatusBadRequest, err
	case errors.CodeDatabaseTimeout, errors.CodeTimeout:
		return http.StatusGatewayTimeout, fmt.Errorf("timed out")
	default:
		return http.StatusInternalServerError, fmt.Errorf("internal server error")
	}
}

func writeStoreError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Store query failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, r, logger, status, public)
}

// getLimit reads the limit query parameter, capped at maxLimit.
func getLimit(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", value)
	}
	return min(n, maxLimit), nil
}

// extractIDFromPath reads the numeric id path parameter.
func extractIDFromPath(r *http.Request) (int64, error) {
	idStr, ok := mux.Vars(r)["id"]
	if !ok {
		return 0, fmt.Errorf("id not provided")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id: %s", idStr)
	}
	return id, nil
}
