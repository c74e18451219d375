package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/scanledger/internal/auth"
	"github.com/anstrom/scanledger/internal/logging"
	"github.com/anstrom/scanledger/internal/metrics/mocks"
)

func TestLoggingAssignsRequestID(t *testing.T) {
	var seen string
	h := Logging(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Regexp(t, `^req_[0-9a-f]{16}$`, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
}

func TestLoggingKeepsCallerRequestID(t *testing.T) {
	var seen string
	h := Logging(logging.Discard())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "abc-123", seen)
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	assert.Equal(t, "unknown", GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().IncHTTPRequest("GET", "/api/v1/proxies/{id}", "404")
	rec.EXPECT().ObserveHTTPRequest("GET", "/api/v1/proxies/{id}", gomock.Any())

	router := mux.NewRouter()
	router.Use(Metrics(rec))
	router.HandleFunc("/api/v1/proxies/{id}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/proxies/42", nil))
}

func TestRecovery(t *testing.T) {
	h := Recovery(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRequestTimeout(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := RequestTimeout(time.Minute)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	h = RequestTimeout(0)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, ok)
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders()(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'none'", rr.Header().Get("Content-Security-Policy"))

	rr = httptest.NewRecorder()
	SecurityHeaders()(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rr.Header().Get("Content-Security-Policy"))
}

func testKeySet(t *testing.T, keys ...string) *auth.KeySet {
	t.Helper()
	hashes := make([]string, len(keys))
	for i, k := range keys {
		h, err := bcrypt.GenerateFromPassword([]byte(k), bcrypt.MinCost)
		require.NoError(t, err)
		hashes[i] = string(h)
	}
	set, err := auth.NewKeySet(hashes)
	require.NoError(t, err)
	return set
}

func TestAuthenticationMiddleware(t *testing.T) {
	keys := testKeySet(t, "sl_key1", "sl_key2")
	handler := Authentication(keys, logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name           string
		headers        map[string]string
		expectedStatus int
	}{
		{"valid key in X-API-Key", map[string]string{"X-API-Key": "sl_key1"}, http.StatusOK},
		{"valid key as bearer token", map[string]string{"Authorization": "Bearer sl_key2"}, http.StatusOK},
		{"X-API-Key wins over bearer", map[string]string{"X-API-Key": "sl_key1", "Authorization": "Bearer wrong"}, http.StatusOK},
		{"invalid key", map[string]string{"X-API-Key": "sl_nope"}, http.StatusUnauthorized},
		{"key differs in case", map[string]string{"X-API-Key": "SL_KEY1"}, http.StatusUnauthorized},
		{"basic auth is not a bearer", map[string]string{"Authorization": "Basic c2w6a2V5"}, http.StatusUnauthorized},
		{"no key", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
				assert.Contains(t, rr.Body.String(), `"error"`)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "203.0.113.8"}, "10.0.0.1:1234", "203.0.113.8"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote addr", nil, "[2001:db8::1]:5555", "2001:db8::1"},
		{"garbage", nil, "nonsense", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
