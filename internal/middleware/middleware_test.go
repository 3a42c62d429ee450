package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(Recipient(r.Context())))
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"k-alice": "alice", "k-bob": "bob"})(okHandler)

	tests := []struct {
		name   string
		header string
		query  string
		path   string
		code   int
		body   string
	}{
		{name: "bearer", header: "Bearer k-alice", path: "/v1/compliance", code: 200, body: "alice"},
		{name: "raw key", header: "k-bob", path: "/v1/compliance", code: 200, body: "bob"},
		{name: "query param", query: "api_key=k-bob", path: "/v1/notifications/stream", code: 200, body: "bob"},
		{name: "missing", path: "/v1/compliance", code: 401},
		{name: "wrong", header: "Bearer nope", path: "/v1/compliance", code: 401},
		{name: "health is public", path: "/health", code: 200},
		{name: "probe is public", path: "/healthz/ready", code: 200},
		{name: "metrics is public", path: "/metrics", code: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.path
			if tt.query != "" {
				target += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAPIKeyAuthDisabledWithoutKeys(t *testing.T) {
	rec := serve(APIKeyAuth(nil)(okHandler), httptest.NewRequest(http.MethodGet, "/v1/compliance", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHealthHandler(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("connection refused") })

	rec := serve(HealthHandler(map[string]HealthChecker{"db": ok}), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(HealthHandler(map[string]HealthChecker{"db": ok, "redis": down}), httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "unhealthy", got.Status)
	assert.Equal(t, "healthy", got.Checks["db"].Status)
	assert.Equal(t, "connection refused", got.Checks["redis"].Message)
}

func TestReadinessListsFailingChecks(t *testing.T) {
	ok := CheckFunc(func(context.Context) error { return nil })
	down := CheckFunc(func(context.Context) error { return errors.New("no route") })

	rec := serve(ReadinessHandler(nil), httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(ReadinessHandler(map[string]HealthChecker{"db": ok, "redis": down, "minio": down}),
		httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status  string   `json:"status"`
		Failing []string `json:"failing"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, []string{"minio", "redis"}, body.Failing)
}

func TestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	h := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	serve(h, httptest.NewRequest(http.MethodPost, "/v1/scans", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/v1/scans", line["path"])
	assert.EqualValues(t, http.StatusTeapot, line["status"])
	assert.EqualValues(t, len("short and stout"), line["bytes"])
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
		}
	}))
	serve(h, httptest.NewRequest(http.MethodGet, "/ok", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/ok", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPInFlight))
}

func TestMetricsHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ScansDispatched.Add(3)
	rec := serve(MetricsHandler(reg), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "automaton_scans_dispatched_total 3")
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	h := RateLimit(rl)(okHandler)

	req := func(path, addr string) int {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.RemoteAddr = addr
		return serve(h, r).Code
	}

	assert.Equal(t, 200, req("/v1/compliance", "10.0.0.1:5000"))
	assert.Equal(t, 200, req("/v1/compliance", "10.0.0.1:5001"))
	assert.Equal(t, 429, req("/v1/compliance", "10.0.0.1:5002"))
	// other clients have their own bucket
	assert.Equal(t, 200, req("/v1/compliance", "10.0.0.2:5000"))
	// health is never limited
	assert.Equal(t, 200, req("/health", "10.0.0.1:5003"))

	now = now.Add(time.Second)
	assert.Equal(t, 200, req("/v1/compliance", "10.0.0.1:5004"))

	now = now.Add(time.Hour)
	assert.Equal(t, 2, rl.Sweep())
}

func TestValidator(t *testing.T) {
	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}

	q := url.Values{"host_id": {"7"}, "page": {"0"}, "page_size": {"500"}}
	hostID, err := OptionalID(q, "host_id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), hostID)
	none, err := OptionalID(q, "missing")
	require.NoError(t, err)
	assert.Zero(t, none)

	page, size := Pagination(q)
	assert.Equal(t, 1, page)
	assert.Equal(t, MaxPageSize, size)
	_, size = Pagination(url.Values{})
	assert.Equal(t, DefaultPageSize, size)

	assert.NoError(t, ValidateScanRequestID("6f1c7c1e-3c55-4c11-9d2a-8f0f3b1d2e4a"))
	assert.Error(t, ValidateScanRequestID("run-1"))
	assert.Error(t, ValidateScanRequestID(""))

	assert.Equal(t, "abc", SanitizeString(" a\x00b\x07c "))
	assert.True(t, strings.Contains(SanitizeString("a\tb"), "\t"))
}
