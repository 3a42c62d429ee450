package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 2 * time.Second

// HealthChecker is one dependency probe (database, redis, ...).
type HealthChecker interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a ping function (redis broker, object store).
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

type DatabaseHealthChecker struct {
	DB *sql.DB
}

func (d *DatabaseHealthChecker) Check(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// HealthStatus body of /health
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckStatus `json:"checks"`
}

type CheckStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// runChecks probes every dependency in parallel, each under its own timeout.
func runChecks(ctx context.Context, checkers map[string]HealthChecker) HealthStatus {
	health := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckStatus, len(checkers)),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for name, checker := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := checker.Check(cctx)
			cs := CheckStatus{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				cs.Status, cs.Message = "unhealthy", err.Error()
			}
			mu.Lock()
			health.Checks[name] = cs
			if err != nil {
				health.Status = "unhealthy"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return health
}

// HealthHandler runs every checker; any failure turns the response 503.
func HealthHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := runChecks(r.Context(), checkers)
		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadinessHandler reports ready only when every dependency answers; the
// body lists the failing ones.
func ReadinessHandler(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := runChecks(r.Context(), checkers)
		failing := []string{}
		for name, cs := range health.Checks {
			if cs.Status != "healthy" {
				failing = append(failing, name)
			}
		}
		sort.Strings(failing)

		body := map[string]any{"status": "ready", "timestamp": health.Timestamp}
		code := http.StatusOK
		if len(failing) > 0 {
			body["status"], body["failing"] = "not ready", failing
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
