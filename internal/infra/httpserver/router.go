package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/application/compliance"
	appscans "github.com/bryanwahyu/automaton-hardening/internal/application/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/application/schedule"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/notify"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
	"github.com/bryanwahyu/automaton-hardening/internal/middleware"
)

// Deps everything the router serves. Scheduler and Listener may be nil.
type Deps struct {
	Coordinator *appscans.Coordinator
	Compliance  *compliance.Service
	Scheduler   *schedule.Scheduler
	Listener    *appscans.Listener
	Hub         *notify.Hub

	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Health      map[string]middleware.HealthChecker
	APIKeys     map[string]string
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Heartbeat   time.Duration
	Log         zerolog.Logger
}

type Router struct {
	deps Deps
	log  zerolog.Logger

	// background runs outlive the request but not the server
	runCtx context.Context
	runs   sync.WaitGroup
}

// NewRouter builds the handler. Background scan runs started over HTTP are
// bound to runCtx.
func NewRouter(runCtx context.Context, deps Deps) (*Router, http.Handler) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	r := &Router{deps: deps, log: deps.Log, runCtx: runCtx}

	mux := chi.NewRouter()
	mux.Use(middleware.Logging(deps.Log))
	mux.Use(middleware.Metrics(deps.Metrics))
	if len(deps.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	mux.Use(middleware.APIKeyAuth(deps.APIKeys))
	if deps.RateLimiter != nil {
		mux.Use(middleware.RateLimit(deps.RateLimiter))
	}

	mux.Get("/health", middleware.HealthHandler(deps.Health))
	mux.Get("/healthz/live", middleware.LivenessHandler)
	mux.Get("/healthz/ready", middleware.ReadinessHandler(deps.Health))
	if deps.Gatherer != nil {
		mux.Method(http.MethodGet, "/metrics", middleware.MetricsHandler(deps.Gatherer))
	}

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleStartScan))
		rt.Post("/scans/{scan_request_id}/cancel", r.wrap(r.handleCancelRun))
		rt.Get("/listener/stats", r.wrap(r.handleListenerStats))

		rt.Get("/schedule", r.wrap(r.handleScheduleStatus))
		rt.Post("/schedule/trigger", r.wrap(r.handleScheduleTrigger))

		rt.Get("/compliance", r.wrap(r.handleList))
		rt.Get("/compliance/statistics", r.wrap(r.handleStatistics))
		rt.Get("/compliance/{id}", r.wrap(r.handleDetail))
		rt.Get("/compliance/{id}/rule-results", r.wrap(r.handleRuleResults))
		rt.Post("/compliance/{id}/cancel", r.wrap(r.handleCancel))
		rt.Post("/compliance/{id}/rescore", r.wrap(r.handleRescore))

		rt.Put("/rule-results/{id}/status", r.wrap(r.handleRuleResultStatus))

		rt.Get("/hosts/{id}/history", r.wrap(r.handleHostHistory))
		rt.Get("/hosts/{id}/errors", r.wrap(r.handleHostErrors))

		rt.Get("/notifications/stream", r.handleSSE)
		rt.Get("/notifications/ws", r.handleWebSocket)
	})

	return r, mux
}

// Wait blocks until background runs started over HTTP have returned.
func (r *Router) Wait() { r.runs.Wait() }

// badRequest marks caller mistakes found while decoding the request.
type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func invalid(format string, args ...any) error {
	return badRequest{fmt.Errorf(format, args...)}
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		switch {
		case errors.Is(err, sql.ErrNoRows), errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.As(err, &br), errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, domain.ErrNotOpen), errors.Is(err, schedule.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err)
		default:
			r.log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
			writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	_ = writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(req *http.Request) (int64, error) {
	id, err := middleware.ParseID(chi.URLParam(req, "id"))
	if err != nil {
		return 0, badRequest{err}
	}
	return id, nil
}

func queryLimit(req *http.Request) int {
	n, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	return middleware.ValidateLimit(n)
}

// POST /v1/scans
// Body: {"host_ids": [1,2], "batch_size": 10}; no host_ids (or "all": true)
// scans every active host. The run goes to the background unless ?wait=true.
func (r *Router) handleStartScan(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		HostIDs   []int64 `json:"host_ids"`
		All       bool    `json:"all"`
		BatchSize int     `json:"batch_size"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return invalid("decode body: %v", err)
	}
	if body.BatchSize < 0 {
		return invalid("batch_size must not be negative")
	}

	cmd, err := r.deps.Coordinator.Prepare(appscans.StartCommand{
		HostIDs:     body.HostIDs,
		All:         body.All || body.HostIDs == nil,
		BatchSize:   body.BatchSize,
		RequestedBy: middleware.Recipient(req.Context()),
	})
	if err != nil {
		return err
	}

	if wait, _ := strconv.ParseBool(req.URL.Query().Get("wait")); wait {
		sum, err := r.deps.Coordinator.Start(req.Context(), cmd)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, sum)
	}

	// jalankan di background, client dapat scan_request_id langsung
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		if _, err := r.deps.Coordinator.Start(r.runCtx, cmd); err != nil {
			r.log.Error().Err(err).Str("scan_request_id", cmd.ScanRequestID).Msg("background scan run failed")
		}
	}()

	return writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_request_id": cmd.ScanRequestID,
		"status":          "queued",
		"batch_size":      cmd.BatchSize,
		"queued_at":       time.Now().UTC(),
	})
}

// POST /v1/scans/{scan_request_id}/cancel
func (r *Router) handleCancelRun(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "scan_request_id")
	if err := middleware.ValidateScanRequestID(id); err != nil {
		return badRequest{err}
	}
	n, err := r.deps.Compliance.CancelRun(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"scan_request_id": id, "cancelled": n})
}

func (r *Router) handleListenerStats(w http.ResponseWriter, req *http.Request) error {
	if r.deps.Listener == nil {
		return fmt.Errorf("%w: listener is not running in this process", domain.ErrNotFound)
	}
	return writeJSON(w, http.StatusOK, r.deps.Listener.Stats())
}

func (r *Router) handleScheduleStatus(w http.ResponseWriter, req *http.Request) error {
	if r.deps.Scheduler == nil {
		return writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "schedule": r.deps.Scheduler.Status()})
}

// POST /v1/schedule/trigger[?wait=true]
func (r *Router) handleScheduleTrigger(w http.ResponseWriter, req *http.Request) error {
	if r.deps.Scheduler == nil {
		return fmt.Errorf("%w: scheduler is disabled", domain.ErrNotFound)
	}
	if wait, _ := strconv.ParseBool(req.URL.Query().Get("wait")); wait {
		sum, err := r.deps.Scheduler.Trigger(req.Context())
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, sum)
	}
	if r.deps.Scheduler.Status().Running {
		return schedule.ErrAlreadyRunning
	}
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		if _, err := r.deps.Scheduler.Trigger(r.runCtx); err != nil {
			r.log.Error().Err(err).Msg("manual scheduled scan failed")
		}
	}()
	return writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered"})
}

// GET /v1/compliance?host_id=&status=&scan_request_id=&page=&page_size=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	hostID, err := middleware.OptionalID(q, "host_id")
	if err != nil {
		return badRequest{err}
	}
	page, size := middleware.Pagination(q)
	res, err := r.deps.Compliance.List(req.Context(), domain.ListFilter{
		HostID:        hostID,
		Status:        domain.Status(q.Get("status")),
		ScanRequestID: middleware.SanitizeString(q.Get("scan_request_id")),
	}, page, size)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleStatistics(w http.ResponseWriter, req *http.Request) error {
	stats, err := r.deps.Compliance.Statistics(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleDetail(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	d, err := r.deps.Compliance.Detail(req.Context(), domain.ResultID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, d)
}

// GET /v1/compliance/{id}/rule-results?status=failed
func (r *Router) handleRuleResults(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	list, err := r.deps.Compliance.RuleResults(req.Context(), domain.ResultID(id), domain.RuleStatus(req.URL.Query().Get("status")))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.RuleResult{}
	}
	return writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	if err := r.deps.Compliance.Cancel(req.Context(), domain.ResultID(id)); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": domain.StatusCancelled})
}

func (r *Router) handleRescore(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	c, err := r.deps.Compliance.Rescore(req.Context(), domain.ResultID(id))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, c)
}

// PUT /v1/rule-results/{id}/status
// Body: {"status": "passed"}
func (r *Router) handleRuleResultStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	var body struct {
		Status domain.RuleStatus `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return invalid("decode body: %v", err)
	}
	c, err := r.deps.Compliance.UpdateRuleResultStatus(req.Context(), id, body.Status)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, c)
}

// GET /v1/hosts/{id}/history?limit=20
func (r *Router) handleHostHistory(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	list, err := r.deps.Compliance.History(req.Context(), id, queryLimit(req))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.ComplianceResult{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/hosts/{id}/errors?limit=20
func (r *Router) handleHostErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := pathID(req)
	if err != nil {
		return err
	}
	list, err := r.deps.Compliance.HostErrors(req.Context(), id, queryLimit(req))
	if err != nil {
		return err
	}
	if list == nil {
		return writeJSON(w, http.StatusOK, []any{})
	}
	return writeJSON(w, http.StatusOK, list)
}
