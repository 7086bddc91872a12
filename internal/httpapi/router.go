package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zephyrr-ci/zephyr/internal/dag"
	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/observer"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/scheduler"
	"github.com/zephyrr-ci/zephyr/internal/store"
	"github.com/zephyrr-ci/zephyr/internal/webhook"
)

// Dispatcher is the scheduler surface the edge consumes.
type Dispatcher interface {
	QueuePipelineRun(ctx context.Context, req scheduler.TriggerRequest) (string, error)
	CancelRun(ctx context.Context, runID string) error
	Running() bool
	ActiveJobs() int
	MaxConcurrent() int
	QueueStats(ctx context.Context) (map[domain.JobStatus]int, error)
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitTrigger   = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	rateLimitWebhook   = 120
	maxWebhookBody     = 1 << 20
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to the scheduler, store and observer bus.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	dispatcher Dispatcher
	store      store.Store
	bus        *observer.Bus
	webhooks   webhook.Service
	metrics    metrics.Sink
	limiter    RateLimiter
	upgrader   websocket.Upgrader
	apiKey     string
	streamTTL  time.Duration
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, dispatcher Dispatcher, st store.Store, bus *observer.Bus,
	webhooks webhook.Service, sink metrics.Sink, limiter RateLimiter, apiKey string, streamTTL time.Duration) *Router {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
	}
	if streamTTL <= 0 {
		streamTTL = 15 * time.Minute
	}
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		dispatcher: dispatcher,
		store:      st,
		bus:        bus,
		webhooks:   webhooks,
		metrics:    sink,
		limiter:    limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		apiKey:    strings.TrimSpace(apiKey),
		streamTTL: streamTTL,
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.observe("health", r.handleHealth))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/v1/trigger", r.observe("trigger",
		r.requireAuth(r.withRateLimit("trigger", rateLimitTrigger, rateWindowDefault, r.handleTrigger))))
	r.mux.HandleFunc("/api/v1/runs", r.observe("runs",
		r.requireAuth(r.withRateLimit("runs", rateLimitRead, rateWindowDefault, r.handleRuns))))
	r.mux.HandleFunc("/api/v1/runs/", r.observe("run",
		r.requireAuth(r.withRateLimit("run", rateLimitRead, rateWindowDefault, r.handleRunSubroutes))))
	r.mux.HandleFunc("/api/v1/jobs/", r.observe("jobs",
		r.requireAuth(r.withRateLimit("jobs", rateLimitRead, rateWindowDefault, r.handleJobSubroutes))))
	r.mux.HandleFunc("/api/v1/stream-token", r.observe("stream_token",
		r.requireAuth(r.handleStreamToken)))
	r.mux.HandleFunc("/webhooks/", r.observe("webhook",
		r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, r.handleWebhook)))
	r.mux.HandleFunc("/ws", r.observe("ws",
		r.requireAuth(r.withRateLimit("ws", rateLimitWebsocket, rateWindowRealtime, r.handleWS))))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	if err := r.store.Ping(ctx); err != nil {
		status = "degraded"
	}
	stats, err := r.dispatcher.QueueStats(ctx)
	if err != nil {
		stats = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"running":       r.dispatcher.Running(),
		"activeJobs":    r.dispatcher.ActiveJobs(),
		"maxConcurrent": r.dispatcher.MaxConcurrent(),
		"queueStats":    stats,
	})
}

func (r *Router) handleTrigger(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string `json:"projectId"`
		Pipeline  string `json:"pipeline"`
		Branch    string `json:"branch"`
		SHA       string `json:"sha"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ProjectID == "" || payload.Pipeline == "" {
		writeError(w, http.StatusBadRequest, "projectId and pipeline are required")
		return
	}

	runID, err := r.dispatcher.QueuePipelineRun(req.Context(), scheduler.TriggerRequest{
		ProjectID:   payload.ProjectID,
		Pipeline:    payload.Pipeline,
		Branch:      payload.Branch,
		CommitSHA:   payload.SHA,
		TriggerType: "manual",
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": runID, "status": "queued"})
}

func (r *Router) handleRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	filter := store.RunFilter{
		ProjectID: req.URL.Query().Get("project"),
		Status:    domain.RunStatus(req.URL.Query().Get("status")),
	}
	if raw := req.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	runs, err := r.store.ListPipelineRuns(req.Context(), filter)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Router) handleRunSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/runs/")
	if runID, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		if err := r.dispatcher.CancelRun(req.Context(), runID); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": runID, "status": "cancelling"})
		return
	}

	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	run, err := r.store.GetPipelineRun(req.Context(), rest)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	jobs, err := r.store.GetJobsForPipelineRun(req.Context(), rest)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "jobs": jobs})
}

func (r *Router) handleJobSubroutes(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/api/v1/jobs/")

	if jobID, ok := strings.CutSuffix(rest, "/logs"); ok {
		var since int64
		if raw := req.URL.Query().Get("since"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "invalid since")
				return
			}
			since = parsed
		}
		logs, err := r.store.GetLogsForJob(req.Context(), jobID, since)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
		return
	}

	job, err := r.store.GetJob(req.Context(), rest)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (r *Router) handleStreamToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.apiKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"token": ""})
		return
	}
	token, err := r.MintStreamToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(r.streamTTL.Seconds()),
	})
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	provider := strings.Trim(strings.TrimPrefix(req.URL.Path, "/webhooks/"), "/")
	if provider == "" {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := webhookSignature(provider, req)
	if err := r.webhooks.VerifySignature(provider, payload, signature); err != nil {
		r.metrics.IncCounter(metrics.MetricWebhooksTotal, map[string]string{"provider": provider, "result": "rejected"})
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	eventType := webhookEventType(provider, req)
	deliveryID, err := r.webhooks.Record(req.Context(), provider, eventType, payload, signature)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}

	trigger, err := r.webhooks.ParseTrigger(provider, eventType, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	project, err := r.store.GetProject(req.Context(), trigger.ProjectID)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}

	runID, err := r.dispatcher.QueuePipelineRun(req.Context(), scheduler.TriggerRequest{
		ProjectID:   project.ID,
		Pipeline:    req.URL.Query().Get("pipeline"),
		Branch:      trigger.Branch,
		CommitSHA:   trigger.CommitSHA,
		TriggerType: trigger.EventType,
	})
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.metrics.IncCounter(metrics.MetricWebhooksTotal, map[string]string{"provider": provider, "result": "accepted"})
	writeJSON(w, http.StatusCreated, map[string]string{
		"delivery": deliveryID,
		"run":      runID,
		"status":   "queued",
	})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeDomainError maps internal error kinds onto HTTP statuses.
func (r *Router) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, pipeline.ErrInvalidConfig),
		errors.Is(err, dag.ErrCyclicDependency),
		errors.Is(err, dag.ErrMissingDependency),
		errors.Is(err, dag.ErrDuplicateNode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(req *http.Request, v any) error {
	defer req.Body.Close()
	return json.NewDecoder(req.Body).Decode(v)
}

func webhookSignature(provider string, req *http.Request) string {
	switch provider {
	case "github":
		return req.Header.Get("X-Hub-Signature-256")
	case "gitlab":
		return req.Header.Get("X-Gitlab-Token")
	default:
		return req.Header.Get("X-Webhook-Signature")
	}
}

func webhookEventType(provider string, req *http.Request) string {
	switch provider {
	case "github":
		return req.Header.Get("X-GitHub-Event")
	case "gitlab":
		return req.Header.Get("X-Gitlab-Event")
	default:
		return req.Header.Get("X-Event-Type")
	}
}
