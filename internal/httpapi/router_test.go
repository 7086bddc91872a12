package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/observer"
	"github.com/zephyrr-ci/zephyr/internal/scheduler"
	"github.com/zephyrr-ci/zephyr/internal/store/memory"
	"github.com/zephyrr-ci/zephyr/internal/webhook"
)

type fakeDispatcher struct {
	queued    []scheduler.TriggerRequest
	queueErr  error
	cancelled []string
}

func (d *fakeDispatcher) QueuePipelineRun(_ context.Context, req scheduler.TriggerRequest) (string, error) {
	if d.queueErr != nil {
		return "", d.queueErr
	}
	d.queued = append(d.queued, req)
	return "run-123", nil
}

func (d *fakeDispatcher) CancelRun(_ context.Context, runID string) error {
	d.cancelled = append(d.cancelled, runID)
	return nil
}

func (d *fakeDispatcher) Running() bool      { return true }
func (d *fakeDispatcher) ActiveJobs() int    { return 1 }
func (d *fakeDispatcher) MaxConcurrent() int { return 4 }

func (d *fakeDispatcher) QueueStats(context.Context) (map[domain.JobStatus]int, error) {
	return map[domain.JobStatus]int{domain.JobPending: 2}, nil
}

func newTestRouter(t *testing.T, apiKey string) (*Router, *fakeDispatcher, *memory.Store) {
	t.Helper()
	dispatcher := &fakeDispatcher{}
	st := memory.New()
	bus := observer.NewBus(slog.Default(), 8)
	webhooks := webhook.New(st, slog.Default(), "")
	router := NewRouter(slog.Default(), dispatcher, st, bus, webhooks, metrics.Nop{}, NewMemoryRateLimiter(), apiKey, time.Minute)
	t.Cleanup(router.Close)
	return router, dispatcher, st
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status        string         `json:"status"`
		Running       bool           `json:"running"`
		ActiveJobs    int            `json:"activeJobs"`
		MaxConcurrent int            `json:"maxConcurrent"`
		QueueStats    map[string]int `json:"queueStats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.Running || body.ActiveJobs != 1 || body.MaxConcurrent != 4 {
		t.Fatalf("body = %+v", body)
	}
	if body.QueueStats["pending"] != 2 {
		t.Fatalf("queueStats = %v", body.QueueStats)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	router, dispatcher, _ := newTestRouter(t, "")
	payload := bytes.NewBufferString(`{"projectId":"proj","pipeline":"ci","branch":"main","sha":"abc"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/trigger", payload))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["id"] != "run-123" || body["status"] != "queued" {
		t.Fatalf("body = %v", body)
	}
	if len(dispatcher.queued) != 1 || dispatcher.queued[0].Branch != "main" {
		t.Fatalf("queued = %+v", dispatcher.queued)
	}
}

func TestTriggerValidatesBody(t *testing.T) {
	router, _, _ := newTestRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/trigger", bytes.NewBufferString(`{"pipeline":"ci"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAPIKeyGate(t *testing.T) {
	router, _, _ := newTestRouter(t, "sekret-key")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("X-API-Key", "sekret-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("X-API-Key status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer sekret-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d", rec.Code)
	}
}

func TestStreamTokenRoundTrip(t *testing.T) {
	router, _, _ := newTestRouter(t, "sekret-key")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stream-token", nil)
	req.Header.Set("X-API-Key", "sekret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mint status = %d", rec.Code)
	}
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Token == "" {
		t.Fatal("empty token")
	}

	// The minted token authorizes API reads as a bearer credential.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token auth status = %d", rec.Code)
	}
}

func TestJobAndLogsEndpoints(t *testing.T) {
	router, _, st := newTestRouter(t, "")
	ctx := context.Background()
	job := &domain.Job{
		ID:            "run-1/build",
		PipelineRunID: "run-1",
		Name:          "build",
		Status:        domain.JobSuccess,
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec := domain.LogRecord{JobID: job.ID, Stream: domain.StreamStdout, Timestamp: time.Now(), Content: "line"}
		if err := st.AppendLog(ctx, &rec); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/run-1/build", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("job status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/run-1/build/logs?since=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	var body struct {
		Logs []domain.LogRecord `json:"logs"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Logs) != 2 || body.Logs[0].Seq != 2 {
		t.Fatalf("logs = %+v", body.Logs)
	}
}

func TestJobNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	router, dispatcher, _ := newTestRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-9/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(dispatcher.cancelled) != 1 || dispatcher.cancelled[0] != "run-9" {
		t.Fatalf("cancelled = %v", dispatcher.cancelled)
	}
}

func TestWebhookEndpointQueuesRun(t *testing.T) {
	router, dispatcher, st := newTestRouter(t, "")
	ctx := context.Background()
	if err := st.CreateProject(ctx, &domain.Project{ID: "proj-1", Name: "P", ConfigPath: "x"}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	payload := bytes.NewBufferString(`{"project_id":"proj-1","ref":"refs/heads/main","after":"abc"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", payload)
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(dispatcher.queued) != 1 {
		t.Fatalf("queued = %+v", dispatcher.queued)
	}
	got := dispatcher.queued[0]
	if got.ProjectID != "proj-1" || got.Branch != "main" || got.TriggerType != "push" {
		t.Fatalf("trigger request = %+v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router, _, _ := newTestRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/trigger", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
