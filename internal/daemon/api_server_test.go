package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loom/internal/app"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/orchestrator"
	"loom/internal/stage"
	"loom/internal/status"
	"loom/internal/testsupport"
	"loom/internal/worker"
)

func noopHandlers() map[string]stage.Handler {
	h := stage.HandlerFunc(func(context.Context, stage.Request) (string, error) { return "ok", nil })
	return map[string]stage.Handler{"A": h, "B": h, "C": h}
}

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithABCVariant(3))
	cfg.Render.Command = "sh"
	if mutate != nil {
		mutate(cfg)
	}
	a, err := app.Open(context.Background(), cfg, logging.NewNop(),
		app.WithHandlers(noopHandlers()), app.WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("app.Open: %v", err)
	}
	d, err := New(a, logging.NewNop(), worker.WithPollInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func serve(d *Daemon, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	d.api.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSubmitAcceptsJob(t *testing.T) {
	d := newTestDaemon(t, nil)

	rec := serve(d, http.MethodPost, "/api/jobs", `{"prompt":"x"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", rec.Code, rec.Body.String())
	}
	sub := decode[orchestrator.Submission](t, rec)
	if sub.JobID == "" || sub.Status != "A" || sub.Progress != 0 {
		t.Fatalf("unexpected submission %+v", sub)
	}

	rec = serve(d, http.MethodGet, "/api/jobs/"+sub.JobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	view := decode[status.JobView](t, rec)
	if view.JobID != sub.JobID || view.Status != "A" || view.Error != nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if !strings.Contains(rec.Body.String(), `"stage_outputs":[]`) {
		t.Fatalf("expected empty stage_outputs array, got %s", rec.Body.String())
	}
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"empty prompt", `{"prompt":""}`, http.StatusBadRequest, "prompt"},
		{"unknown variant", `{"prompt":"x","variant":"nope"}`, http.StatusBadRequest, "variant"},
		{"unknown model", `{"prompt":"x","model":"gpt-nope"}`, http.StatusBadRequest, "model"},
		{"malformed body", `{"prompt":`, http.StatusBadRequest, ""},
	}
	d := newTestDaemon(t, nil)
	for _, tc := range tests {
		rec := serve(d, http.MethodPost, "/api/jobs", tc.body, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: want %d, got %d", tc.name, tc.status, rec.Code)
		}
		resp := decode[errorResponse](t, rec)
		if resp.Field != tc.field || resp.Kind != "validation" {
			t.Fatalf("%s: unexpected error body %+v", tc.name, resp)
		}
	}

	list := decode[listResponse[status.JobView]](t, serve(d, http.MethodGet, "/api/jobs", "", nil))
	if len(list.Items) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(list.Items))
	}
}

func TestSubmitCapacityLimit(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) { cfg.Pipeline.MaxActiveJobs = 1 })

	if rec := serve(d, http.MethodPost, "/api/jobs", `{"prompt":"x"}`, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit: want 202, got %d", rec.Code)
	}
	rec := serve(d, http.MethodPost, "/api/jobs", `{"prompt":"y"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit: want 429, got %d", rec.Code)
	}
	if resp := decode[errorResponse](t, rec); resp.Kind != "capacity" {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestGetUnknownJobReturns404(t *testing.T) {
	d := newTestDaemon(t, nil)
	rec := serve(d, http.MethodGet, "/api/jobs/does-not-exist", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	d := newTestDaemon(t, nil)
	for _, prompt := range []string{"a", "b"} {
		if rec := serve(d, http.MethodPost, "/api/jobs", `{"prompt":"`+prompt+`"}`, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("submit: %d", rec.Code)
		}
	}

	tests := []struct {
		target string
		want   int
	}{
		{"/api/jobs", 2},
		{"/api/jobs?status=A", 2},
		{"/api/jobs?status=COMPLETED,FAILED", 0},
		{"/api/jobs?limit=1", 1},
	}
	for _, tc := range tests {
		rec := serve(d, http.MethodGet, tc.target, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", tc.target, rec.Code)
		}
		if got := len(decode[listResponse[status.JobView]](t, rec).Items); got != tc.want {
			t.Fatalf("%s: want %d jobs, got %d", tc.target, tc.want, got)
		}
	}
}

func TestCatalogAndStatsEndpoints(t *testing.T) {
	d := newTestDaemon(t, nil)
	serve(d, http.MethodPost, "/api/jobs", `{"prompt":"x"}`, nil)

	stats := decode[status.SummaryView](t, serve(d, http.MethodGet, "/api/stats", "", nil))
	if stats.Total != 1 || stats.Active != 1 || stats.Queue == nil || stats.Queue.Ready != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	variants := decode[listResponse[status.VariantView]](t, serve(d, http.MethodGet, "/api/variants", "", nil))
	if len(variants.Items) != 1 || variants.Items[0].Name != "abc" || len(variants.Items[0].Stages) != 3 {
		t.Fatalf("unexpected variants %+v", variants)
	}

	rec := serve(d, http.MethodGet, "/api/dead-letters", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("unexpected dead letters response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	d := newTestDaemon(t, nil)
	rec := serve(d, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[Status](t, rec)
	if len(st.Checks) == 0 {
		t.Fatal("expected preflight checks in health payload")
	}

	broken := newTestDaemon(t, func(cfg *config.Config) { cfg.Render.Command = "loom-missing-renderer" })
	if rec := serve(broken, http.MethodGet, "/api/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 with missing renderer, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	d := newTestDaemon(t, func(cfg *config.Config) { cfg.Paths.APIToken = "secret" })

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"valid token", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tc := range tests {
		if rec := serve(d, http.MethodGet, "/api/variants", "", tc.header); rec.Code != tc.want {
			t.Fatalf("%s: want %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	d := newTestDaemon(t, nil)
	serve(d, http.MethodPost, "/api/jobs", `{"prompt":"x"}`, nil)

	rec := serve(d, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `loom_jobs_submitted_total{variant="abc"} 1`) {
		t.Fatalf("submission counter missing from metrics output")
	}
}
