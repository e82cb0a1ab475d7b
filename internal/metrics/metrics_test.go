package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loom/internal/metrics"
)

func TestMetricsExposition(t *testing.T) {
	m := metrics.New()
	m.JobSubmitted("Standard")
	m.StageExecuted("render", metrics.OutcomeRetry, 2*time.Second)
	m.StageExecuted("render", metrics.OutcomeSuccess, time.Second)
	m.JobFinished("FAILED", "delivery_exhausted")
	m.DeadLettered("render")
	m.SetQueueDepth(3, 1, 2)
	m.SetActiveJobs(4)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`loom_jobs_submitted_total{variant="standard"} 1`,
		`loom_stage_executions_total{outcome="retry",stage="render"} 1`,
		`loom_jobs_finished_total{kind="delivery_exhausted",status="FAILED"} 1`,
		`loom_dead_letters_total{stage="render"} 1`,
		`loom_queue_messages{state="ready"} 3`,
		`loom_jobs_active 4`,
		`loom_stage_duration_seconds_count{stage="render"} 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, text)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.JobSubmitted("x")
	m.StageExecuted("A", metrics.OutcomeSuccess, time.Second)
	m.SetQueueDepth(1, 1, 1)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}
