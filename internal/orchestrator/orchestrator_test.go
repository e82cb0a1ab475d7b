package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/testsupport"
	"loom/internal/workqueue"
)

type failingQueue struct {
	workqueue.Queue
}

func (failingQueue) Enqueue(context.Context, workqueue.Message, time.Duration) (string, error) {
	return "", errors.New("redis: connection refused")
}

func newOrchestrator(t *testing.T, cfg *config.Config, wrap func(workqueue.Queue) workqueue.Queue) (*orchestrator.Orchestrator, jobstore.Store, workqueue.Queue) {
	t.Helper()
	store, queue := testsupport.MustOpenStores(t, cfg)
	catalog, err := stage.FromConfig(cfg.Pipeline, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	var q workqueue.Queue = queue
	if wrap != nil {
		q = wrap(queue)
	}
	return orchestrator.New(cfg, store, q, catalog, logging.NewNop()), store, queue
}

func TestSubmitCreatesJobInFirstStage(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithABCVariant(3))
	orch, store, queue := newOrchestrator(t, cfg, nil)
	ctx := context.Background()

	sub, err := orch.Submit(ctx, orchestrator.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.JobID == "" || sub.Status != "A" || sub.Progress != 0 || sub.Variant != "abc" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	job, err := store.Get(ctx, sub.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != "A" || job.Progress != 0 || job.AttemptCount != 0 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Input.Prompt != "x" || job.Input.Model != cfg.Pipeline.DefaultModel || job.Input.Voice != cfg.Pipeline.DefaultVoice {
		t.Fatalf("unexpected input %+v", job.Input)
	}

	deliveries, err := queue.Dequeue(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].JobID != sub.JobID || deliveries[0].Stage != "A" || deliveries[0].Attempt != 1 {
		t.Fatalf("unexpected trigger %+v", deliveries)
	}
}

func TestSubmitResolvesVariants(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	orch, _, _ := newOrchestrator(t, cfg, nil)

	tests := []struct {
		variant    string
		wantStatus string
		wantName   string
	}{
		{"", "explain", "standard"},
		{"quick", "script", "quick"},
		{"full", "explain", "full"},
	}
	for _, tc := range tests {
		sub, err := orch.Submit(context.Background(), orchestrator.Request{Prompt: "Explain the Pythagorean theorem", Variant: tc.variant})
		if err != nil {
			t.Fatalf("Submit(%q): %v", tc.variant, err)
		}
		if sub.Status != tc.wantStatus || sub.Variant != tc.wantName || sub.Progress != 0 {
			t.Fatalf("variant %q: unexpected submission %+v", tc.variant, sub)
		}
	}
}

func TestSubmitRejectsInvalidInputWithoutWriting(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.MaxPromptLength = 20
	orch, store, queue := newOrchestrator(t, cfg, nil)

	tests := []struct {
		name  string
		req   orchestrator.Request
		field string
	}{
		{"empty prompt", orchestrator.Request{Prompt: "   "}, "prompt"},
		{"prompt too long", orchestrator.Request{Prompt: strings.Repeat("a", 21)}, "prompt"},
		{"unknown model", orchestrator.Request{Prompt: "circles", Model: "gpt-2"}, "model"},
		{"unknown voice", orchestrator.Request{Prompt: "circles", Voice: "HAL"}, "voice"},
		{"unknown variant", orchestrator.Request{Prompt: "circles", Variant: "deluxe"}, "variant"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Submit(context.Background(), tc.req)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *orchestrator.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected field %q, got %v", tc.field, err)
			}
			if kind := services.Kind(err); kind != services.KindValidation {
				t.Fatalf("expected kind validation, got %q", kind)
			}
		})
	}

	summary, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("validation failures created %d jobs", summary.Total)
	}
	stats, err := queue.Stats(context.Background())
	if err != nil {
		t.Fatalf("queue Stats: %v", err)
	}
	if stats.Ready != 0 {
		t.Fatalf("validation failures enqueued %d messages", stats.Ready)
	}
}

func TestSubmitAcceptsAllowlistCaseInsensitively(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	orch, _, _ := newOrchestrator(t, cfg, nil)
	if _, err := orch.Submit(context.Background(), orchestrator.Request{Prompt: "orbits", Model: "NOVA-PRO", Voice: "matthew"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSubmitEnforcesActiveJobLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.MaxActiveJobs = 1
	orch, store, _ := newOrchestrator(t, cfg, nil)
	ctx := context.Background()

	first, err := orch.Submit(ctx, orchestrator.Request{Prompt: "first"})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err = orch.Submit(ctx, orchestrator.Request{Prompt: "second"})
	if !errors.Is(err, services.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	if _, err := store.MarkFailed(ctx, first.JobID, jobstore.Status(first.Status), jobstore.JobError{Stage: first.Status, Kind: services.KindFatal}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := orch.Submit(ctx, orchestrator.Request{Prompt: "third"}); err != nil {
		t.Fatalf("expected capacity to free up after a terminal job, got %v", err)
	}
}

func TestSubmitFailsJobWhenEnqueueFails(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithABCVariant(3))
	orch, store, _ := newOrchestrator(t, cfg, func(q workqueue.Queue) workqueue.Queue {
		return failingQueue{Queue: q}
	})
	ctx := context.Background()

	_, err := orch.Submit(ctx, orchestrator.Request{Prompt: "x"})
	if !errors.Is(err, services.ErrEnqueueUnavailable) {
		t.Fatalf("expected enqueue error, got %v", err)
	}

	jobs, err := store.List(ctx, jobstore.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the created job to remain, got %d", len(jobs))
	}
	job, err := store.Get(ctx, jobs[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusFailed || job.Error == nil || job.Error.Kind != services.KindEnqueueUnavailable || job.Error.Stage != "A" {
		t.Fatalf("expected enqueue_failed job, got %s %+v", job.Status, job.Error)
	}
}
