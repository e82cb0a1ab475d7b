package pipeline_test

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/services/upload"
	"loom/internal/stage"
	"loom/internal/testsupport"
	"loom/internal/worker"
)

func TestFullVariantRunsEndToEnd(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, queue := testsupport.MustOpenStores(t, cfg)

	var scriptCalls atomic.Int32
	text := &fakeText{reply: func(system, user string) (string, error) {
		if !strings.Contains(system, "Manim") {
			return "explanation of " + user, nil
		}
		if strings.HasPrefix(user, "Create") && scriptCalls.Add(1) == 1 {
			return "", services.Wrap(services.ErrTransient, "script", "generate", "rate limited", nil)
		}
		return goodScript, nil
	}}
	publisher, err := upload.NewStore(cfg.Paths.OutputDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	set := pipeline.New(pipeline.Options{
		OpenAI:    text,
		Renderer:  &fakeRenderer{},
		Publisher: publisher,
		WorkDir:   cfg.Paths.WorkDir,
	})
	catalog, err := stage.FromConfig(cfg.Pipeline, set.Handlers())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	orch := orchestrator.New(cfg, store, queue, catalog, logging.NewNop())
	w := worker.New(cfg, store, queue, catalog, logging.NewNop(), worker.WithPollInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	sub, err := orch.Submit(ctx, orchestrator.Request{Prompt: "Explain the Pythagorean theorem", Variant: "full"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != pipeline.StageExplain {
		t.Fatalf("expected first stage explain, got %s", sub.Status)
	}

	var job *jobstore.Job
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err = store.Get(ctx, sub.JobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != jobstore.StatusCompleted || job.Progress != 100 {
		t.Fatalf("expected completed job, got %s at %d (%+v)", job.Status, job.Progress, job.Error)
	}

	want := []string{"explain", "refine", "script", "validate", "render", "upload"}
	if len(job.Outputs) != len(want) {
		t.Fatalf("expected %d outputs, got %+v", len(want), job.Outputs)
	}
	for i, name := range want {
		if job.Outputs[i].Stage != name {
			t.Fatalf("output %d: expected %s, got %s", i, name, job.Outputs[i].Stage)
		}
	}
	location, _ := job.Output("upload")
	if _, err := os.Stat(location); err != nil {
		t.Fatalf("uploaded video missing: %v", err)
	}
	if n := scriptCalls.Load(); n != 2 {
		t.Fatalf("expected the script stage to run twice, got %d", n)
	}
}
