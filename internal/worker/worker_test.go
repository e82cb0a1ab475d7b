package worker_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/jobstore"
	"loom/internal/metrics"
	"loom/internal/notifications"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/worker"
	"loom/internal/workqueue"
)

func transient(stageName string) error {
	return services.Wrap(services.ErrTransient, stageName, "call collaborator", "upstream unavailable", nil)
}

func TestWorkerRetriesTransientFailureThenCompletes(t *testing.T) {
	var (
		bCalls       atomic.Int32
		mu           sync.Mutex
		seenByC      []string
		seenProgress []int
	)
	record := func(p int) {
		mu.Lock()
		seenProgress = append(seenProgress, p)
		mu.Unlock()
	}
	h := newHarness(t, map[string]stage.Handler{
		"A": stage.HandlerFunc(func(_ context.Context, req stage.Request) (string, error) {
			record(req.Progress)
			return "out-A", nil
		}),
		"B": stage.HandlerFunc(func(ctx context.Context, req stage.Request) (string, error) {
			record(req.Progress)
			req.ReportProgress(ctx, 50)
			if bCalls.Add(1) <= 2 {
				return "", transient("B")
			}
			return "out-B", nil
		}),
		"C": stage.HandlerFunc(func(_ context.Context, req stage.Request) (string, error) {
			record(req.Progress)
			a, _ := req.Output("A")
			b, _ := req.Output("B")
			mu.Lock()
			seenByC = []string{a, b}
			mu.Unlock()
			return "out-C", nil
		}),
	}, worker.WithMetrics(metrics.New()))

	id := h.submit(t, "x")
	initial := h.job(t, id)
	if initial.Status != "A" || initial.Progress != 0 {
		t.Fatalf("expected new job in A at 0%%, got %s at %d", initial.Status, initial.Progress)
	}

	h.start(t)
	job := h.waitTerminal(t, id)

	if job.Status != jobstore.StatusCompleted || job.Progress != 100 {
		t.Fatalf("expected COMPLETED at 100, got %s at %d", job.Status, job.Progress)
	}
	if got := outputStages(job); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected output order %v", got)
	}
	for _, out := range job.Outputs {
		if out.Output != "out-"+out.Stage {
			t.Fatalf("unexpected output for %s: %q", out.Stage, out.Output)
		}
	}
	if job.Error != nil {
		t.Fatalf("completed job carries error %+v", job.Error)
	}
	if got := bCalls.Load(); got != 3 {
		t.Fatalf("expected B to run 3 times, got %d", got)
	}
	if len(job.History) != 2 {
		t.Fatalf("expected 2 recorded attempt errors, got %+v", job.History)
	}
	for i, entry := range job.History {
		if entry.Stage != "B" || entry.Kind != services.KindTransient || entry.Attempt != i+1 {
			t.Fatalf("unexpected history entry %d: %+v", i, entry)
		}
	}

	if events := h.waitEvents(t, 1); !slices.Equal(events, []notifications.Event{notifications.EventJobCompleted}) {
		t.Fatalf("unexpected notifications %v", events)
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seenByC, []string{"out-A", "out-B"}) {
		t.Fatalf("C saw outputs %v", seenByC)
	}
	if !slices.IsSorted(seenProgress) {
		t.Fatalf("progress seen by handlers decreased: %v", seenProgress)
	}
	if seenProgress[0] != 0 || seenProgress[len(seenProgress)-1] != 90 {
		t.Fatalf("unexpected progress samples %v", seenProgress)
	}

	summary := h.worker.Status(context.Background())
	if summary.Outcomes[metrics.OutcomeSuccess] != 3 || summary.Outcomes[metrics.OutcomeRetry] != 2 {
		t.Fatalf("unexpected outcomes %+v", summary.Outcomes)
	}
	if summary.LastJob == nil || summary.LastJob.ID != id {
		t.Fatalf("expected last job %s, got %+v", id, summary.LastJob)
	}
}

func TestWorkerDeadLettersAfterExhaustingRetries(t *testing.T) {
	var bCalls atomic.Int32
	h := newHarness(t, map[string]stage.Handler{
		"B": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			bCalls.Add(1)
			return "", transient("B")
		}),
	})
	id := h.submit(t, "x")
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.Error == nil || job.Error.Stage != "B" || job.Error.Kind != services.KindDeliveryExhausted {
		t.Fatalf("unexpected job error %+v", job.Error)
	}
	if job.Error.Message == "" {
		t.Fatal("expected last error message to be recorded")
	}
	if got := outputStages(job); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("expected only A output, got %v", got)
	}
	if got := bCalls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts of B, got %d", got)
	}
	if job.Progress < 40 || job.Progress > 90 {
		t.Fatalf("progress left stage B range: %d", job.Progress)
	}

	var entries []workqueue.DeadLetter
	waitFor(t, "dead letter", func() bool {
		entries = h.deadLetters(t)
		return len(entries) > 0
	})
	if len(entries) != 1 || entries[0].JobID != id || entries[0].Stage != "B" ||
		entries[0].Reason != services.KindDeliveryExhausted {
		t.Fatalf("unexpected dead letters %+v", entries)
	}
	h.waitQueueDrained(t)
}

func TestWorkerFailsImmediatelyOnNonRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"fatal marker", services.Wrap(services.ErrFatal, "B", "validate", "script rejected", nil), services.KindFatal},
		{"external tool", services.Wrap(services.ErrExternalTool, "B", "render", "exit status 2", nil), services.KindExternalTool},
		{"unclassified", errors.New("boom"), services.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var bCalls atomic.Int32
			h := newHarness(t, map[string]stage.Handler{
				"B": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
					bCalls.Add(1)
					return "", tc.err
				}),
			})
			id := h.submit(t, "x")
			h.start(t)

			job := h.waitTerminal(t, id)
			if job.Status != jobstore.StatusFailed || job.Error == nil {
				t.Fatalf("expected FAILED with error, got %s %+v", job.Status, job.Error)
			}
			if job.Error.Stage != "B" || job.Error.Kind != tc.wantKind {
				t.Fatalf("unexpected error %+v", job.Error)
			}
			if bCalls.Load() != 1 {
				t.Fatalf("expected a single attempt, got %d", bCalls.Load())
			}
			h.waitQueueDrained(t)
			if entries := h.deadLetters(t); len(entries) != 0 {
				t.Fatalf("fatal failure should not dead-letter, got %+v", entries)
			}
			if events := h.waitEvents(t, 1); !slices.Equal(events, []notifications.Event{notifications.EventJobFailed}) {
				t.Fatalf("unexpected notifications %v", events)
			}
		})
	}
}

func TestWorkerFirstStageFatalFailsAfterOneAttempt(t *testing.T) {
	var aCalls atomic.Int32
	h := newHarness(t, map[string]stage.Handler{
		"A": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			aCalls.Add(1)
			return "", services.Wrap(services.ErrFatal, "A", "explain", "prompt rejected", nil)
		}),
	})
	id := h.submit(t, "x")
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusFailed || job.Error == nil {
		t.Fatalf("expected FAILED with error, got %s %+v", job.Status, job.Error)
	}
	if job.Error.Stage != "A" || job.Error.Kind != services.KindFatal {
		t.Fatalf("unexpected error %+v", job.Error)
	}
	if aCalls.Load() != 1 || job.AttemptCount != 1 {
		t.Fatalf("expected one attempt, got %d calls and attempt_count %d", aCalls.Load(), job.AttemptCount)
	}
	if len(job.Outputs) != 0 {
		t.Fatalf("expected no outputs, got %v", outputStages(job))
	}
	if len(job.History) != 1 || job.History[0].Stage != "A" || job.History[0].Attempt != 1 {
		t.Fatalf("expected a single history entry for A, got %+v", job.History)
	}
	h.waitQueueDrained(t)
	if entries := h.deadLetters(t); len(entries) != 0 {
		t.Fatalf("fatal failure should not dead-letter, got %+v", entries)
	}
}

func TestWorkerAbandonsOverrunningHandler(t *testing.T) {
	var bCalls atomic.Int32
	h := newHarness(t, map[string]stage.Handler{
		"B": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			if bCalls.Add(1) == 1 {
				time.Sleep(600 * time.Millisecond)
				return "late-B", nil
			}
			return "out-B", nil
		}),
	}, worker.WithVisibilityTimeout(200*time.Millisecond))
	id := h.submit(t, "x")
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%+v)", job.Status, job.Error)
	}
	b, _ := job.Output("B")
	if b != "out-B" {
		t.Fatalf("expected output of the second attempt, got %q", b)
	}
	if got := bCalls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts of B, got %d", got)
	}
	if n := h.worker.Status(context.Background()).Outcomes["abandoned"]; n != 1 {
		t.Fatalf("expected one abandoned execution, got %d", n)
	}
}

func TestWorkerAbandonedAttemptsConsumeBudget(t *testing.T) {
	h := newHarness(t, map[string]stage.Handler{
		"A": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			time.Sleep(300 * time.Millisecond)
			return "late-A", nil
		}),
	}, worker.WithVisibilityTimeout(100*time.Millisecond))
	id := h.submit(t, "x")
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusFailed || job.Error == nil || job.Error.Kind != services.KindDeliveryExhausted {
		t.Fatalf("expected delivery_exhausted failure, got %s %+v", job.Status, job.Error)
	}
	if len(job.Outputs) != 0 {
		t.Fatalf("abandoned attempts must not record output, got %+v", job.Outputs)
	}
	waitFor(t, "dead letter", func() bool { return len(h.deadLetters(t)) == 1 })
}

func TestWorkerDiscardsMessagesForUnknownOrFinishedJobs(t *testing.T) {
	var calls atomic.Int32
	counting := stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
		calls.Add(1)
		return "unexpected", nil
	})
	h := newHarness(t, map[string]stage.Handler{"A": counting, "B": counting, "C": counting})
	ctx := context.Background()

	done, err := h.store.Create(ctx, &jobstore.Job{Variant: "abc", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.store.MarkFailed(ctx, done, "A", jobstore.JobError{Stage: "A", Kind: services.KindFatal, Message: "gone"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	for _, msg := range []workqueue.Message{
		{JobID: "missing-job", Stage: "A", Attempt: 1},
		{JobID: done, Stage: "A", Attempt: 1},
	} {
		if _, err := h.queue.Enqueue(ctx, msg, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	h.start(t)
	h.waitQueueDrained(t)

	if calls.Load() != 0 {
		t.Fatalf("handlers ran %d times for discarded messages", calls.Load())
	}
	if entries := h.deadLetters(t); len(entries) != 0 {
		t.Fatalf("unexpected dead letters %+v", entries)
	}
	if job := h.job(t, done); job.Status != jobstore.StatusFailed || job.Error.Kind != services.KindFatal {
		t.Fatalf("finished job changed: %+v", job)
	}
}

func TestWorkerRedeliveredMessageDoesNotRepeatStage(t *testing.T) {
	var aCalls atomic.Int32
	h := newHarness(t, map[string]stage.Handler{
		"A": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			aCalls.Add(1)
			return "second-A", nil
		}),
	})
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{Variant: "abc", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The job advanced but the worker died before enqueueing B and acking A.
	if _, err := h.store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "first-A"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "A", Attempt: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.start(t)

	h.waitQueueDrained(t)
	if job := h.job(t, id); job.Status != "B" {
		t.Fatalf("stale message moved the job to %s", job.Status)
	}
	if aCalls.Load() != 0 {
		t.Fatalf("stage A re-ran %d times", aCalls.Load())
	}

	time.Sleep(20 * time.Millisecond)
	n, err := h.reconciler(time.Millisecond).Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected the stalled job to be re-triggered once, got %d (%v)", n, err)
	}

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%+v)", job.Status, job.Error)
	}
	if aCalls.Load() != 0 {
		t.Fatalf("stage A re-ran %d times", aCalls.Load())
	}
	if got := outputStages(job); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected outputs %v", got)
	}
	if a, _ := job.Output("A"); a != "first-A" {
		t.Fatalf("stage A output overwritten: %q", a)
	}
}

func TestWorkerStaleMessageDoesNotDuplicateCurrentStage(t *testing.T) {
	var (
		bCalls, cCalls atomic.Int32
		running, peak  atomic.Int32
	)
	h := newHarness(t, map[string]stage.Handler{
		"B": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			bCalls.Add(1)
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(150 * time.Millisecond)
			return "out-B", nil
		}),
		"C": stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			cCalls.Add(1)
			return "out-C", nil
		}),
	}, worker.WithConcurrency(2))
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{Variant: "abc", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// A committed and B was enqueued, but A's message was never acknowledged.
	if _, err := h.store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "out-A"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	for _, stageName := range []string{"B", "A"} {
		if _, err := h.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: stageName, Attempt: 1}, 0); err != nil {
			t.Fatalf("Enqueue %s: %v", stageName, err)
		}
	}
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%+v)", job.Status, job.Error)
	}
	h.waitQueueDrained(t)
	if bCalls.Load() != 1 || peak.Load() != 1 {
		t.Fatalf("stage B ran %d times with peak concurrency %d", bCalls.Load(), peak.Load())
	}
	if cCalls.Load() != 1 {
		t.Fatalf("stage C ran %d times", cCalls.Load())
	}
	if got := outputStages(job); !slices.Equal(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected outputs %v", got)
	}
}

func TestWorkerDeadLettersRedeliveryOfExhaustedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{Variant: "abc", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "out-A"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// The job was failed but the worker died before dead-lettering.
	if _, err := h.store.MarkFailed(ctx, id, "B", jobstore.JobError{Stage: "B", Kind: services.KindDeliveryExhausted, Message: "upstream unavailable"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "B", Attempt: 3}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.start(t)

	waitFor(t, "recovered dead letter", func() bool { return len(h.deadLetters(t)) == 1 })
	entry := h.deadLetters(t)[0]
	if entry.JobID != id || entry.Stage != "B" {
		t.Fatalf("unexpected dead letter %+v", entry)
	}
	if job := h.job(t, id); job.Status != jobstore.StatusFailed {
		t.Fatalf("job status changed to %s", job.Status)
	}
	if events := h.waitEvents(t, 1); !slices.Equal(events, []notifications.Event{notifications.EventDeadLettered}) {
		t.Fatalf("unexpected notifications %v", events)
	}
}

func TestWorkerFailsJobsOfUnknownVariant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{Variant: "retired", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "A", Attempt: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.start(t)

	job := h.waitTerminal(t, id)
	if job.Status != jobstore.StatusFailed || job.Error == nil || job.Error.Kind != services.KindConfiguration {
		t.Fatalf("expected configuration failure, got %s %+v", job.Status, job.Error)
	}
	h.waitQueueDrained(t)
}

func TestWorkerConcurrentJobsAllComplete(t *testing.T) {
	h := newHarness(t, nil, worker.WithConcurrency(4))
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = h.submit(t, "prompt")
	}
	h.start(t)
	for _, id := range ids {
		job := h.waitTerminal(t, id)
		if job.Status != jobstore.StatusCompleted || len(job.Outputs) != 3 {
			t.Fatalf("job %s ended %s with %d outputs", id, job.Status, len(job.Outputs))
		}
	}
}

func TestReconcileRequeuesStalledJobs(t *testing.T) {
	h := newHarness(t, nil, worker.WithReconcileAfter(time.Millisecond))
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{Variant: "abc", Status: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	n, err := h.worker.Reconcile(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one requeued job, got %d (%v)", n, err)
	}
	n, err = h.worker.Reconcile(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected pending trigger to suppress a second pass, got %d (%v)", n, err)
	}

	h.start(t)
	if job := h.waitTerminal(t, id); job.Status != jobstore.StatusCompleted {
		t.Fatalf("expected reconciled job to complete, got %s", job.Status)
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.worker.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	h.worker.Stop()
	if h.worker.Status(context.Background()).Running {
		t.Fatal("expected worker to report stopped")
	}
}
