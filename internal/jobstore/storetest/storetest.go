// Package storetest holds behavioural checks shared by every job store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/internal/jobstore"
)

// Factory opens an empty store for one subtest.
type Factory func(t *testing.T) jobstore.Store

// Run exercises the Store contract against the backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, store jobstore.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateRejectsDuplicateID", testCreateDuplicate},
		{"CreateRejectsTerminalStatus", testCreateTerminal},
		{"GetUnknown", testGetUnknown},
		{"TransitionAppendsOutputs", testTransitionAppendsOutputs},
		{"TransitionStale", testTransitionStale},
		{"ProgressNeverDecreases", testProgressNeverDecreases},
		{"MarkFailed", testMarkFailed},
		{"RecordAttemptIsConditional", testRecordAttempt},
		{"RecordErrorHistory", testRecordError},
		{"ConcurrentTransitionsHaveOneWinner", testConcurrentTransitions},
		{"ListAndStats", testListAndStats},
		{"ListStalled", testListStalled},
		{"PurgeTerminal", testPurgeTerminal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

func newJob(status string) *jobstore.Job {
	return &jobstore.Job{
		Variant: "abc",
		Status:  jobstore.Status(status),
		Input:   jobstore.Input{Prompt: "x", Model: "m", Voice: "v"},
	}
}

func mustCreate(t *testing.T, store jobstore.Store, job *jobstore.Job) string {
	t.Helper()
	id, err := store.Create(context.Background(), job)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return id
}

func testCreateAndGet(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	if id == "" {
		t.Fatal("expected generated id")
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != "A" || job.Progress != 0 || job.Variant != "abc" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Input.Prompt != "x" || job.Input.Model != "m" || job.Input.Voice != "v" {
		t.Fatalf("input not round-tripped: %+v", job.Input)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
	if job.Error != nil || job.FinishedAt != nil || len(job.Outputs) != 0 {
		t.Fatalf("fresh job carries state: %+v", job)
	}
}

func testCreateDuplicate(t *testing.T, store jobstore.Store) {
	job := newJob("A")
	job.ID = "fixed-id"
	mustCreate(t, store, job)
	dup := newJob("A")
	dup.ID = "fixed-id"
	if _, err := store.Create(context.Background(), dup); !errors.Is(err, jobstore.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func testCreateTerminal(t *testing.T, store jobstore.Store) {
	if _, err := store.Create(context.Background(), newJob("COMPLETED")); err == nil {
		t.Fatal("expected terminal status to be rejected")
	}
}

func testGetUnknown(t *testing.T, store jobstore.Store) {
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Transition(context.Background(), "missing", "A", "B", 10, nil); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Transition, got %v", err)
	}
}

func testTransitionAppendsOutputs(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	if _, err := store.RecordAttempt(ctx, id, "A", 0); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	job, err := store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "out-a"})
	if err != nil {
		t.Fatalf("Transition A->B failed: %v", err)
	}
	if job.Status != "B" || job.Progress != 40 || job.AttemptCount != 0 {
		t.Fatalf("unexpected job after first transition: %+v", job)
	}

	job, err = store.Transition(ctx, id, "B", jobstore.StatusCompleted, 100, &jobstore.StageOutput{Stage: "B", Output: "out-b"})
	if err != nil {
		t.Fatalf("Transition B->COMPLETED failed: %v", err)
	}
	if job.Status != jobstore.StatusCompleted || job.Progress != 100 {
		t.Fatalf("unexpected terminal job: %+v", job)
	}
	if job.FinishedAt == nil {
		t.Fatal("expected finished timestamp")
	}
	if len(job.Outputs) != 2 || job.Outputs[0].Stage != "A" || job.Outputs[1].Stage != "B" {
		t.Fatalf("unexpected outputs %+v", job.Outputs)
	}
	if out, ok := job.Output("B"); !ok || out != "out-b" {
		t.Fatalf("unexpected output for B: %q %v", out, ok)
	}
}

func testTransitionStale(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	if _, err := store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "first"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "second"}); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out, _ := job.Output("A"); out != "first" {
		t.Fatalf("stage output overwritten: %q", out)
	}
	if _, err := store.Transition(ctx, id, jobstore.StatusCompleted, "B", 50, nil); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected stale transition from terminal status, got %v", err)
	}
}

func testProgressNeverDecreases(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	if err := store.ReportProgress(ctx, id, "A", 30); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}
	if err := store.ReportProgress(ctx, id, "A", 10); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}
	job, err := store.Transition(ctx, id, "A", "B", 20, nil)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if job.Progress != 30 {
		t.Fatalf("expected progress to stay at 30, got %d", job.Progress)
	}
	if err := store.ReportProgress(ctx, id, "A", 90); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected stale progress report, got %v", err)
	}
}

func testMarkFailed(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	if _, err := store.MarkFailed(ctx, id, "B", jobstore.JobError{Stage: "B", Kind: "fatal"}); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected stale MarkFailed, got %v", err)
	}
	job, err := store.MarkFailed(ctx, id, "A", jobstore.JobError{Stage: "A", Kind: "fatal", Message: "boom"})
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if job.Status != jobstore.StatusFailed || job.Error == nil {
		t.Fatalf("unexpected failed job %+v", job)
	}
	if job.Error.Stage != "A" || job.Error.Kind != "fatal" || job.Error.Message != "boom" {
		t.Fatalf("unexpected error %+v", job.Error)
	}
	if job.FinishedAt == nil {
		t.Fatal("expected finished timestamp")
	}
	if _, err := store.MarkFailed(ctx, id, jobstore.StatusFailed, jobstore.JobError{Stage: "A"}); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected terminal job to reject MarkFailed, got %v", err)
	}
	if _, err := store.Transition(ctx, id, "A", "B", 50, nil); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected failed job to reject Transition, got %v", err)
	}
}

func testRecordAttempt(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	job, err := store.RecordAttempt(ctx, id, "A", 0)
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected attempt 1, got %d", job.AttemptCount)
	}
	if _, err := store.RecordAttempt(ctx, id, "A", 0); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected stale attempt claim, got %v", err)
	}
	if _, err := store.RecordAttempt(ctx, id, "B", 1); !errors.Is(err, jobstore.ErrStaleTransition) {
		t.Fatalf("expected stale attempt for wrong status, got %v", err)
	}
	job, err = store.RecordAttempt(ctx, id, "A", 1)
	if err != nil || job.AttemptCount != 2 {
		t.Fatalf("expected attempt 2, got %v %v", job, err)
	}
}

func testRecordError(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))
	for attempt := 1; attempt <= 2; attempt++ {
		entry := jobstore.AttemptError{Stage: "A", Attempt: attempt, Kind: "transient", Message: "flaky"}
		if err := store.RecordError(ctx, id, entry); err != nil {
			t.Fatalf("RecordError failed: %v", err)
		}
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(job.History) != 2 || job.History[0].Attempt != 1 || job.History[1].Attempt != 2 {
		t.Fatalf("unexpected history %+v", job.History)
	}
	if job.Status != "A" || job.Error != nil {
		t.Fatalf("history write changed job state: %+v", job)
	}
}

func testConcurrentTransitions(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	id := mustCreate(t, store, newJob("A"))

	const contenders = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
		other []error
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, id, "A", "B", 40, &jobstore.StageOutput{Stage: "A", Output: "out"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, jobstore.ErrStaleTransition):
				stale++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()
	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if wins != 1 || stale != contenders-1 {
		t.Fatalf("expected exactly one winner, got wins=%d stale=%d", wins, stale)
	}
	job, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(job.Outputs) != 1 {
		t.Fatalf("expected a single output, got %+v", job.Outputs)
	}
}

func testListAndStats(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	first := mustCreate(t, store, newJob("A"))
	second := mustCreate(t, store, newJob("A"))
	third := mustCreate(t, store, newJob("B"))
	if _, err := store.MarkFailed(ctx, second, "A", jobstore.JobError{Stage: "A", Kind: "fatal"}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := store.Transition(ctx, third, "B", jobstore.StatusCompleted, 100, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	all, err := store.List(ctx, jobstore.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}

	active, err := store.List(ctx, jobstore.ListOptions{Statuses: []jobstore.Status{"A"}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != first {
		t.Fatalf("unexpected filtered list %+v", active)
	}

	limited, err := store.List(ctx, jobstore.ListOptions{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("expected 2 jobs with limit, got %d (%v)", len(limited), err)
	}

	count, err := store.CountActive(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 active job, got %d (%v)", count, err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByStatus["A"] != 1 {
		t.Fatalf("unexpected per-status counts %+v", stats.ByStatus)
	}
}

func testListStalled(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	active := mustCreate(t, store, newJob("A"))
	done := mustCreate(t, store, newJob("A"))
	if _, err := store.Transition(ctx, done, "A", jobstore.StatusCompleted, 100, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	stalled, err := store.ListStalled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalled failed: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != active {
		t.Fatalf("expected only the active job, got %+v", stalled)
	}

	recent, err := store.ListStalled(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListStalled failed: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected no stalled jobs before cutoff, got %d", len(recent))
	}
}

func testPurgeTerminal(t *testing.T, store jobstore.Store) {
	ctx := context.Background()
	active := mustCreate(t, store, newJob("A"))
	done := mustCreate(t, store, newJob("A"))
	if _, err := store.Transition(ctx, done, "A", jobstore.StatusCompleted, 100, &jobstore.StageOutput{Stage: "A", Output: "out"}); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	removed, err := store.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing purged before cutoff, got %d (%v)", removed, err)
	}
	removed, err = store.PurgeTerminal(ctx, time.Now().Add(time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("expected 1 purged job, got %d (%v)", removed, err)
	}
	if _, err := store.Get(ctx, done); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected purged job to be gone, got %v", err)
	}
	if _, err := store.Get(ctx, active); err != nil {
		t.Fatalf("active job should survive purge: %v", err)
	}
}
