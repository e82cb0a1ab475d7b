package status_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/jobstore"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/status"
	"loom/internal/testsupport"
	"loom/internal/workqueue"
)

type fixture struct {
	store  *jobstore.SQLiteStore
	queue  *workqueue.SQLiteQueue
	reader *status.Reader
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithABCVariant(3))
	store, queue := testsupport.MustOpenStores(t, cfg)
	catalog, err := stage.FromConfig(cfg.Pipeline, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	return fixture{store: store, queue: queue, reader: status.NewReader(store, queue, catalog)}
}

func (f fixture) create(t *testing.T, prompt string) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), &jobstore.Job{
		Variant: "abc",
		Status:  "A",
		Input:   jobstore.Input{Prompt: prompt},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func (f fixture) advance(t *testing.T, id string, from, to jobstore.Status, progress int) {
	t.Helper()
	out := &jobstore.StageOutput{Stage: string(from), Output: "out-" + string(from)}
	if _, err := f.store.Transition(context.Background(), id, from, to, progress, out); err != nil {
		t.Fatalf("Transition %s->%s: %v", from, to, err)
	}
}

func stageStates(view status.JobView) map[string]string {
	states := make(map[string]string, len(view.Stages))
	for _, s := range view.Stages {
		states[s.Name] = s.State
	}
	return states
}

func TestGetFreshJob(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "x")

	view, err := f.reader.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.JobID != id || view.Status != "A" || view.Progress != 0 || view.Variant != "abc" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Error != nil {
		t.Fatalf("expected no error, got %+v", view.Error)
	}
	if view.StageOutputs == nil || len(view.StageOutputs) != 0 {
		t.Fatalf("expected empty outputs, got %#v", view.StageOutputs)
	}
	if view.CreatedAt == "" || view.FinishedAt != "" {
		t.Fatalf("unexpected timestamps created=%q finished=%q", view.CreatedAt, view.FinishedAt)
	}
	want := map[string]string{"A": status.StageActive, "B": status.StagePending, "C": status.StagePending}
	got := stageStates(view)
	for name, state := range want {
		if got[name] != state {
			t.Fatalf("stage %s: want %s, got %s", name, state, got[name])
		}
	}
}

func TestGetCompletedJobListsOutputsInOrder(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "x")
	f.advance(t, id, "A", "B", 40)
	f.advance(t, id, "B", "C", 90)
	f.advance(t, id, "C", jobstore.StatusCompleted, 100)

	view, err := f.reader.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status != "COMPLETED" || view.Progress != 100 {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.StageOutputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(view.StageOutputs))
	}
	for i, name := range []string{"A", "B", "C"} {
		if view.StageOutputs[i].Stage != name || view.StageOutputs[i].Output != "out-"+name {
			t.Fatalf("output %d: unexpected %+v", i, view.StageOutputs[i])
		}
	}
	for name, state := range stageStates(view) {
		if state != status.StageDone {
			t.Fatalf("stage %s: expected done, got %s", name, state)
		}
	}
	if view.FinishedAt == "" {
		t.Fatal("expected finished_at on completed job")
	}
	if status.ParseTime(view.FinishedAt).IsZero() {
		t.Fatalf("finished_at %q does not parse", view.FinishedAt)
	}
}

func TestGetFailedJobReportsError(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "x")
	f.advance(t, id, "A", "B", 40)
	if _, err := f.store.MarkFailed(context.Background(), id, "B", jobstore.JobError{
		Stage:   "B",
		Kind:    services.KindDeliveryExhausted,
		Message: "upstream busy",
	}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	view, err := f.reader.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if view.Status != "FAILED" || view.Progress != 40 {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Error == nil || view.Error.Stage != "B" || view.Error.Message != "upstream busy" {
		t.Fatalf("unexpected error %+v", view.Error)
	}
	if len(view.StageOutputs) != 1 || view.StageOutputs[0].Stage != "A" {
		t.Fatalf("expected only A's output, got %+v", view.StageOutputs)
	}
	want := map[string]string{"A": status.StageDone, "B": status.StageFailed, "C": status.StagePending}
	got := stageStates(view)
	for name, state := range want {
		if got[name] != state {
			t.Fatalf("stage %s: want %s, got %s", name, state, got[name])
		}
	}
}

func TestGetUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.reader.Get(context.Background(), "missing")
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "one")
	f.create(t, "two")
	f.advance(t, first, "A", "B", 40)

	tests := []struct {
		statuses []string
		want     int
	}{
		{nil, 2},
		{[]string{"A"}, 1},
		{[]string{"B"}, 1},
		{[]string{"A", "B"}, 2},
		{[]string{"completed"}, 0},
	}
	for _, tc := range tests {
		views, err := f.reader.List(context.Background(), status.Filter{Statuses: tc.statuses})
		if err != nil {
			t.Fatalf("List(%v): %v", tc.statuses, err)
		}
		if len(views) != tc.want {
			t.Fatalf("List(%v): want %d, got %d", tc.statuses, tc.want, len(views))
		}
	}
}

func TestSummaryIncludesQueueDepth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "x")
	f.create(t, "y")
	if _, err := f.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "A", Attempt: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	summary, err := f.reader.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Total != 2 || summary.Active != 2 || summary.Counts["A"] != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Queue == nil || summary.Queue.Ready != 1 {
		t.Fatalf("unexpected queue view %+v", summary.Queue)
	}
}

func TestDeadLettersView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "x")
	if _, err := f.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "A", Attempt: 3}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deliveries, err := f.queue.Dequeue(ctx, 1, time.Minute)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Dequeue: %v (%d)", err, len(deliveries))
	}
	if err := f.queue.DeadLetter(ctx, deliveries[0], "attempts exhausted"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	views, err := f.reader.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(views) != 1 || views[0].JobID != id || views[0].Stage != "A" || views[0].Reason != "attempts exhausted" {
		t.Fatalf("unexpected dead letters %+v", views)
	}
}

func TestVariantsListsStages(t *testing.T) {
	f := newFixture(t)
	variants := f.reader.Variants()
	if len(variants) != 1 || variants[0].Name != "abc" || !variants[0].Default {
		t.Fatalf("unexpected variants %+v", variants)
	}
	stages := variants[0].Stages
	if len(stages) != 3 || stages[1].Name != "B" || stages[1].Low != 40 || stages[1].High != 90 {
		t.Fatalf("unexpected stages %+v", stages)
	}
}

func TestStageLabel(t *testing.T) {
	tests := map[string]string{
		"explain":     "Explain",
		"render_clip": "Render Clip",
		"":            "",
	}
	for in, want := range tests {
		if got := status.StageLabel(in); got != want {
			t.Fatalf("StageLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
