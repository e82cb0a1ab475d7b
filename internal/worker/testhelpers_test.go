package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/stage"
	"loom/internal/testsupport"
	"loom/internal/worker"
	"loom/internal/workqueue"
)

type stubNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
	jobIDs []string
}

func (s *stubNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if id, ok := payload["jobID"].(string); ok {
		s.jobIDs = append(s.jobIDs, id)
	}
	return nil
}

func (s *stubNotifier) snapshot() []notifications.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifications.Event(nil), s.events...)
}

type harness struct {
	cfg      *config.Config
	store    *jobstore.SQLiteStore
	queue    *workqueue.SQLiteQueue
	worker   *worker.Worker
	notifier *stubNotifier
}

// newHarness wires a worker over the A(0-40) B(40-90) C(90-100) variant with
// max_attempts=3. Missing handlers default to echoing the stage name.
func newHarness(t *testing.T, handlers map[string]stage.Handler, opts ...worker.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithABCVariant(3))
	store, queue := testsupport.MustOpenStores(t, cfg)

	all := map[string]stage.Handler{}
	for _, name := range []string{"A", "B", "C"} {
		name := name
		all[name] = stage.HandlerFunc(func(context.Context, stage.Request) (string, error) {
			return "out-" + name, nil
		})
	}
	for name, h := range handlers {
		all[name] = h
	}
	catalog, err := stage.FromConfig(cfg.Pipeline, all)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	notifier := &stubNotifier{}
	base := []worker.Option{
		worker.WithPollInterval(5 * time.Millisecond),
		worker.WithNotifier(notifier),
	}
	w := worker.New(cfg, store, queue, catalog, logging.NewNop(), append(base, opts...)...)
	return &harness{cfg: cfg, store: store, queue: queue, worker: w, notifier: notifier}
}

// reconciler returns an unstarted worker over the harness backends whose
// Reconcile treats any job untouched for longer than after as stalled.
func (h *harness) reconciler(after time.Duration) *worker.Worker {
	return worker.New(h.cfg, h.store, h.queue, nil, logging.NewNop(), worker.WithReconcileAfter(after))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.worker.Stop)
}

// submit creates a job in stage A and enqueues its first trigger.
func (h *harness) submit(t *testing.T, prompt string) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.Create(ctx, &jobstore.Job{
		Variant: "abc",
		Status:  "A",
		Input:   jobstore.Input{Prompt: prompt},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: "A", Attempt: 1}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func (h *harness) job(t *testing.T, id string) *jobstore.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func (h *harness) waitTerminal(t *testing.T, id string) *jobstore.Job {
	t.Helper()
	var job *jobstore.Job
	waitFor(t, "job to finish", func() bool {
		job = h.job(t, id)
		return job.Status.IsTerminal()
	})
	return job
}

func (h *harness) deadLetters(t *testing.T) []workqueue.DeadLetter {
	t.Helper()
	entries, err := h.queue.DeadLetters(context.Background(), 100)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	return entries
}

func (h *harness) waitQueueDrained(t *testing.T) {
	t.Helper()
	waitFor(t, "queue to drain", func() bool {
		stats, err := h.queue.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		return stats.Ready == 0 && stats.Invisible == 0
	})
}

// waitEvents waits for n notifications, which are published after every
// other side effect of finishing a job.
func (h *harness) waitEvents(t *testing.T, n int) []notifications.Event {
	t.Helper()
	var events []notifications.Event
	waitFor(t, "notifications", func() bool {
		events = h.notifier.snapshot()
		return len(events) >= n
	})
	return events
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func outputStages(job *jobstore.Job) []string {
	stages := make([]string, len(job.Outputs))
	for i, out := range job.Outputs {
		stages[i] = out.Stage
	}
	return stages
}
