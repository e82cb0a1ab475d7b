// Package queuetest holds behavioural checks shared by every queue backend.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"loom/internal/workqueue"
)

// Factory opens an empty queue for one subtest.
type Factory func(t *testing.T) workqueue.Queue

// Run exercises the Queue contract against the backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, q workqueue.Queue)
	}{
		{"EnqueueDequeueAcknowledge", testRoundTrip},
		{"RejectsIncompleteMessage", testRejectsIncomplete},
		{"DelayHidesMessage", testDelay},
		{"DeliveryCarriesNotBefore", testNotBefore},
		{"UnacknowledgedMessageReappears", testRedelivery},
		{"StaleReceiptRejected", testStaleReceipt},
		{"DeadLetter", testDeadLetter},
		{"ConcurrentDequeueHandsOutOnce", testConcurrentDequeue},
		{"Stats", testStats},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := open(t)
			t.Cleanup(func() { _ = q.Close() })
			tc.fn(t, q)
		})
	}
}

func mustEnqueue(t *testing.T, q workqueue.Queue, jobID, stage string, delay time.Duration) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), workqueue.Message{JobID: jobID, Stage: stage, Attempt: 1}, delay)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func mustDequeue(t *testing.T, q workqueue.Queue, limit int, visibility time.Duration) []workqueue.Delivery {
	t.Helper()
	deliveries, err := q.Dequeue(context.Background(), limit, visibility)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return deliveries
}

func testRoundTrip(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	id := mustEnqueue(t, q, "job-1", "A", 0)

	deliveries := mustDequeue(t, q, 10, time.Minute)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	d := deliveries[0]
	if d.ID != id || d.JobID != "job-1" || d.Stage != "A" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if d.Receipt == "" || d.Deliveries != 1 {
		t.Fatalf("expected receipt and first delivery, got %+v", d)
	}
	if d.NotBefore.IsZero() || d.NotBefore.After(time.Now()) {
		t.Fatalf("expected not_before at enqueue time, got %s", d.NotBefore)
	}
	if err := q.Acknowledge(ctx, d.Receipt); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if err := q.Acknowledge(ctx, d.Receipt); !errors.Is(err, workqueue.ErrReceiptExpired) {
		t.Fatalf("expected second ack to fail with ErrReceiptExpired, got %v", err)
	}
	if again := mustDequeue(t, q, 10, time.Minute); len(again) != 0 {
		t.Fatalf("acknowledged message delivered again: %+v", again)
	}
}

func testRejectsIncomplete(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, workqueue.Message{Stage: "A"}, 0); err == nil {
		t.Fatal("expected missing job id to be rejected")
	}
	if _, err := q.Enqueue(ctx, workqueue.Message{JobID: "job"}, 0); err == nil {
		t.Fatal("expected missing stage to be rejected")
	}
}

func testDelay(t *testing.T, q workqueue.Queue) {
	mustEnqueue(t, q, "job-1", "A", time.Hour)
	if got := mustDequeue(t, q, 10, time.Minute); len(got) != 0 {
		t.Fatalf("delayed message delivered early: %+v", got)
	}
	mustEnqueue(t, q, "job-2", "A", 50*time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := mustDequeue(t, q, 10, time.Minute)
		if len(got) == 1 && got[0].JobID == "job-2" {
			return
		}
		if len(got) > 0 {
			t.Fatalf("unexpected delivery %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("delayed message never became visible")
}

func testNotBefore(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	notBefore := time.Now().Add(200 * time.Millisecond).Truncate(time.Millisecond)
	msg := workqueue.Message{JobID: "job-1", Stage: "B", Attempt: 2, NotBefore: notBefore}
	if _, err := q.Enqueue(ctx, msg, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if got := mustDequeue(t, q, 10, time.Minute); len(got) != 0 {
		t.Fatalf("message delivered before not_before: %+v", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := mustDequeue(t, q, 10, time.Minute)
		if len(got) == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if !got[0].NotBefore.Equal(notBefore) {
			t.Fatalf("expected not_before %s, got %s", notBefore, got[0].NotBefore)
		}
		return
	}
	t.Fatal("message never became visible")
}

func testRedelivery(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, "job-1", "A", 0)

	first := mustDequeue(t, q, 1, 100*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("expected first delivery, got %d", len(first))
	}
	if hidden := mustDequeue(t, q, 1, time.Minute); len(hidden) != 0 {
		t.Fatalf("in-flight message delivered twice: %+v", hidden)
	}

	var second []workqueue.Delivery
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(second) == 0 {
		time.Sleep(50 * time.Millisecond)
		second = mustDequeue(t, q, 1, time.Minute)
	}
	if len(second) != 1 {
		t.Fatal("message did not reappear after visibility timeout")
	}
	if second[0].ID != first[0].ID || second[0].Deliveries != 2 {
		t.Fatalf("unexpected redelivery %+v", second[0])
	}
	if second[0].Receipt == first[0].Receipt {
		t.Fatal("expected a fresh receipt on redelivery")
	}
	if err := q.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
}

func testStaleReceipt(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, "job-1", "A", 0)
	first := mustDequeue(t, q, 1, 50*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("expected delivery, got %d", len(first))
	}
	time.Sleep(100 * time.Millisecond)
	second := mustDequeue(t, q, 1, time.Minute)
	if len(second) != 1 {
		t.Fatalf("expected redelivery, got %d", len(second))
	}
	if err := q.Acknowledge(ctx, first[0].Receipt); !errors.Is(err, workqueue.ErrReceiptExpired) {
		t.Fatalf("expected ErrReceiptExpired for superseded receipt, got %v", err)
	}
	if err := q.DeadLetter(ctx, first[0], "late"); !errors.Is(err, workqueue.ErrReceiptExpired) {
		t.Fatalf("expected ErrReceiptExpired for superseded dead-letter, got %v", err)
	}
	if err := q.Acknowledge(ctx, second[0].Receipt); err != nil {
		t.Fatalf("Acknowledge with current receipt failed: %v", err)
	}
}

func testDeadLetter(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, "job-1", "B", 0)
	mustEnqueue(t, q, "job-2", "C", 0)
	deliveries := mustDequeue(t, q, 2, time.Minute)
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if err := q.DeadLetter(ctx, d, "delivery_exhausted"); err != nil {
			t.Fatalf("DeadLetter failed: %v", err)
		}
	}

	entries, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(entries))
	}
	seen := map[string]workqueue.DeadLetter{}
	for _, e := range entries {
		seen[e.JobID] = e
	}
	entry, ok := seen["job-1"]
	if !ok || entry.Stage != "B" || entry.Reason != "delivery_exhausted" || entry.Deliveries != 1 || entry.ID == "" {
		t.Fatalf("unexpected dead letter %+v", entry)
	}
	if got := mustDequeue(t, q, 10, time.Minute); len(got) != 0 {
		t.Fatalf("dead-lettered message still deliverable: %+v", got)
	}

	purged, err := q.PurgeDeadLetters(ctx)
	if err != nil || purged != 2 {
		t.Fatalf("expected 2 purged dead letters, got %d (%v)", purged, err)
	}
	if entries, _ := q.DeadLetters(ctx, 10); len(entries) != 0 {
		t.Fatalf("expected empty dead-letter channel, got %d", len(entries))
	}
}

func testConcurrentDequeue(t *testing.T, q workqueue.Queue) {
	const messages = 20
	for i := 0; i < messages; i++ {
		mustEnqueue(t, q, "job", "A", 0)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
		errs []error
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.Dequeue(context.Background(), 3, time.Minute)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				for _, d := range got {
					seen[d.ID]++
				}
				mu.Unlock()
				if len(got) == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("dequeue errors: %v", errs)
	}
	if len(seen) != messages {
		t.Fatalf("expected %d distinct messages, got %d", messages, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("message %s handed out %d times", id, count)
		}
	}
}

func testStats(t *testing.T, q workqueue.Queue) {
	ctx := context.Background()
	mustEnqueue(t, q, "job-1", "A", 0)
	mustEnqueue(t, q, "job-2", "A", 0)
	mustEnqueue(t, q, "job-3", "A", time.Hour)

	deliveries := mustDequeue(t, q, 1, time.Minute)
	if len(deliveries) != 1 {
		t.Fatalf("expected a delivery, got %d", len(deliveries))
	}
	if err := q.DeadLetter(ctx, deliveries[0], "fatal"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}
	mustDequeue(t, q, 1, time.Minute)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Ready != 0 || stats.Invisible != 2 || stats.DeadLetters != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
