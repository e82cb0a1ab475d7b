package worker

import (
	"context"
	"time"

	"loom/internal/logging"
	"loom/internal/workqueue"
)

const reconcileBatch = 100

// WithReconcileAfter overrides how long an active job may go untouched before
// the reconciler re-triggers its current stage.
func WithReconcileAfter(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.reconcileAfter = d
		}
	}
}

func (w *Worker) runStatsMonitor(ctx context.Context) {
	defer w.wg.Done()
	if w.metrics == nil || w.statsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	w.sampleStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sampleStats(ctx)
		}
	}
}

func (w *Worker) sampleStats(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		w.logger.Debug("queue stats unavailable", logging.Error(err))
	} else {
		w.metrics.SetQueueDepth(stats.Ready, stats.Invisible, stats.DeadLetters)
	}
	active, err := w.store.CountActive(ctx)
	if err != nil {
		w.logger.Debug("active job count unavailable", logging.Error(err))
		return
	}
	w.metrics.SetActiveJobs(active)
}

func (w *Worker) runReconciler(ctx context.Context) {
	defer w.wg.Done()
	interval := w.reconcileAfter / 2
	if interval < w.pollInterval {
		interval = w.pollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(w.logger, "reconcile pass failed", "reconcile_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "stalled jobs wait for the next pass"),
					logging.String(logging.FieldErrorHint, "check job store and queue connectivity"),
				)
			}
		}
	}
}

// Reconcile enqueues a trigger for every active job untouched for longer than
// the reconcile window, covering triggers lost between a store write and the
// enqueue that should follow it. It skips the pass while messages are
// waiting, since a backlog also leaves jobs untouched.
func (w *Worker) Reconcile(ctx context.Context) (int, error) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return 0, err
	}
	if stats.Ready > 0 {
		return 0, nil
	}

	jobs, err := w.store.ListStalled(ctx, w.now().Add(-w.reconcileAfter), reconcileBatch)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, job := range jobs {
		msg := workqueue.Message{JobID: job.ID, Stage: string(job.Status), Attempt: job.AttemptCount + 1}
		if _, err := w.queue.Enqueue(ctx, msg, 0); err != nil {
			return requeued, err
		}
		requeued++
		w.logger.Info("re-triggered stalled job",
			logging.String(logging.FieldEventType, "job_reconciled"),
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(job.Status)),
			logging.Time("updated_at", job.UpdatedAt),
		)
	}
	return requeued, nil
}
