package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/notifications"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, registry *stage.Registry, def stage.Definition, job *jobstore.Job, result execution) {
	next, terminal, err := registry.Next(def.Name)
	if err != nil {
		w.fail(ctx, logger, delivery, job, def, job.AttemptCount,
			services.Wrap(services.ErrConfiguration, def.Name, "resolve next stage", err.Error(), nil))
		return
	}
	nextStatus, progress := jobstore.StatusCompleted, 100
	if !terminal {
		nextStatus, progress = next.Status(), next.Low
	}

	updated, err := w.store.Transition(ctx, job.ID, def.Status(), nextStatus, progress,
		&jobstore.StageOutput{Stage: def.Name, Output: result.output})
	if errors.Is(err, jobstore.ErrStaleTransition) {
		logger.Info("stage result discarded; job already moved on",
			logging.String(logging.FieldEventType, "stage_stale"),
		)
		w.recordOutcome(def.Name, metrics.OutcomeStale, result.elapsed)
		w.acknowledge(ctx, logger, delivery)
		return
	}
	if err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to persist stage result", "stage_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store connectivity; the stage will run again on redelivery"),
		)
		return
	}
	w.recordOutcome(def.Name, metrics.OutcomeSuccess, result.elapsed)
	w.setLastJob(updated)

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(nextStatus)),
		logging.Int("progress", updated.Progress),
		logging.Duration("stage_duration", result.elapsed),
	)

	if !terminal {
		msg := workqueue.Message{JobID: job.ID, Stage: next.Name, Attempt: 1}
		if _, err := w.queue.Enqueue(ctx, msg, 0); err != nil {
			w.setLastError(err)
			logging.ErrorWithContext(logger, "failed to enqueue next stage", "enqueue_failed",
				logging.Error(err),
				logging.String("next_stage", next.Name),
				logging.String(logging.FieldErrorHint, "the reconciler will re-trigger the next stage"),
			)
			return
		}
	}
	w.acknowledge(ctx, logger, delivery)
	if terminal {
		w.finished(ctx, logger, updated)
	}
}

func (w *Worker) retry(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, job *jobstore.Job, def stage.Definition, attempt int, result execution) {
	kind, message := services.Details(result.err)
	w.recordAttemptError(ctx, logger, job.ID, def.Name, attempt, kind, message)

	if attempt >= def.MaxAttempts {
		w.recordOutcome(def.Name, metrics.OutcomeExhausted, result.elapsed)
		w.exhaust(ctx, logger, delivery, job, def, message)
		return
	}

	delay := w.backoff.Delay(attempt)
	msg := workqueue.Message{JobID: job.ID, Stage: def.Name, Attempt: attempt + 1}
	if _, err := w.queue.Enqueue(ctx, msg, delay); err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to schedule stage retry", "retry_enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the message will be redelivered after the visibility timeout"),
		)
		return
	}
	w.recordOutcome(def.Name, metrics.OutcomeRetry, result.elapsed)
	logging.WarnWithContext(logger, "stage failed; retry scheduled", "stage_retry",
		logging.String(logging.FieldErrorKind, kind),
		logging.String("error_message", message),
		logging.Duration("retry_delay", delay),
		logging.Int("max_attempts", def.MaxAttempts),
		logging.String(logging.FieldImpact, "job progress paused until the retry runs"),
		logging.String(logging.FieldErrorHint, "transient collaborator failure; no action needed unless it repeats"),
	)
	w.acknowledge(ctx, logger, delivery)
}

// exhaust fails the job for delivery_exhausted and dead-letters the message.
// The job is written first so a crash between the two steps is repaired by
// the mismatch path on redelivery.
func (w *Worker) exhaust(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, job *jobstore.Job, def stage.Definition, message string) {
	jobErr := jobstore.JobError{Stage: def.Name, Kind: services.KindDeliveryExhausted, Message: message}
	failed, err := w.store.MarkFailed(ctx, job.ID, def.Status(), jobErr)
	if errors.Is(err, jobstore.ErrStaleTransition) {
		w.acknowledge(ctx, logger, delivery)
		return
	}
	if err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to persist exhausted job", "stage_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store connectivity; the message will be redelivered"),
		)
		return
	}
	logger.Error("stage retry budget exhausted",
		logging.String(logging.FieldEventType, "stage_exhausted"),
		logging.Alert("delivery_exhausted"),
		logging.String(logging.FieldErrorKind, jobErr.Kind),
		logging.String("error_message", message),
		logging.Int("max_attempts", def.MaxAttempts),
		logging.String(logging.FieldErrorHint, "inspect the dead-letter channel with `loom dlq list`"),
	)
	w.deadLetter(ctx, logger, delivery, services.KindDeliveryExhausted)
	w.finished(ctx, logger, failed)
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, job *jobstore.Job, def stage.Definition, attempt int, stageErr error) {
	kind, message := services.Details(stageErr)
	message = strings.TrimSpace(message)
	if message == "" {
		message = def.Name + " failed"
	}
	w.recordAttemptError(ctx, logger, job.ID, def.Name, attempt, kind, message)

	failed, err := w.store.MarkFailed(ctx, job.ID, jobstore.Status(def.Name),
		jobstore.JobError{Stage: def.Name, Kind: kind, Message: message})
	if errors.Is(err, jobstore.ErrStaleTransition) {
		w.acknowledge(ctx, logger, delivery)
		return
	}
	if err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to persist stage failure", "stage_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store connectivity; the message will be redelivered"),
		)
		return
	}
	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.Alert("stage_failure"),
		logging.String(logging.FieldErrorKind, kind),
		logging.String("error_message", message),
		logging.Error(stageErr),
		logging.String(logging.FieldErrorHint, "fatal collaborator error; resubmit after fixing the cause"),
	)
	w.setLastError(stageErr)
	w.acknowledge(ctx, logger, delivery)
	w.finished(ctx, logger, failed)
}

// handleMismatch settles a message whose stage no longer matches the job.
func (w *Worker) handleMismatch(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, job *jobstore.Job) {
	if job.Status == jobstore.StatusFailed && job.Error != nil &&
		job.Error.Stage == delivery.Stage && job.Error.Kind == services.KindDeliveryExhausted {
		logger.Info("dead-lettering message for exhausted job",
			logging.String(logging.FieldEventType, "dead_letter_recovered"),
		)
		if w.deadLetter(ctx, logger, delivery, services.KindDeliveryExhausted) {
			w.publish(ctx, logger, notifications.EventDeadLettered, notifications.Payload{"jobID": job.ID, "stage": delivery.Stage})
		}
		return
	}

	// Lost enqueues after a committed transition are recovered by Reconcile.
	logger.Debug("discarding message for stage the job is not in",
		logging.String(logging.FieldEventType, "stale_delivery"),
		logging.String("current_status", string(job.Status)),
	)
	w.acknowledge(ctx, logger, delivery)
}

func (w *Worker) deadLetter(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery, reason string) bool {
	if err := w.queue.DeadLetter(ctx, delivery, reason); err != nil {
		if errors.Is(err, workqueue.ErrReceiptExpired) {
			logger.Debug("dead-letter skipped; delivery superseded", logging.Error(err))
			return false
		}
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to dead-letter message", "dead_letter_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the message will be redelivered and dead-lettered again"),
		)
		return false
	}
	w.metrics.DeadLettered(delivery.Stage)
	return true
}

func (w *Worker) acknowledge(ctx context.Context, logger *slog.Logger, delivery workqueue.Delivery) {
	err := w.queue.Acknowledge(ctx, delivery.Receipt)
	switch {
	case err == nil:
	case errors.Is(err, workqueue.ErrReceiptExpired):
		logger.Debug("acknowledge skipped; delivery superseded")
	default:
		logging.WarnWithContext(logger, "failed to acknowledge message", "ack_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "message will be redelivered and discarded by the status check"),
		)
	}
}

func (w *Worker) recordAttemptError(ctx context.Context, logger *slog.Logger, jobID, stageName string, attempt int, kind, message string) {
	entry := jobstore.AttemptError{Stage: stageName, Attempt: attempt, Kind: kind, Message: message}
	if err := w.store.RecordError(ctx, jobID, entry); err != nil {
		logger.Debug("attempt error not recorded", logging.Error(err))
	}
}

func (w *Worker) finished(ctx context.Context, logger *slog.Logger, job *jobstore.Job) {
	if job == nil {
		return
	}
	w.setLastJob(job)
	kind := ""
	if job.Error != nil {
		kind = job.Error.Kind
	}
	w.metrics.JobFinished(string(job.Status), kind)

	switch job.Status {
	case jobstore.StatusCompleted:
		payload := notifications.Payload{"jobID": job.ID, "variant": job.Variant}
		if last := len(job.Outputs); last > 0 {
			payload["output"] = job.Outputs[last-1].Output
		}
		logger.Info("job completed", logging.String(logging.FieldEventType, "job_completed"))
		w.publish(ctx, logger, notifications.EventJobCompleted, payload)
	case jobstore.StatusFailed:
		payload := notifications.Payload{"jobID": job.ID, "variant": job.Variant}
		if job.Error != nil {
			payload["stage"] = job.Error.Stage
			payload["kind"] = job.Error.Kind
			payload["error"] = job.Error.Message
		}
		logger.Info("job failed", logging.String(logging.FieldEventType, "job_failed"))
		w.publish(ctx, logger, notifications.EventJobFailed, payload)
	}
}

func (w *Worker) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	if err := w.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "push notification was not delivered"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}
