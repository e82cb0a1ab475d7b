package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

type execution struct {
	output  string
	err     error
	elapsed time.Duration
	// abandoned is set when the handler outlived its deadline.
	abandoned bool
	// interrupted is set when the worker is shutting down.
	interrupted bool
}

func (w *Worker) process(ctx context.Context, delivery workqueue.Delivery, deadline time.Time) {
	ctx = services.WithStage(services.WithJobID(ctx, delivery.JobID), delivery.Stage)
	logger := logging.WithContext(ctx, w.logger)

	job, err := w.store.Get(ctx, delivery.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		logging.WarnWithContext(logger, "discarding message for unknown job", "job_missing",
			logging.String(logging.FieldImpact, "message acknowledged without running a stage"),
			logging.String(logging.FieldErrorHint, "job may have been purged by retention"),
		)
		w.acknowledge(ctx, logger, delivery)
		return
	}
	if err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to load job", "job_load_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store connectivity; the message will be redelivered"),
		)
		return
	}

	if string(job.Status) != delivery.Stage {
		w.handleMismatch(ctx, logger, delivery, job)
		return
	}

	registry, ok := w.catalog.Resolve(job.Variant)
	var def stage.Definition
	if ok {
		def, ok = registry.Lookup(delivery.Stage)
	}
	if !ok || def.Handler == nil {
		cause := services.Wrap(services.ErrConfiguration, delivery.Stage, "resolve stage",
			fmt.Sprintf("variant %q has no runnable stage %q", job.Variant, delivery.Stage), nil)
		w.fail(ctx, logger, delivery, job, stage.Definition{Name: delivery.Stage}, job.AttemptCount, cause)
		return
	}

	if !w.now().Before(deadline) {
		logger.Debug("delivery expired before execution; leaving it for redelivery")
		return
	}

	attempt := job.AttemptCount + 1
	if attempt > def.MaxAttempts {
		w.exhaust(ctx, logger, delivery, job, def, lastAttemptMessage(job, def))
		return
	}

	claimed, err := w.store.RecordAttempt(ctx, job.ID, job.Status, job.AttemptCount)
	if errors.Is(err, jobstore.ErrStaleTransition) {
		logger.Debug("attempt already claimed elsewhere", logging.Int(logging.FieldAttempt, attempt))
		w.recordOutcome(def.Name, metrics.OutcomeStale, 0)
		w.acknowledge(ctx, logger, delivery)
		return
	}
	if err != nil {
		w.setLastError(err)
		logging.ErrorWithContext(logger, "failed to record stage attempt", "attempt_record_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store connectivity; the message will be redelivered"),
		)
		return
	}

	stageLogger := logger.With(logging.Int(logging.FieldAttempt, attempt))
	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("variant", job.Variant),
		logging.Int("max_attempts", def.MaxAttempts),
		logging.Int("deliveries", delivery.Deliveries),
	)

	result := w.execute(ctx, stageLogger, claimed, def, attempt, deadline)
	switch {
	case result.interrupted:
		stageLogger.Debug("stage interrupted by shutdown")
		return
	case result.abandoned:
		w.recordOutcome(def.Name, metrics.OutcomeAbandoned, result.elapsed)
		logging.WarnWithContext(stageLogger, "stage abandoned after deadline", "stage_abandoned",
			logging.Duration("stage_duration", result.elapsed),
			logging.String(logging.FieldImpact, "message will be redelivered and the attempt counts toward the budget"),
			logging.String(logging.FieldErrorHint, "raise worker.visibility_timeout or investigate the stage collaborator"),
		)
		return
	case result.err == nil:
		w.complete(ctx, stageLogger, delivery, registry, def, claimed, result)
	case def.IsRetryable(result.err):
		w.retry(ctx, stageLogger, delivery, claimed, def, attempt, result)
	default:
		w.recordOutcome(def.Name, metrics.OutcomeFailed, result.elapsed)
		w.fail(ctx, stageLogger, delivery, claimed, def, attempt, result.err)
	}
}

// execute runs the handler under the delivery deadline. A handler still
// running at the deadline is left behind and its result discarded.
func (w *Worker) execute(ctx context.Context, logger *slog.Logger, job *jobstore.Job, def stage.Definition, attempt int, deadline time.Time) execution {
	execCtx, cancel := context.WithDeadline(services.WithRequestID(ctx, uuid.NewString()), deadline)
	defer cancel()

	status := def.Status()
	req := stage.Request{
		JobID:    job.ID,
		Variant:  job.Variant,
		Stage:    def,
		Attempt:  attempt,
		Input:    job.Input,
		Outputs:  job.Outputs,
		Progress: job.Progress,
	}.WithReporter(func(rctx context.Context, progress int) {
		if err := w.store.ReportProgress(rctx, job.ID, status, progress); err != nil {
			logger.Debug("progress update skipped", logging.Error(err))
		}
	})

	start := w.now()
	done := make(chan execution, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execution{err: services.Wrap(services.ErrFatal, def.Name, "execute", fmt.Sprintf("handler panic: %v", r), nil)}
			}
		}()
		output, err := def.Handler.Execute(execCtx, req)
		done <- execution{output: output, err: err}
	}()

	var result execution
	select {
	case result = <-done:
	case <-execCtx.Done():
	}
	result.elapsed = w.now().Sub(start)
	if ctx.Err() != nil {
		result.interrupted = true
	} else if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.abandoned = true
	}
	return result
}

func lastAttemptMessage(job *jobstore.Job, def stage.Definition) string {
	for i := len(job.History) - 1; i >= 0; i-- {
		if entry := job.History[i]; entry.Stage == def.Name && entry.Message != "" {
			return entry.Message
		}
	}
	return fmt.Sprintf("stage %s did not finish within %d attempts", def.Name, def.MaxAttempts)
}
