package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/internal/backoff"
	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/notifications"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

// Worker pulls stage messages from the queue and drives jobs through their
// variant's stages.
type Worker struct {
	store    jobstore.Store
	queue    workqueue.Queue
	catalog  *stage.Catalog
	logger   *slog.Logger
	notifier notifications.Service
	metrics  *metrics.Metrics
	backoff  backoff.Strategy

	concurrency    int
	batchSize      int
	pollInterval   time.Duration
	errorRetry     time.Duration
	visibility     time.Duration
	statsInterval  time.Duration
	reconcileAfter time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	lastJob  *jobstore.Job
	outcomes map[string]int
}

// Option customizes a Worker.
type Option func(*Worker)

// WithNotifier publishes terminal job events through svc.
func WithNotifier(svc notifications.Service) Option {
	return func(w *Worker) {
		if svc != nil {
			w.notifier = svc
		}
	}
}

// WithMetrics records stage and queue metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithBackoff overrides the retry delay strategy.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(w *Worker) {
		if strategy != nil {
			w.backoff = strategy
		}
	}
}

// WithPollInterval overrides the idle wait between empty dequeues.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithVisibilityTimeout overrides the visibility timeout, which is also the
// handler deadline.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.visibility = d
		}
	}
}

// WithConcurrency overrides the number of worker loops.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// New constructs a worker from configuration.
func New(cfg *config.Config, store jobstore.Store, queue workqueue.Queue, catalog *stage.Catalog, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	initial, maxDelay := cfg.Worker.BackoffBounds()
	w := &Worker{
		store:         store,
		queue:         queue,
		catalog:       catalog,
		logger:        logging.NewComponentLogger(logger, "worker"),
		notifier:      notifications.NewService(cfg),
		backoff:       backoff.New(initial, maxDelay),
		concurrency:   cfg.Worker.Concurrency,
		batchSize:     cfg.Worker.BatchSize,
		pollInterval:  cfg.Worker.PollDuration(),
		errorRetry:    cfg.Worker.ErrorRetryDuration(),
		visibility:    cfg.Worker.VisibilityDuration(),
		statsInterval: cfg.Worker.StatsDuration(),
		now:           time.Now,
		outcomes:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.batchSize <= 0 {
		w.batchSize = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.errorRetry <= 0 {
		w.errorRetry = 10 * time.Second
	}
	if w.visibility <= 0 {
		w.visibility = 10 * time.Minute
	}
	if w.reconcileAfter <= 0 {
		w.reconcileAfter = 2*w.visibility + maxDelay
	}
	return w
}

// Start launches the worker loops and background monitors.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	if w.catalog == nil || w.store == nil || w.queue == nil {
		w.mu.Unlock()
		return errors.New("worker requires a store, a queue and a stage catalog")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(w.concurrency + 2)
	w.mu.Unlock()

	for i := 1; i <= w.concurrency; i++ {
		name := fmt.Sprintf("worker-%d", i)
		go w.runLoop(services.WithWorker(runCtx, name))
	}
	go w.runStatsMonitor(runCtx)
	go w.runReconciler(runCtx)

	w.logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_start"),
		logging.Int("concurrency", w.concurrency),
		logging.Int("batch_size", w.batchSize),
		logging.Duration("visibility_timeout", w.visibility),
	)
	return nil
}

// Stop cancels the loops and waits for in-progress deliveries to settle.
// Abandoned handlers are not waited for.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped", logging.String(logging.FieldEventType, "worker_stop"))
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	logger := logging.WithContext(ctx, w.logger)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dequeuedAt := w.now()
		deliveries, err := w.queue.Dequeue(ctx, w.batchSize, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.handleDequeueError(ctx, logger, err)
			continue
		}
		if len(deliveries) == 0 {
			w.wait(ctx, w.pollInterval)
			continue
		}

		deadline := dequeuedAt.Add(w.visibility)
		for _, delivery := range deliveries {
			if ctx.Err() != nil {
				return
			}
			w.process(ctx, delivery, deadline)
		}
	}
}

func (w *Worker) handleDequeueError(ctx context.Context, logger *slog.Logger, err error) {
	w.setLastError(err)
	logger.Error("failed to dequeue stage messages",
		logging.Error(err),
		logging.String(logging.FieldEventType, "queue_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
	)
	w.wait(ctx, w.errorRetry)
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
