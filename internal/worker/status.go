package worker

import (
	"context"
	"maps"
	"time"

	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

// StatusSummary represents lightweight worker diagnostics.
type StatusSummary struct {
	Running     bool
	LastError   string
	LastJob     *jobstore.Job
	Outcomes    map[string]int
	Queue       workqueue.Stats
	StageHealth map[string]stage.Health
}

// Status returns the latest worker information.
func (w *Worker) Status(ctx context.Context) StatusSummary {
	w.mu.RLock()
	summary := StatusSummary{
		Running:  w.running,
		Outcomes: maps.Clone(w.outcomes),
	}
	if w.lastErr != nil {
		summary.LastError = w.lastErr.Error()
	}
	if w.lastJob != nil {
		job := *w.lastJob
		summary.LastJob = &job
	}
	w.mu.RUnlock()

	stats, err := w.queue.Stats(ctx)
	if err != nil {
		w.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.Queue = stats
	summary.StageHealth = StageHealth(ctx, w.catalog)
	return summary
}

// StageHealth checks every distinct stage handler that exposes a health check.
func StageHealth(ctx context.Context, catalog *stage.Catalog) map[string]stage.Health {
	health := make(map[string]stage.Health)
	if catalog == nil {
		return health
	}
	for _, name := range catalog.Names() {
		registry, _ := catalog.Resolve(name)
		for _, def := range registry.Stages() {
			if _, seen := health[def.Name]; seen {
				continue
			}
			if checker, ok := def.Handler.(stage.HealthChecker); ok {
				health[def.Name] = checker.HealthCheck(ctx)
			}
		}
	}
	return health
}

func (w *Worker) recordOutcome(stageName, outcome string, elapsed time.Duration) {
	w.metrics.StageExecuted(stageName, outcome, elapsed)
	w.mu.Lock()
	w.outcomes[outcome]++
	w.mu.Unlock()
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Worker) setLastJob(job *jobstore.Job) {
	if job == nil {
		return
	}
	copied := *job
	w.mu.Lock()
	w.lastJob = &copied
	w.mu.Unlock()
}
