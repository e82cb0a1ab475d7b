// Package metrics exposes pipeline counters and gauges for Prometheus.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage execution outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeStale     = "stale"
	OutcomeAbandoned = "abandoned"
)

// Metrics owns a private registry so several pipelines can coexist in one
// process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	activeJobs      prometheus.Gauge
	deadLettered    *prometheus.CounterVec
}

// New creates and registers the pipeline collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_jobs_submitted_total",
			Help: "Jobs accepted by the orchestrator per variant.",
		}, []string{"variant"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status", "kind"}),
		stageExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_stage_executions_total",
			Help: "Stage handler executions by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_stage_duration_seconds",
			Help:    "Stage handler wall time.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loom_queue_messages",
			Help: "Queue messages by state.",
		}, []string{"state"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_jobs_active",
			Help: "Jobs not yet in a terminal status.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_dead_letters_total",
			Help: "Messages moved to the dead-letter channel.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsSubmitted, m.jobsFinished, m.stageExecutions, m.stageDuration,
		m.queueDepth, m.activeJobs, m.deadLettered,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// JobSubmitted counts an accepted submission.
func (m *Metrics) JobSubmitted(variant string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(norm(variant)).Inc()
}

// JobFinished counts a job reaching COMPLETED or FAILED.
func (m *Metrics) JobFinished(status, kind string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status, norm(kind)).Inc()
}

// StageExecuted records one handler run.
func (m *Metrics) StageExecuted(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageExecutions.WithLabelValues(stage, outcome).Inc()
	if elapsed > 0 {
		m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// DeadLettered counts a message moved to the dead-letter channel.
func (m *Metrics) DeadLettered(stage string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(stage).Inc()
}

// SetQueueDepth publishes queue gauges.
func (m *Metrics) SetQueueDepth(ready, invisible, deadLetters int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("ready").Set(float64(ready))
	m.queueDepth.WithLabelValues("invisible").Set(float64(invisible))
	m.queueDepth.WithLabelValues("dead_letter").Set(float64(deadLetters))
}

// SetActiveJobs publishes the active job gauge.
func (m *Metrics) SetActiveJobs(count int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(count))
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "none"
	}
	return s
}
