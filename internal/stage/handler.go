package stage

import (
	"context"

	"loom/internal/jobstore"
)

// Request is everything a handler needs to run one stage of one job.
type Request struct {
	JobID    string
	Variant  string
	Stage    Definition
	Attempt  int
	Input    jobstore.Input
	Outputs  []jobstore.StageOutput
	Progress int

	report func(ctx context.Context, progress int)
}

// Output returns the artifact an earlier stage produced.
func (r Request) Output(stage string) (string, bool) {
	for _, out := range r.Outputs {
		if out.Stage == stage {
			return out.Output, true
		}
	}
	return "", false
}

// LastOutput returns the most recent artifact, if any.
func (r Request) LastOutput() (jobstore.StageOutput, bool) {
	if len(r.Outputs) == 0 {
		return jobstore.StageOutput{}, false
	}
	return r.Outputs[len(r.Outputs)-1], true
}

// ReportProgress records how far through the stage the handler is, as a
// percentage of the stage's own range.
func (r Request) ReportProgress(ctx context.Context, percent int) {
	if r.report == nil {
		return
	}
	r.report(ctx, r.Stage.ProgressAt(percent))
}

// WithReporter returns a copy of r whose ReportProgress calls fn with an
// absolute job progress value.
func (r Request) WithReporter(fn func(ctx context.Context, progress int)) Request {
	r.report = fn
	return r
}

// Handler executes one stage. It returns the stage's output artifact or an
// error classified through the services error markers.
type Handler interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// HealthChecker is implemented by handlers that depend on an external collaborator.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// Health is a stage collaborator's readiness.
type Health struct {
	Name   string `json:"name,omitempty"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Ready reports a usable collaborator.
func Ready() Health { return Health{Ready: true} }

// NotReady reports a collaborator that cannot serve the stage right now.
func NotReady(detail string) Health { return Health{Detail: detail} }
