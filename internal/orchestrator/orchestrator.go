package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/workqueue"
)

// Request is a submission before validation.
type Request struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Voice   string `json:"voice,omitempty"`
	Variant string `json:"variant,omitempty"`
}

// Submission acknowledges an accepted job.
type Submission struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Variant  string `json:"variant"`
}

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Unwrap ties the error to the services validation marker.
func (e *ValidationError) Unwrap() error { return services.ErrValidation }

// Orchestrator validates submissions, creates jobs and enqueues their first stage.
type Orchestrator struct {
	pipeline config.Pipeline
	store    jobstore.Store
	queue    workqueue.Queue
	catalog  *stage.Catalog
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics counts accepted submissions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an orchestrator.
func New(cfg *config.Config, store jobstore.Store, queue workqueue.Queue, catalog *stage.Catalog, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pipeline: cfg.Pipeline,
		store:    store,
		queue:    queue,
		catalog:  catalog,
		logger:   logging.NewComponentLogger(logger, "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validate normalizes req and resolves its variant without writing anything.
func (o *Orchestrator) Validate(req Request) (jobstore.Input, *stage.Registry, error) {
	prompt := strings.TrimSpace(req.Prompt)
	length := utf8.RuneCountInString(prompt)
	minLen := max(o.pipeline.MinPromptLength, 1)
	if length < minLen {
		if length == 0 {
			return jobstore.Input{}, nil, &ValidationError{Field: "prompt", Message: "prompt is required"}
		}
		return jobstore.Input{}, nil, &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at least %d characters", minLen)}
	}
	if o.pipeline.MaxPromptLength > 0 && length > o.pipeline.MaxPromptLength {
		return jobstore.Input{}, nil, &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at most %d characters", o.pipeline.MaxPromptLength)}
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.pipeline.DefaultModel
	}
	if !o.pipeline.AllowsModel(model) {
		return jobstore.Input{}, nil, &ValidationError{Field: "model", Message: fmt.Sprintf("%q is not an allowed model", model)}
	}

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = o.pipeline.DefaultVoice
	}
	if !o.pipeline.AllowsVoice(voice) {
		return jobstore.Input{}, nil, &ValidationError{Field: "voice", Message: fmt.Sprintf("%q is not an allowed voice", voice)}
	}

	registry, ok := o.catalog.Resolve(req.Variant)
	if !ok {
		return jobstore.Input{}, nil, &ValidationError{
			Field:   "variant",
			Message: fmt.Sprintf("%q is not one of %s", strings.TrimSpace(req.Variant), strings.Join(o.catalog.Names(), ", ")),
		}
	}
	return jobstore.Input{Prompt: prompt, Model: model, Voice: voice}, registry, nil
}

// Submit validates req, creates the job in its variant's first stage and
// enqueues the first trigger. Nothing is written when validation or the
// capacity check fails. A job whose trigger cannot be enqueued is failed with
// kind enqueue_failed.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Submission, error) {
	input, registry, err := o.Validate(req)
	if err != nil {
		return Submission{}, err
	}
	if err := o.checkCapacity(ctx); err != nil {
		return Submission{}, err
	}

	first := registry.First()
	job := &jobstore.Job{
		Variant:  registry.Name(),
		Status:   first.Status(),
		Progress: first.Low,
		Input:    input,
	}
	id, err := o.store.Create(ctx, job)
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	ctx = services.WithJobID(ctx, id)
	logger := logging.WithContext(ctx, o.logger)
	if _, err := o.queue.Enqueue(ctx, workqueue.Message{JobID: id, Stage: first.Name, Attempt: 1}, 0); err != nil {
		return Submission{}, o.failUnqueued(ctx, logger, id, first, err)
	}

	o.metrics.JobSubmitted(registry.Name())
	logger.Info("job submitted",
		logging.String(logging.FieldEventType, "job_submitted"),
		logging.String("variant", registry.Name()),
		logging.String("model", input.Model),
		logging.String("voice", input.Voice),
		logging.Int("prompt_length", utf8.RuneCountInString(input.Prompt)),
	)
	return Submission{
		JobID:    id,
		Status:   string(first.Status()),
		Progress: first.Low,
		Variant:  registry.Name(),
	}, nil
}

func (o *Orchestrator) checkCapacity(ctx context.Context) error {
	limit := o.pipeline.MaxActiveJobs
	if limit <= 0 {
		return nil
	}
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active >= limit {
		return services.Wrap(services.ErrCapacity, "", "submit",
			fmt.Sprintf("%d jobs already in progress (limit %d)", active, limit), nil)
	}
	return nil
}

func (o *Orchestrator) failUnqueued(ctx context.Context, logger *slog.Logger, id string, first stage.Definition, cause error) error {
	enqueueErr := services.Wrap(services.ErrEnqueueUnavailable, first.Name, "enqueue first stage", "", cause)
	_, message := services.Details(enqueueErr)
	jobErr := jobstore.JobError{Stage: first.Name, Kind: services.KindEnqueueUnavailable, Message: message}
	if _, err := o.store.MarkFailed(ctx, id, first.Status(), jobErr); err != nil && !errors.Is(err, jobstore.ErrStaleTransition) {
		logging.ErrorWithContext(logger, "failed to mark unqueued job failed", "job_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the reconciler will re-trigger the job"),
		)
	}
	logging.ErrorWithContext(logger, "job created but first stage could not be enqueued", "enqueue_failed",
		logging.Error(cause),
		logging.String(logging.FieldErrorKind, services.KindEnqueueUnavailable),
		logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
	)
	return fmt.Errorf("job %s: %w", id, enqueueErr)
}
