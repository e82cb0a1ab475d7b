package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/services/render"
	"loom/internal/stage"
)

// Stage names with a built-in handler.
const (
	StageExplain  = "explain"
	StageRefine   = "refine"
	StageScript   = "script"
	StageValidate = "validate"
	StageRender   = "render"
	StageUpload   = "upload"
)

// Renderer turns a script into a video file.
type Renderer interface {
	Render(ctx context.Context, job render.Job, progress func(int)) (string, error)
}

// Publisher stores a finished artifact and returns its location.
type Publisher interface {
	Put(ctx context.Context, jobID, src string) (string, error)
}

// Options wires collaborators into the handler set. Nil collaborators make
// the stages that need them fail with a configuration error.
type Options struct {
	OpenAI        TextGenerator
	Gemini        TextGenerator
	Renderer      Renderer
	Publisher     Publisher
	WorkDir       string
	ReviewScripts bool
	Logger        *slog.Logger
}

// Set holds the collaborators shared by every stage handler.
type Set struct {
	text      textRouter
	renderer  Renderer
	publisher Publisher
	workDir   string
	review    bool
	logger    *slog.Logger
}

// New builds a handler set.
func New(opts Options) *Set {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Set{
		text:      textRouter{openai: opts.OpenAI, gemini: opts.Gemini},
		renderer:  opts.Renderer,
		publisher: opts.Publisher,
		workDir:   opts.WorkDir,
		review:    opts.ReviewScripts,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Handlers returns the stage handlers keyed by stage name.
func (s *Set) Handlers() map[string]stage.Handler {
	return map[string]stage.Handler{
		StageExplain:  &handler{name: StageExplain, run: s.explain, health: s.textHealth},
		StageRefine:   &handler{name: StageRefine, run: s.refine, health: s.textHealth},
		StageScript:   &handler{name: StageScript, run: s.script, health: s.textHealth},
		StageValidate: &handler{name: StageValidate, run: s.validate, health: s.validateHealth},
		StageRender:   &handler{name: StageRender, run: s.render, health: s.renderHealth},
		StageUpload:   &handler{name: StageUpload, run: s.upload, health: s.uploadHealth},
	}
}

type handler struct {
	name   string
	run    func(ctx context.Context, req stage.Request) (string, error)
	health func(ctx context.Context) stage.Health
}

func (h *handler) Execute(ctx context.Context, req stage.Request) (string, error) {
	return h.run(ctx, req)
}

func (h *handler) HealthCheck(ctx context.Context) stage.Health {
	health := h.health(ctx)
	health.Name = h.name
	return health
}

func (s *Set) explain(ctx context.Context, req stage.Request) (string, error) {
	out, err := s.text.generate(ctx, req.Stage.Name, req.Input.Model, explainSystem, req.Input.Prompt)
	if err != nil {
		return "", err
	}
	return nonEmpty(req.Stage.Name, out)
}

func (s *Set) refine(ctx context.Context, req stage.Request) (string, error) {
	source, ok := req.Output(StageExplain)
	if !ok {
		source = req.Input.Prompt
	}
	out, err := s.text.generate(ctx, req.Stage.Name, req.Input.Model, refineSystem, source)
	if err != nil {
		return "", err
	}
	return nonEmpty(req.Stage.Name, out)
}

func (s *Set) script(ctx context.Context, req stage.Request) (string, error) {
	explanation, ok := req.Output(StageRefine)
	if !ok {
		explanation, _ = req.Output(StageExplain)
	}
	prompt := scriptPrompt(req.Input.Prompt, explanation, req.Input.Voice)
	out, err := s.text.generate(ctx, req.Stage.Name, req.Input.Model, scriptSystem, prompt)
	if err != nil {
		return "", err
	}
	script := CleanScript(out)
	if problem := CheckScript(script); problem != "" {
		// Malformed generations count as transient.
		return "", services.Wrap(services.ErrTransient, req.Stage.Name, "generate script", problem, nil)
	}
	return script, nil
}

func (s *Set) validate(ctx context.Context, req stage.Request) (string, error) {
	script, ok := req.Output(StageScript)
	if !ok {
		return "", services.Wrap(services.ErrFatal, req.Stage.Name, "load script", "no script output recorded", nil)
	}
	script = CleanScript(script)
	if problem := CheckScript(script); problem != "" {
		return "", services.Wrap(services.ErrFatal, req.Stage.Name, "check script", problem, nil)
	}
	if !s.review {
		return script, nil
	}
	req.ReportProgress(ctx, 50)

	logger := logging.WithContext(ctx, s.logger)
	reviewed, err := s.text.generate(ctx, req.Stage.Name, req.Input.Model, reviewSystem, script)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logging.WarnWithContext(logger, "script review failed; keeping generated script", "script_review_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.String(logging.FieldImpact, "script is rendered without review"),
		)
		return script, nil
	}
	reviewed = CleanScript(reviewed)
	if problem := CheckScript(reviewed); problem != "" {
		logging.WarnWithContext(logger, "reviewed script is malformed; keeping generated script", "script_review_rejected",
			logging.String("problem", problem),
			logging.String(logging.FieldImpact, "script is rendered without review"),
		)
		return script, nil
	}
	return reviewed, nil
}

func (s *Set) render(ctx context.Context, req stage.Request) (string, error) {
	if s.renderer == nil {
		return "", services.Wrap(services.ErrConfiguration, req.Stage.Name, "render", "renderer is not configured", nil)
	}
	script, ok := req.Output(StageValidate)
	if !ok {
		script, ok = req.Output(StageScript)
	}
	if !ok {
		return "", services.Wrap(services.ErrFatal, req.Stage.Name, "load script", "no script output recorded", nil)
	}
	scene, _ := SceneName(script)
	video, err := s.renderer.Render(ctx, render.Job{
		ID:      req.JobID,
		Script:  script,
		Scene:   scene,
		WorkDir: filepath.Join(s.workDir, req.JobID),
	}, func(percent int) {
		req.ReportProgress(ctx, percent)
	})
	if err != nil {
		return "", err
	}
	return video, nil
}

func (s *Set) upload(ctx context.Context, req stage.Request) (string, error) {
	if s.publisher == nil {
		return "", services.Wrap(services.ErrConfiguration, req.Stage.Name, "upload", "output store is not configured", nil)
	}
	video, ok := req.Output(StageRender)
	if !ok {
		return "", services.Wrap(services.ErrFatal, req.Stage.Name, "load video", "no render output recorded", nil)
	}
	return s.publisher.Put(ctx, req.JobID, video)
}

func (s *Set) textHealth(ctx context.Context) stage.Health {
	if detail, ok := s.text.health(ctx); !ok {
		return stage.NotReady(detail)
	}
	return stage.Ready()
}

func (s *Set) validateHealth(ctx context.Context) stage.Health {
	if !s.review {
		return stage.Ready()
	}
	return s.textHealth(ctx)
}

func (s *Set) renderHealth(ctx context.Context) stage.Health {
	return checkerHealth(ctx, s.renderer, "renderer is not configured")
}

func (s *Set) uploadHealth(ctx context.Context) stage.Health {
	return checkerHealth(ctx, s.publisher, "output store is not configured")
}

func checkerHealth(ctx context.Context, collaborator any, missing string) stage.Health {
	if collaborator == nil {
		return stage.NotReady(missing)
	}
	checker, ok := collaborator.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return stage.Ready()
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return stage.NotReady(err.Error())
	}
	return stage.Ready()
}

func nonEmpty(stageName, out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", services.Wrap(services.ErrTransient, stageName, "generate", "empty response", nil)
	}
	return out, nil
}
