package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateBackends(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackends() error {
	switch c.Store.Backend {
	case "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn must be set when store.backend is postgres (or set LOOM_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported (use sqlite or postgres)", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case "sqlite":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr must be set when queue.backend is redis")
		}
		if c.Queue.RedisDB < 0 {
			return errors.New("queue.redis_db must be >= 0")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported (use sqlite or redis)", c.Queue.Backend)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if err := ensurePositiveMap(map[string]int{
		"worker.concurrency":            c.Worker.Concurrency,
		"worker.batch_size":             c.Worker.BatchSize,
		"worker.poll_interval":          c.Worker.PollInterval,
		"worker.error_retry_interval":   c.Worker.ErrorRetryInterval,
		"worker.visibility_timeout":     c.Worker.VisibilityTimeout,
		"worker.stats_interval":         c.Worker.StatsInterval,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
		"llm.timeout_seconds":           c.LLM.TimeoutSeconds,
	}); err != nil {
		return err
	}
	if c.Worker.BackoffInitialMS < 0 {
		return errors.New("worker.backoff_initial_ms must be >= 0")
	}
	if c.Worker.BackoffMaxMS < 0 {
		return errors.New("worker.backoff_max_ms must be >= 0")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	if p.MinPromptLength < 1 {
		return errors.New("pipeline.min_prompt_length must be >= 1")
	}
	if p.MaxPromptLength < p.MinPromptLength {
		return errors.New("pipeline.max_prompt_length must be >= pipeline.min_prompt_length")
	}
	if p.MaxActiveJobs < 0 {
		return errors.New("pipeline.max_active_jobs must be >= 0")
	}
	if len(p.Models) == 0 {
		return errors.New("pipeline.models must include at least one model")
	}
	if !p.AllowsModel(p.DefaultModel) {
		return fmt.Errorf("pipeline.default_model %q is not listed in pipeline.models", p.DefaultModel)
	}
	if len(p.Voices) == 0 {
		return errors.New("pipeline.voices must include at least one voice")
	}
	if !p.AllowsVoice(p.DefaultVoice) {
		return fmt.Errorf("pipeline.default_voice %q is not listed in pipeline.voices", p.DefaultVoice)
	}
	if len(p.Variants) == 0 {
		return errors.New("pipeline.variants must define at least one variant")
	}
	seen := make(map[string]struct{}, len(p.Variants))
	for _, variant := range p.Variants {
		if variant.Name == "" {
			return errors.New("pipeline.variants entries must have a name")
		}
		if _, dup := seen[variant.Name]; dup {
			return fmt.Errorf("pipeline variant %q is defined more than once", variant.Name)
		}
		seen[variant.Name] = struct{}{}
		if err := validateVariant(variant); err != nil {
			return err
		}
	}
	if _, ok := p.Variant(p.DefaultVariant); !ok {
		return fmt.Errorf("pipeline.default_variant %q does not match a configured variant", p.DefaultVariant)
	}
	return nil
}

func validateVariant(variant Variant) error {
	if len(variant.Stages) == 0 {
		return fmt.Errorf("pipeline variant %q must define at least one stage", variant.Name)
	}
	names := make(map[string]struct{}, len(variant.Stages))
	low := 0
	for _, spec := range variant.Stages {
		if spec.Name == "" {
			return fmt.Errorf("pipeline variant %q has a stage without a name", variant.Name)
		}
		switch strings.ToUpper(spec.Name) {
		case "COMPLETED", "FAILED":
			return fmt.Errorf("pipeline variant %q: stage name %q is reserved", variant.Name, spec.Name)
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("pipeline variant %q: stage %q is listed more than once", variant.Name, spec.Name)
		}
		names[spec.Name] = struct{}{}
		if spec.ProgressHigh < low || spec.ProgressHigh > 100 {
			return fmt.Errorf("pipeline variant %q: stage %q progress_high must be between %d and 100", variant.Name, spec.Name, low)
		}
		low = spec.ProgressHigh
	}
	if low != 100 {
		return fmt.Errorf("pipeline variant %q: final stage progress_high must be 100", variant.Name)
	}
	return nil
}

func (c *Config) validateRender() error {
	if c.Render.Command == "" {
		return errors.New("render.command must be set")
	}
	if c.Render.TimeoutSeconds <= 0 {
		return errors.New("render.timeout_seconds must be positive")
	}
	switch c.Render.Quality {
	case "l", "m", "h", "p", "k":
	default:
		return fmt.Errorf("render.quality %q must be one of l, m, h, p, k", c.Render.Quality)
	}
	return nil
}

func (c *Config) validateRetention() error {
	if !c.Retention.Enabled {
		return nil
	}
	if c.Retention.Days <= 0 {
		return errors.New("retention.days must be positive when retention.enabled is true")
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule %q: %w", c.Retention.Schedule, err)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
