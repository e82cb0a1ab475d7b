package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeBackends()
	c.normalizeWorker()
	c.normalizePipeline()
	c.normalizeLLM()
	c.normalizeGemini()
	c.normalizeRender()
	c.normalizeRetention()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		c.Paths.OutputDir = defaultOutputDir
	}
	if c.Paths.OutputDir, err = expandPath(c.Paths.OutputDir); err != nil {
		return fmt.Errorf("paths.output_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("LOOM_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeBackends() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("LOOM_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		}
	}

	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultQueueBackend
	}
	if value, ok := os.LookupEnv("LOOM_REDIS_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.Queue.RedisAddr = strings.TrimSpace(value)
	}
	c.Queue.RedisAddr = strings.TrimSpace(c.Queue.RedisAddr)
	if c.Queue.RedisAddr == "" {
		c.Queue.RedisAddr = defaultRedisAddr
	}
	c.Queue.RedisPrefix = strings.TrimSpace(c.Queue.RedisPrefix)
	if c.Queue.RedisPrefix == "" {
		c.Queue.RedisPrefix = defaultRedisPrefix
	}
}

func (c *Config) normalizeWorker() {
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = defaultBatchSize
	}
	if c.Worker.BackoffMaxMS > 0 && c.Worker.BackoffInitialMS > c.Worker.BackoffMaxMS {
		c.Worker.BackoffInitialMS = c.Worker.BackoffMaxMS
	}
}

func (c *Config) normalizePipeline() {
	p := &c.Pipeline
	p.DefaultVariant = strings.TrimSpace(p.DefaultVariant)
	if p.DefaultVariant == "" {
		p.DefaultVariant = defaultVariant
	}
	p.DefaultModel = strings.TrimSpace(p.DefaultModel)
	if p.DefaultModel == "" {
		p.DefaultModel = defaultModel
	}
	p.DefaultVoice = strings.TrimSpace(p.DefaultVoice)
	if p.DefaultVoice == "" {
		p.DefaultVoice = defaultVoice
	}
	p.Models = normalizeList(p.Models, false)
	if len(p.Models) == 0 {
		p.Models = defaultModels()
	}
	p.Voices = normalizeList(p.Voices, false)
	if len(p.Voices) == 0 {
		p.Voices = defaultVoices()
	}
	if p.DefaultMaxAttempts <= 0 {
		p.DefaultMaxAttempts = defaultMaxAttempts
	}
	p.RetryableKinds = normalizeList(p.RetryableKinds, true)
	if len(p.RetryableKinds) == 0 {
		p.RetryableKinds = defaultRetryableKinds()
	}
	if len(p.Variants) == 0 {
		p.Variants = defaultVariants()
	}
	for i := range p.Variants {
		variant := &p.Variants[i]
		variant.Name = strings.TrimSpace(variant.Name)
		for j := range variant.Stages {
			spec := &variant.Stages[j]
			spec.Name = strings.TrimSpace(spec.Name)
			if spec.MaxAttempts <= 0 {
				spec.MaxAttempts = p.DefaultMaxAttempts
			}
			spec.RetryableKinds = normalizeList(spec.RetryableKinds, true)
			if len(spec.RetryableKinds) == 0 {
				spec.RetryableKinds = append([]string(nil), p.RetryableKinds...)
			}
		}
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	if c.LLM.Referer == "" {
		c.LLM.Referer = defaultLLMReferer
	}
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeGemini() {
	c.Gemini.BaseURL = strings.TrimSpace(c.Gemini.BaseURL)
	c.Gemini.Model = strings.TrimSpace(c.Gemini.Model)
	if c.Gemini.Model == "" {
		c.Gemini.Model = defaultGeminiModel
	}
	if c.Gemini.MaxOutputTokens <= 0 {
		c.Gemini.MaxOutputTokens = defaultGeminiMaxTokens
	}
	c.Gemini.APIKey = strings.TrimSpace(c.Gemini.APIKey)
	if c.Gemini.APIKey == "" {
		if value, ok := os.LookupEnv("GEMINI_API_KEY"); ok {
			c.Gemini.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("GOOGLE_API_KEY"); ok {
			c.Gemini.APIKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeRender() {
	c.Render.Command = strings.TrimSpace(c.Render.Command)
	if c.Render.Command == "" {
		c.Render.Command = defaultRenderCommand
	}
	if len(c.Render.Args) == 0 {
		c.Render.Args = defaultRenderArgs()
	}
	if c.Render.TimeoutSeconds <= 0 {
		c.Render.TimeoutSeconds = defaultRenderTimeout
	}
	c.Render.Quality = strings.ToLower(strings.TrimSpace(c.Render.Quality))
	if c.Render.Quality == "" {
		c.Render.Quality = defaultRenderQuality
	}
}

func (c *Config) normalizeRetention() {
	c.Retention.Schedule = strings.TrimSpace(c.Retention.Schedule)
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = defaultRetentionSchedule
	}
	if c.Retention.Days < 0 {
		c.Retention.Days = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeList(values []string, lower bool) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		normalized := strings.TrimSpace(value)
		if lower {
			normalized = strings.ToLower(normalized)
		}
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
