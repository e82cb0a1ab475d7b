package config

const (
	defaultDataDir            = "~/.local/share/loom"
	defaultLogDir             = "~/.local/share/loom/logs"
	defaultWorkDir            = "~/.local/share/loom/work"
	defaultOutputDir          = "~/.local/share/loom/output"
	defaultAPIBind            = "127.0.0.1:7491"
	defaultStoreBackend       = "sqlite"
	defaultQueueBackend       = "sqlite"
	defaultRedisAddr          = "127.0.0.1:6379"
	defaultRedisPrefix        = "loom"
	defaultConcurrency        = 2
	defaultBatchSize          = 1
	defaultPollInterval       = 2
	defaultErrorRetryInterval = 10
	defaultVisibilityTimeout  = 600
	defaultBackoffInitialMS   = 2000
	defaultBackoffMaxMS       = 60000
	defaultStatsInterval      = 15
	defaultVariant            = "standard"
	defaultMinPromptLength    = 1
	defaultMaxPromptLength    = 10000
	defaultModel              = "claude-3-5-sonnet-v2"
	defaultVoice              = "Joanna"
	defaultMaxAttempts        = 3
	defaultLLMBaseURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel           = "anthropic/claude-3.5-sonnet"
	defaultLLMReferer         = "https://github.com/loom-pipeline/loom"
	defaultLLMTitle           = "Loom"
	defaultLLMTimeoutSeconds  = 120
	defaultGeminiModel        = "gemini-2.5-flash"
	defaultGeminiMaxTokens    = 4096
	defaultRenderCommand      = "manim"
	defaultRenderTimeout      = 300
	defaultRenderQuality      = "l"
	defaultNotifyTimeout      = 10
	defaultRetentionDays      = 7
	defaultRetentionSchedule  = "@daily"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultTransientErrorKind = "transient"
	defaultTimeoutErrorKind   = "timeout"
	defaultStageExplain       = "explain"
	defaultStageRefine        = "refine"
	defaultStageScript        = "script"
	defaultStageValidate      = "validate"
	defaultStageRender        = "render"
	defaultStageUpload        = "upload"
)

func defaultModels() []string {
	return []string{
		defaultModel,
		"titan-text-g1-express",
		"nova-pro",
		"claude-4-sonnet",
		"llama-3-2-3b-instruct",
		"mixtral-8x7b-instruct",
		"gpt-5",
		defaultGeminiModel,
	}
}

func defaultVoices() []string {
	return []string{
		"Joanna", "Matthew", "Kimberly", "Justin", "Joey", "Ivy", "Kendra", "Kevin",
		"Salli", "Ruth", "Stephen", "Amy", "Emma", "Brian", "Arthur", "Olivia", "Aria",
	}
}

func defaultRetryableKinds() []string {
	return []string{defaultTransientErrorKind, defaultTimeoutErrorKind}
}

func defaultVariants() []Variant {
	variants := []Variant{
		{
			Name: "standard",
			Stages: []StageSpec{
				{Name: defaultStageExplain, ProgressHigh: 20},
				{Name: defaultStageScript, ProgressHigh: 45},
				{Name: defaultStageValidate, ProgressHigh: 55},
				{Name: defaultStageRender, ProgressHigh: 90},
				{Name: defaultStageUpload, ProgressHigh: 100},
			},
		},
		{
			Name: "quick",
			Stages: []StageSpec{
				{Name: defaultStageScript, ProgressHigh: 35},
				{Name: defaultStageValidate, ProgressHigh: 45},
				{Name: defaultStageRender, ProgressHigh: 90},
				{Name: defaultStageUpload, ProgressHigh: 100},
			},
		},
		{
			Name: "full",
			Stages: []StageSpec{
				{Name: defaultStageExplain, ProgressHigh: 15},
				{Name: defaultStageRefine, ProgressHigh: 30},
				{Name: defaultStageScript, ProgressHigh: 50},
				{Name: defaultStageValidate, ProgressHigh: 60},
				{Name: defaultStageRender, ProgressHigh: 90},
				{Name: defaultStageUpload, ProgressHigh: 100},
			},
		},
	}
	for i := range variants {
		for j := range variants[i].Stages {
			variants[i].Stages[j].MaxAttempts = defaultMaxAttempts
			variants[i].Stages[j].RetryableKinds = defaultRetryableKinds()
		}
	}
	return variants
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			WorkDir:   defaultWorkDir,
			OutputDir: defaultOutputDir,
			APIBind:   defaultAPIBind,
		},
		Store: Store{
			Backend: defaultStoreBackend,
		},
		Queue: Queue{
			Backend:     defaultQueueBackend,
			RedisAddr:   defaultRedisAddr,
			RedisPrefix: defaultRedisPrefix,
		},
		Worker: Worker{
			Concurrency:        defaultConcurrency,
			BatchSize:          defaultBatchSize,
			PollInterval:       defaultPollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			VisibilityTimeout:  defaultVisibilityTimeout,
			BackoffInitialMS:   defaultBackoffInitialMS,
			BackoffMaxMS:       defaultBackoffMaxMS,
			StatsInterval:      defaultStatsInterval,
		},
		Pipeline: Pipeline{
			DefaultVariant:     defaultVariant,
			MinPromptLength:    defaultMinPromptLength,
			MaxPromptLength:    defaultMaxPromptLength,
			DefaultModel:       defaultModel,
			Models:             defaultModels(),
			DefaultVoice:       defaultVoice,
			Voices:             defaultVoices(),
			DefaultMaxAttempts: defaultMaxAttempts,
			RetryableKinds:     defaultRetryableKinds(),
			ReviewScripts:      true,
			Variants:           defaultVariants(),
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Gemini: Gemini{
			Model:           defaultGeminiModel,
			MaxOutputTokens: defaultGeminiMaxTokens,
		},
		Render: Render{
			Command:        defaultRenderCommand,
			Args:           defaultRenderArgs(),
			TimeoutSeconds: defaultRenderTimeout,
			Quality:        defaultRenderQuality,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobCompleted:   true,
			JobFailed:      true,
		},
		Retention: Retention{
			Enabled:  true,
			Days:     defaultRetentionDays,
			Schedule: defaultRetentionSchedule,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultRenderArgs() []string {
	return []string{"render", "-q{quality}", "--media_dir", "{workdir}", "-o", "{output_name}", "{script}"}
}
