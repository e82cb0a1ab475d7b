package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	WorkDir   string `toml:"work_dir"`
	OutputDir string `toml:"output_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// Store selects the job store backend.
type Store struct {
	Backend     string `toml:"backend"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// Queue selects the work queue backend.
type Queue struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// Worker contains worker loop timing and sizing.
type Worker struct {
	Concurrency        int `toml:"concurrency"`
	BatchSize          int `toml:"batch_size"`
	PollInterval       int `toml:"poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	VisibilityTimeout  int `toml:"visibility_timeout"`
	BackoffInitialMS   int `toml:"backoff_initial_ms"`
	BackoffMaxMS       int `toml:"backoff_max_ms"`
	StatsInterval      int `toml:"stats_interval"`
}

// StageSpec declares one stage of a pipeline variant. The lower bound of the
// progress range is the previous stage's upper bound (0 for the first stage).
type StageSpec struct {
	Name           string   `toml:"name"`
	ProgressHigh   int      `toml:"progress_high"`
	MaxAttempts    int      `toml:"max_attempts"`
	RetryableKinds []string `toml:"retryable_kinds"`
}

// Variant is a named, ordered stage sequence.
type Variant struct {
	Name   string      `toml:"name"`
	Stages []StageSpec `toml:"stages"`
}

// Pipeline contains submission constraints and stage variants.
type Pipeline struct {
	DefaultVariant     string    `toml:"default_variant"`
	MaxActiveJobs      int       `toml:"max_active_jobs"`
	MinPromptLength    int       `toml:"min_prompt_length"`
	MaxPromptLength    int       `toml:"max_prompt_length"`
	DefaultModel       string    `toml:"default_model"`
	Models             []string  `toml:"models"`
	DefaultVoice       string    `toml:"default_voice"`
	Voices             []string  `toml:"voices"`
	DefaultMaxAttempts int       `toml:"default_max_attempts"`
	RetryableKinds     []string  `toml:"retryable_kinds"`
	ReviewScripts      bool      `toml:"review_scripts"`
	Variants           []Variant `toml:"variants"`
}

// LLM contains OpenAI-compatible chat completion settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Gemini contains Google Gemini settings used for gemini-* models.
type Gemini struct {
	APIKey          string `toml:"api_key"`
	BaseURL         string `toml:"base_url"`
	Model           string `toml:"model"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

// Render contains the external renderer invocation.
type Render struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Quality        string   `toml:"quality"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
}

// Retention controls the scheduled purge of finished jobs.
type Retention struct {
	Enabled  bool   `toml:"enabled"`
	Days     int    `toml:"days"`
	Schedule string `toml:"schedule"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: data, log, work and output directories plus the API bind address
//   - Store / Queue: persistence and delivery backends
//   - Worker: concurrency, polling and visibility timing
//   - Pipeline: submission constraints and stage variants
//   - LLM / Gemini / Render: stage collaborators
//   - Notifications: ntfy push notification settings
//   - Retention: scheduled purge of finished jobs
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Queue         Queue         `toml:"queue"`
	Worker        Worker        `toml:"worker"`
	Pipeline      Pipeline      `toml:"pipeline"`
	LLM           LLM           `toml:"llm"`
	Gemini        Gemini        `toml:"gemini"`
	Render        Render        `toml:"render"`
	Notifications Notifications `toml:"notifications"`
	Retention     Retention     `toml:"retention"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// List values in the file replace defaults wholesale; normalize refills
		// any that are still empty.
		cfg.clearListDefaults()
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func (c *Config) clearListDefaults() {
	c.Pipeline.Models = nil
	c.Pipeline.Voices = nil
	c.Pipeline.RetryableKinds = nil
	c.Pipeline.Variants = nil
	c.Render.Args = nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and worker operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.WorkDir, c.Paths.OutputDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "loomd.lock")
}

// PollDuration returns the idle wait between empty dequeues.
func (w Worker) PollDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// ErrorRetryDuration returns the wait after a failed dequeue.
func (w Worker) ErrorRetryDuration() time.Duration {
	return time.Duration(w.ErrorRetryInterval) * time.Second
}

// VisibilityDuration returns the message visibility timeout, which is also the
// handler invocation deadline.
func (w Worker) VisibilityDuration() time.Duration {
	return time.Duration(w.VisibilityTimeout) * time.Second
}

// StatsDuration returns the queue gauge sampling interval.
func (w Worker) StatsDuration() time.Duration {
	return time.Duration(w.StatsInterval) * time.Second
}

// BackoffBounds returns the retry backoff initial and maximum delay.
func (w Worker) BackoffBounds() (time.Duration, time.Duration) {
	return time.Duration(w.BackoffInitialMS) * time.Millisecond, time.Duration(w.BackoffMaxMS) * time.Millisecond
}

// Variant returns the named pipeline variant.
func (p Pipeline) Variant(name string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}

// AllowsModel reports whether model is in the configured allowlist.
func (p Pipeline) AllowsModel(model string) bool {
	return containsFold(p.Models, model)
}

// AllowsVoice reports whether voice is in the configured allowlist.
func (p Pipeline) AllowsVoice(voice string) bool {
	return containsFold(p.Voices, voice)
}

func containsFold(values []string, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), candidate) {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
