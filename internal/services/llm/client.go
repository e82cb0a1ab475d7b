package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"loom/internal/backoff"
	"loom/internal/services"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1/chat/completions"
	defaultHTTPTimeout = 2 * time.Minute
	defaultAttempts    = 3
)

// Config captures the runtime settings required to talk to the provider.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// Client wraps an OpenAI-compatible chat completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client

	attempts int
	delays   backoff.Strategy
	sleep    func(context.Context, time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts bounds in-call retries. Values below 1 mean one attempt.
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.attempts = max(attempts, 1)
	}
}

// WithBackoff replaces the delay strategy between in-call retries.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(c *Client) {
		if strategy != nil {
			c.delays = strategy
		}
	}
}

// WithSleeper replaces the wait between retries. Tests use it to skip sleeping.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient constructs a client. An empty base URL points at OpenRouter.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Referer = strings.TrimSpace(cfg.Referer)
	cfg.Title = strings.TrimSpace(cfg.Title)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   defaultAttempts,
		delays:     backoff.Exponential{Initial: time.Second, Max: 10 * time.Second},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured default model.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Request describes one chat completion.
type Request struct {
	// Model overrides the configured model when set.
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Complete issues a chat completion and returns the trimmed reply text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return "", services.Wrap(services.ErrValidation, "", "llm complete", "user prompt required", nil)
	}
	if c.cfg.APIKey == "" {
		return "", services.Wrap(services.ErrConfiguration, "", "llm complete", "api key required", nil)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return "", services.Wrap(services.ErrConfiguration, "", "llm complete", "model required", nil)
	}
	body := chatRequest{Model: model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if system := strings.TrimSpace(req.System); system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: user})
	return c.withRetry(ctx, "llm complete", body)
}

// HealthCheck sends a tiny completion to confirm the key and model work.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Complete(ctx, Request{
		System:    "Answer with one word.",
		User:      "Reply with the word ready.",
		MaxTokens: 8,
	})
	return err
}
