package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"loom/internal/services"
)

const defaultModel = "gemini-2.5-flash"

// Config captures Gemini API settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
}

// Client generates text with the Gemini API.
type Client struct {
	client *genai.Client
	model  string
	maxOut int
}

// NewClient builds a client. An empty API key is a configuration error.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "gemini", "api key required", nil)
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: strings.TrimSpace(cfg.BaseURL),
		},
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "gemini", "create client", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &Client{client: c, model: model, maxOut: cfg.MaxOutputTokens}, nil
}

// Model returns the configured default model.
func (c *Client) Model() string {
	return c.model
}

// Generate runs a single-turn generation. model overrides the default when set.
func (c *Client) Generate(ctx context.Context, model, system, user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", services.Wrap(services.ErrValidation, "", "gemini generate", "user prompt required", nil)
	}
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	config := &genai.GenerateContentConfig{}
	if c.maxOut > 0 {
		config.MaxOutputTokens = int32(c.maxOut)
	}
	if system = strings.TrimSpace(system); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: user}},
	}}
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", classify(err)
	}
	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", services.Wrap(services.ErrTransient, "", "gemini generate", "empty response", nil)
	}
	return text, nil
}

// HealthCheck issues a tiny generation to verify the key and model.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.Generate(ctx, "", "", "Reply with OK."); err != nil {
		return fmt.Errorf("gemini health: %w", err)
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if code, ok := apiStatus(err); ok {
		switch {
		case code == http.StatusRequestTimeout,
			code == http.StatusTooManyRequests,
			code >= http.StatusInternalServerError:
			return services.Wrap(services.ErrTransient, "", "gemini generate", fmt.Sprintf("http %d", code), err)
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "", "gemini generate", fmt.Sprintf("http %d", code), err)
		default:
			return services.Wrap(services.ErrFatal, "", "gemini generate", fmt.Sprintf("http %d", code), err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "", "gemini generate", "", err)
	}
	return services.Wrap(services.ErrTransient, "", "gemini generate", "", err)
}

func apiStatus(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
