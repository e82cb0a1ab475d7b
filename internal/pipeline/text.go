package pipeline

import (
	"context"
	"strings"

	"loom/internal/services"
	"loom/internal/services/llm"
)

// TextGenerator produces text for a single prompt. model may be empty to use
// the collaborator's default.
type TextGenerator interface {
	Generate(ctx context.Context, model, system, user string) (string, error)
}

// LLMText adapts the OpenAI-compatible client to TextGenerator.
type LLMText struct {
	Client *llm.Client
}

// Generate implements TextGenerator.
func (t LLMText) Generate(ctx context.Context, model, system, user string) (string, error) {
	return t.Client.Complete(ctx, llm.Request{
		Model:       model,
		System:      system,
		User:        user,
		Temperature: 0.2,
	})
}

// HealthCheck verifies the client credentials.
func (t LLMText) HealthCheck(ctx context.Context) error {
	return t.Client.HealthCheck(ctx)
}

// textRouter picks the collaborator for a job's model. gemini-* models go to
// Gemini; everything else goes to the OpenAI-compatible client. Only
// provider-qualified ids (containing "/") and gemini ids are forwarded as the
// request model; catalog names such as "nova-pro" use the client's default.
type textRouter struct {
	openai TextGenerator
	gemini TextGenerator
}

func isGeminiModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gemini")
}

func (r textRouter) generate(ctx context.Context, stageName, model, system, user string) (string, error) {
	model = strings.TrimSpace(model)
	if isGeminiModel(model) {
		if r.gemini == nil {
			return "", services.Wrap(services.ErrConfiguration, stageName, "generate", "gemini is not configured", nil)
		}
		return r.gemini.Generate(ctx, model, system, user)
	}
	if r.openai == nil {
		return "", services.Wrap(services.ErrConfiguration, stageName, "generate", "llm is not configured", nil)
	}
	if !strings.Contains(model, "/") {
		model = ""
	}
	return r.openai.Generate(ctx, model, system, user)
}

func (r textRouter) health(ctx context.Context) (string, bool) {
	type checker interface {
		HealthCheck(context.Context) error
	}
	var problems []string
	for name, gen := range map[string]TextGenerator{"llm": r.openai, "gemini": r.gemini} {
		if gen == nil {
			continue
		}
		if c, ok := gen.(checker); ok {
			if err := c.HealthCheck(ctx); err != nil {
				problems = append(problems, name+": "+err.Error())
			}
		}
	}
	if r.openai == nil && r.gemini == nil {
		problems = append(problems, "no text collaborator configured")
	}
	if len(problems) > 0 {
		return strings.Join(problems, "; "), false
	}
	return "", true
}
