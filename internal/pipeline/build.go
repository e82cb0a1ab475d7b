package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/config"
	"loom/internal/services/gemini"
	"loom/internal/services/llm"
	"loom/internal/services/render"
	"loom/internal/services/upload"
)

// FromConfig builds the handler set from configuration. Text collaborators
// without an API key are left unset; their stages then fail with a
// configuration error instead of blocking startup.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Set, error) {
	opts := Options{
		WorkDir:       cfg.Paths.WorkDir,
		ReviewScripts: cfg.Pipeline.ReviewScripts,
		Logger:        logger,
	}
	if cfg.LLM.APIKey != "" {
		opts.OpenAI = LLMText{Client: llm.NewClient(llm.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			Referer:        cfg.LLM.Referer,
			Title:          cfg.LLM.Title,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		})}
	}
	if cfg.Gemini.APIKey != "" {
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:          cfg.Gemini.APIKey,
			BaseURL:         cfg.Gemini.BaseURL,
			Model:           cfg.Gemini.Model,
			MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		opts.Gemini = client
	}
	renderer, err := render.New(render.Config{
		Command: cfg.Render.Command,
		Args:    cfg.Render.Args,
		Timeout: time.Duration(cfg.Render.TimeoutSeconds) * time.Second,
		Quality: cfg.Render.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("render client: %w", err)
	}
	opts.Renderer = renderer
	store, err := upload.NewStore(cfg.Paths.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("output store: %w", err)
	}
	opts.Publisher = store
	return New(opts), nil
}
