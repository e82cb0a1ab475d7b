package preflight

import (
	"context"

	"loom/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Options selects the optional checks.
type Options struct {
	// Remote issues live requests against configured LLM providers.
	Remote bool
}

// RunAll executes the applicable preflight checks for cfg. Remote checks are
// skipped unless opts.Remote is set, and each is gated by its API key.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir),
		CheckBinary("Renderer", cfg.Render.Command),
	}

	if !opts.Remote {
		return results
	}
	if cfg.LLM.APIKey != "" {
		results = append(results, CheckLLM(ctx, "LLM", cfg.LLM))
	}
	if cfg.Gemini.APIKey != "" {
		results = append(results, CheckGemini(ctx, cfg.Gemini))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
