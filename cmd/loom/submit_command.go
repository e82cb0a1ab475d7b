package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/app"
	"loom/internal/jobstore"
	"loom/internal/orchestrator"
	"loom/internal/status"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var req orchestrator.Request
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a prompt as a new job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.Join(args, " ")
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				sub, err := a.Orchestrator.Submit(cmd.Context(), req)
				if err != nil {
					var verr *orchestrator.ValidationError
					if errors.As(err, &verr) {
						return fmt.Errorf("submission rejected: %w", verr)
					}
					return err
				}
				if !wait {
					if ctx.jsonOutput() {
						return writeJSON(cmd, sub)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s accepted (variant %s, stage %s, %d%%)\n",
						sub.JobID, sub.Variant, sub.Status, sub.Progress)
					return nil
				}
				view, err := waitForTerminal(cmd.Context(), a.Reader, sub.JobID, timeout)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, view)
				}
				printJobView(cmd.OutOrStdout(), view, shouldColorize(cmd.OutOrStdout()))
				if view.Status == string(jobstore.StatusFailed) {
					return fmt.Errorf("job %s failed", view.JobID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Model, "model", "", "Model to generate with (default from pipeline.default_model)")
	cmd.Flags().StringVar(&req.Voice, "voice", "", "Narration voice (default from pipeline.default_voice)")
	cmd.Flags().StringVar(&req.Variant, "variant", "", "Pipeline variant (default from pipeline.default_variant)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish; needs a running daemon or worker")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func waitForTerminal(ctx context.Context, reader *status.Reader, id string, timeout time.Duration) (status.JobView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		view, err := reader.Get(ctx, id)
		if err != nil {
			return status.JobView{}, err
		}
		if view.Status == string(jobstore.StatusCompleted) || view.Status == string(jobstore.StatusFailed) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, fmt.Errorf("job %s still %s at %d%%: %w", id, view.Status, view.Progress, ctx.Err())
		case <-ticker.C:
		}
	}
}
