package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/app"
	"loom/internal/jobstore"
	"loom/internal/status"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, progress and stage outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				view, err := a.Reader.Get(cmd.Context(), args[0])
				if errors.Is(err, jobstore.ErrNotFound) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, view)
				}
				printJobView(cmd.OutOrStdout(), view, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}
}

func printJobView(out io.Writer, view status.JobView, colorize bool) {
	fmt.Fprintln(out, renderSectionHeader("Job "+view.JobID, colorize))
	fmt.Fprintf(out, "  Status:   %s\n", view.Status)
	fmt.Fprintf(out, "  Progress: %d%%\n", view.Progress)
	fmt.Fprintf(out, "  Variant:  %s\n", view.Variant)
	fmt.Fprintf(out, "  Prompt:   %s\n", truncate(view.Prompt, 80))
	if view.Model != "" {
		fmt.Fprintf(out, "  Model:    %s\n", view.Model)
	}
	if created := status.ParseTime(view.CreatedAt); !created.IsZero() {
		fmt.Fprintf(out, "  Created:  %s\n", created.Local().Format("2006-01-02 15:04:05"))
	}

	if len(view.Stages) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderSectionHeader("Stages", colorize))
		for _, st := range view.Stages {
			detail := fmt.Sprintf("%d-%d%%", st.Low, st.High)
			fmt.Fprintln(out, renderStatusLine(st.Label, stageKind(st.State), detail+" "+st.State, colorize))
		}
	}

	if view.Error != nil {
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderStatusLine("Error", statusError,
			fmt.Sprintf("%s (%s): %s", view.Error.Stage, view.Error.Kind, view.Error.Message), colorize))
	}

	if len(view.StageOutputs) > 0 {
		rows := make([][]string, 0, len(view.StageOutputs))
		for i, output := range view.StageOutputs {
			rows = append(rows, []string{strconv.Itoa(i + 1), output.Stage, truncate(output.Output, 72)})
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, renderTable([]string{"#", "Stage", "Output"}, rows, 0))
	}
}

func stageKind(state string) statusKind {
	switch state {
	case status.StageDone:
		return statusOK
	case status.StageActive:
		return statusInfo
	case status.StageFailed:
		return statusError
	default:
		return statusWarn
	}
}
