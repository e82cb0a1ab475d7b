package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/app"
	"loom/internal/status"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and purge jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsPurgeCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				views, err := a.Reader.List(cmd.Context(), status.Filter{Statuses: statuses, Limit: limit})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					updated := ""
					if t := status.ParseTime(v.UpdatedAt); !t.IsZero() {
						updated = t.Local().Format("2006-01-02 15:04")
					}
					rows = append(rows, []string{v.JobID, v.Status, strconv.Itoa(v.Progress) + "%", v.Variant, truncate(v.Prompt, 40), updated})
				}
				fmt.Fprintln(out, renderTable([]string{"ID", "Status", "Progress", "Variant", "Prompt", "Updated"}, rows, 2))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status or stage name (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs")
	return cmd
}

func newJobsPurgeCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed and failed jobs older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				window := olderThan
				if !cmd.Flags().Changed("older-than") {
					window = time.Duration(a.Config.Retention.Days) * 24 * time.Hour
				}
				purged, err := a.Store.PurgeTerminal(cmd.Context(), time.Now().Add(-window))
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]int64{"purged": purged})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d terminal jobs\n", purged)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age cutoff (default retention.days)")
	return cmd
}

func newDLQCommand(ctx *commandContext) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and purge dead-lettered stage messages",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				views, err := a.Reader.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, views)
				}
				out := cmd.OutOrStdout()
				if len(views) == 0 {
					fmt.Fprintln(out, "Dead-letter channel is empty")
					return nil
				}
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{v.JobID, v.Stage, strconv.Itoa(v.Attempt), strconv.Itoa(v.Deliveries), truncate(v.Reason, 50)})
				}
				fmt.Fprintln(out, renderTable([]string{"Job", "Stage", "Attempt", "Deliveries", "Reason"}, rows, 2, 3))
				return nil
			})
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of entries")

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				purged, err := a.Queue.PurgeDeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]int64{"purged": purged})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letters\n", purged)
				return nil
			})
		},
	}

	dlqCmd.AddCommand(listCmd, purgeCmd)
	return dlqCmd
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Work queue diagnostics",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				summary, err := a.Reader.Summary(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, summary)
				}
				out := cmd.OutOrStdout()
				rows := [][]string{
					{"jobs total", strconv.Itoa(summary.Total)},
					{"jobs active", strconv.Itoa(summary.Active)},
					{"jobs completed", strconv.Itoa(summary.Completed)},
					{"jobs failed", strconv.Itoa(summary.Failed)},
				}
				names := make([]string, 0, len(summary.Counts))
				for name := range summary.Counts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					rows = append(rows, []string{"status " + name, strconv.Itoa(summary.Counts[name])})
				}
				if q := summary.Queue; q != nil {
					rows = append(rows,
						[]string{"messages ready", strconv.Itoa(q.Ready)},
						[]string{"messages in flight", strconv.Itoa(q.Invisible)},
						[]string{"dead letters", strconv.Itoa(q.DeadLetters)},
					)
				}
				fmt.Fprintln(out, renderTable([]string{"Metric", "Value"}, rows, 1))
				return nil
			})
		},
	})
	return queueCmd
}

func newVariantsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List pipeline variants and their stage progress ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				variants := a.Reader.Variants()
				if ctx.jsonOutput() {
					return writeJSON(cmd, variants)
				}
				rows := make([][]string, 0)
				for _, v := range variants {
					name := v.Name
					if v.Default {
						name += " (default)"
					}
					for i, st := range v.Stages {
						label := ""
						if i == 0 {
							label = name
						}
						rows = append(rows, []string{label, st.Name, fmt.Sprintf("%d-%d%%", st.Low, st.High)})
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Variant", "Stage", "Progress"}, rows, 2))
				return nil
			})
		},
	}
}
