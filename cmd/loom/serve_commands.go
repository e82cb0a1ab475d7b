package main

import (
	"github.com/spf13/cobra"

	"loom/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: stage workers, HTTP API and retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	addRunFlags(cmd, &opts)
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run stage workers only against the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts.WorkerOnly = true
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}
	addRunFlags(cmd, &opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *daemonrun.Options) {
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&opts.Development, "dev", false, "Include source locations in log records")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "Override worker.concurrency")
}
