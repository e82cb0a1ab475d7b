package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/app"
	"loom/internal/config"
	"loom/internal/preflight"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			var err error
			if target == "" {
				target, err = config.DefaultConfigPath()
			} else {
				target, err = config.ExpandPath(target)
			}
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Set llm.api_key (or export OPENROUTER_API_KEY) before running loom serve.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and run preflight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				results := a.Checks(cmd.Context(), preflight.Options{Remote: remote})
				failed := preflight.Failed(results)
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, map[string]any{
						"config_path": ctx.configPath,
						"exists":      ctx.configSeen,
						"checks":      results,
					}); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					colorize := shouldColorize(out)
					fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
					if !ctx.configSeen {
						fmt.Fprintln(out, "Config file did not exist; defaults were used")
					}
					fmt.Fprintln(out, renderSectionHeader("Preflight", colorize))
					for _, r := range results {
						kind := statusOK
						if !r.Passed {
							kind = statusError
						}
						fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
					}
					if len(failed) == 0 {
						fmt.Fprintln(out, "Configuration valid")
					}
				}
				if len(failed) > 0 {
					return errors.New("preflight checks failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "Also verify LLM and Gemini API keys with live requests")
	return cmd
}
