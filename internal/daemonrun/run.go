package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"loom/internal/app"
	"loom/internal/config"
	"loom/internal/daemon"
	"loom/internal/logging"
	"loom/internal/metrics"
	"loom/internal/worker"
)

// Options configures process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// WorkerOnly runs stage workers without the API, retention schedule or
	// instance lock, so several processes can share one set of backends.
	WorkerOnly  bool
	Concurrency int
}

// Run starts loom and blocks until the context is cancelled or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logDependencySnapshot(logger, cfg)

	a, err := app.Open(signalCtx, cfg, logger, app.WithMetrics(metrics.New()))
	if err != nil {
		logger.Error("open backends", logging.Error(err))
		return err
	}

	var workerOpts []worker.Option
	if opts.Concurrency > 0 {
		workerOpts = append(workerOpts, worker.WithConcurrency(opts.Concurrency))
	}

	if opts.WorkerOnly {
		defer a.Close()
		logger.Info("loom worker starting", logging.String(logging.FieldEventType, "worker_mode"))
		return a.NewWorker(workerOpts...).Run(signalCtx)
	}

	d, err := daemon.New(a, logger, workerOpts...)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and backend connectivity"),
			logging.String(logging.FieldImpact, "no jobs will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("loom daemon shutting down")
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	loggerOpts := logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		Development: opts.Development,
	}
	if cfg.Paths.LogDir != "" {
		loggerOpts.JSONFile = filepath.Join(cfg.Paths.LogDir, "loom.log")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return logging.New(loggerOpts)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("store_backend", cfg.Store.Backend),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
		logging.Bool("gemini_key_present", strings.TrimSpace(cfg.Gemini.APIKey) != ""),
		logging.String("render_command", cfg.Render.Command),
		logging.Bool("render_available", binaryAvailable(cfg.Render.Command)),
		logging.String("default_variant", cfg.Pipeline.DefaultVariant),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
