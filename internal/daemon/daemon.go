package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/flock"

	"loom/internal/app"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/preflight"
	"loom/internal/worker"
)

// Daemon runs the worker, the retention schedule and the HTTP API for one
// App and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	app    *app.App
	worker *worker.Worker

	lockPath string
	lock     *flock.Flock

	retention *retention
	api       *apiServer

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                  `json:"running"`
	LockFilePath string                `json:"lock_file"`
	Worker       WorkerStatus          `json:"worker"`
	Checks       []preflight.Result    `json:"checks"`
	Stages       map[string]StageCheck `json:"stages,omitempty"`
}

// WorkerStatus summarises worker diagnostics.
type WorkerStatus struct {
	Running   bool           `json:"running"`
	LastError string         `json:"last_error,omitempty"`
	LastJobID string         `json:"last_job_id,omitempty"`
	Outcomes  map[string]int `json:"outcomes,omitempty"`
}

// StageCheck is a stage handler health result.
type StageCheck struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// New constructs a daemon around a.
func New(a *app.App, logger *slog.Logger, opts ...worker.Option) (*Daemon, error) {
	if a == nil || a.Config == nil {
		return nil, errors.New("daemon requires an assembled app")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	d := &Daemon{
		cfg:      a.Config,
		logger:   logger,
		app:      a,
		worker:   a.NewWorker(opts...),
		lockPath: a.Config.LockPath(),
		lock:     flock.New(a.Config.LockPath()),
	}
	ret, err := newRetention(a.Config.Retention, a.Store, logger)
	if err != nil {
		return nil, err
	}
	d.retention = ret
	d.api = newAPIServer(a.Config, d, logger)
	return d, nil
}

// Start acquires the instance lock and launches the worker, retention
// schedule and API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.worker.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start worker: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.worker.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.retention.start()
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("loom daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.api.stop()
	d.retention.stop()
	d.worker.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("loom daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close stops the daemon and releases the app's backends.
func (d *Daemon) Close() error {
	d.Stop()
	return d.app.Close()
}

// Address returns the bound API address, or "" when the API is disabled.
func (d *Daemon) Address() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary := d.worker.Status(ctx)
	status := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		Worker: WorkerStatus{
			Running:   summary.Running,
			LastError: summary.LastError,
			Outcomes:  summary.Outcomes,
		},
		Checks: d.app.Checks(ctx, preflight.Options{}),
		Stages: make(map[string]StageCheck, len(summary.StageHealth)),
	}
	if summary.LastJob != nil {
		status.Worker.LastJobID = summary.LastJob.ID
	}
	for name, health := range summary.StageHealth {
		status.Stages[name] = StageCheck{Ready: health.Ready, Detail: health.Detail}
	}
	return status
}

// Healthy reports whether every preflight check and stage health check passed.
func (s Status) Healthy() bool {
	if len(preflight.Failed(s.Checks)) > 0 {
		return false
	}
	for _, stage := range s.Stages {
		if !stage.Ready {
			return false
		}
	}
	return true
}
