package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"loom/internal/config"
	"loom/internal/jobstore"
	"loom/internal/logging"
)

// retention purges terminal jobs older than the configured window on a cron
// schedule. A disabled retention is a no-op.
type retention struct {
	store  jobstore.Store
	logger *slog.Logger
	window time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

func newRetention(cfg config.Retention, store jobstore.Store, logger *slog.Logger) (*retention, error) {
	r := &retention{
		store:  store,
		logger: logger,
		window: time.Duration(cfg.Days) * 24 * time.Hour,
		now:    time.Now,
	}
	if !cfg.Enabled || cfg.Days <= 0 {
		return r, nil
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

func (r *retention) start() {
	if r.cron != nil {
		r.cron.Start()
	}
}

func (r *retention) stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *retention) run(ctx context.Context) int64 {
	cutoff := r.now().Add(-r.window)
	purged, err := r.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		logging.WarnWithContext(r.logger, "retention purge failed", "retention_purge_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "terminal jobs accumulate until the next run"),
		)
		return 0
	}
	if purged > 0 {
		r.logger.Info("purged terminal jobs",
			logging.String(logging.FieldEventType, "retention_purge"),
			logging.Int("purged", int(purged)),
			logging.Time("cutoff", cutoff),
		)
	}
	return purged
}
