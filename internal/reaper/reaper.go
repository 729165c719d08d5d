// Package reaper times out jobs whose executor never reported completion.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// Reaper periodically moves RUNNING jobs older than maxRuntime to TIMED_OUT.
// It is the only writer of TIMED_OUT.
type Reaper struct {
	store      store.Store
	maxRuntime time.Duration
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Reaper. A maxRuntime of zero disables it.
func New(st store.Store, maxRuntime, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:      st,
		maxRuntime: maxRuntime,
		interval:   interval,
		metrics:    m,
		logger:     logger.With("component", "reaper"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	if r.maxRuntime <= 0 {
		r.logger.Info("job timeout disabled")
		<-ctx.Done()
		return nil
	}

	r.logger.Info("started", "max_runtime", r.maxRuntime.String(), "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep times out overdue jobs once and returns how many it changed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.maxRuntime <= 0 {
		return 0, nil
	}

	jobs, err := r.store.TimeOutRunningJobs(ctx, r.now().Add(-r.maxRuntime))
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		r.metrics.JobTransition(string(models.JobStatusTimedOut))
		r.logger.Warn("job timed out",
			"job_id", j.ID,
			"executor_id", j.ExecutorID,
			"started_at", j.StartedAt,
		)
	}
	return len(jobs), nil
}
