package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/cache"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
	"github.com/kiranshivaraju/imagepod/internal/notify"
	"github.com/kiranshivaraju/imagepod/internal/store"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// Snapshot is what an executor sees on each poll: its queued jobs and the
// endpoints waiting for it to act.
type Snapshot struct {
	Jobs      []*models.Job             `json:"jobs"`
	Endpoints []*models.EndpointSummary `json:"endpoints"`
}

// Poller serves executor long-polls. Polling never changes job or endpoint
// state, so repeated polls with nothing in between return the same snapshot.
type Poller struct {
	store             store.Store
	notifier          notify.Channel
	cache             cache.Cache
	maxWait           time.Duration
	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
	logger            *slog.Logger
}

// NewPoller creates a new Poller. maxWait is further capped at notify.MaxWait.
// c may be nil, in which case every poll writes the heartbeat.
func NewPoller(st store.Store, ch notify.Channel, c cache.Cache, maxWait, heartbeatInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		store:             st,
		notifier:          ch,
		cache:             c,
		maxWait:           notify.ClampTimeout(maxWait),
		heartbeatInterval: heartbeatInterval,
		metrics:           m,
		logger:            logger.With("component", "poller"),
	}
}

// PollForWork returns the executor's current snapshot. When there is nothing
// queued or deploying, it waits up to timeout for a notification and reads
// again. An empty snapshot is a normal result.
func (p *Poller) PollForWork(ctx context.Context, executorID uuid.UUID, timeout time.Duration) (*Snapshot, error) {
	timeout = notify.ClampTimeout(timeout)
	if timeout > p.maxWait {
		timeout = p.maxWait
	}

	p.heartbeat(ctx, executorID)

	snap, err := p.snapshot(ctx, executorID)
	if err != nil {
		return nil, err
	}
	if timeout > 0 && snap.empty() {
		p.notifier.Wait(ctx, executorID, timeout)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if snap, err = p.snapshot(ctx, executorID); err != nil {
			return nil, err
		}
	}

	p.metrics.PollReturned(len(snap.Jobs))
	return snap, nil
}

func (p *Poller) snapshot(ctx context.Context, executorID uuid.UUID) (*Snapshot, error) {
	jobs, err := p.store.GetJobsInQueue(ctx, executorID)
	if err != nil {
		return nil, mapStoreError("get jobs in queue", err)
	}
	endpoints, err := p.store.ListEndpointsForExecutor(ctx, executorID, models.EndpointStatusDeploying)
	if err != nil {
		return nil, mapStoreError("list deploying endpoints", err)
	}
	return &Snapshot{Jobs: jobs, Endpoints: endpoints}, nil
}

func (s *Snapshot) empty() bool {
	return len(s.Jobs) == 0 && len(s.Endpoints) == 0
}

// ListEndpoints returns every endpoint assigned to the executor regardless
// of status.
func (p *Poller) ListEndpoints(ctx context.Context, executorID uuid.UUID) ([]*models.EndpointSummary, error) {
	endpoints, err := p.store.ListEndpointsForExecutor(ctx, executorID, "")
	if err != nil {
		return nil, mapStoreError("list endpoints", err)
	}
	return endpoints, nil
}

// heartbeat records executor liveness at most once per heartbeatInterval.
// Failures are logged and never fail the poll.
func (p *Poller) heartbeat(ctx context.Context, executorID uuid.UUID) {
	if p.cache != nil {
		first, err := p.cache.SetNX(ctx, cache.HeartbeatKey(executorID), p.heartbeatInterval)
		if err != nil {
			p.logger.Debug("heartbeat throttle unavailable", "executor_id", executorID, "error", err)
		} else if !first {
			return
		}
	}
	if err := p.store.TouchExecutorHeartbeat(ctx, executorID); err != nil {
		p.logger.Warn("heartbeat write failed", "executor_id", executorID, "error", err)
	}
}
